package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciliation-service/cmd/reconciler/config"
	"ledger-reconciliation-service/pkg/errors"
)

var (
	cfgFile    string
	verbose    bool
	outputFile string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"

	// initErr holds a config file or .env problem until a command can report it
	initErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Bank statement to ledger reconciliation",
	Long: `Reconciler matches bank statement transactions against ledger journal
entries, scores every candidate, auto-accepts confident matches and queues
the rest for human review. A consistency pass flags duplicates, unbooked
transfers and anomalies.

Configuration is read from --config, a .env file and RECONCILER_* environment
variables (for example RECONCILER_STORAGE_DSN), in that order of precedence
below command-line flags.

Examples:
  reconciler import --statements march.csv --journal ledger.csv --account ACC-1
  reconciler run --account ACC-1 --from 2024-03-01 --to 2024-03-31
  reconciler review list --min-score 70
  reconciler review batch-accept M-1 M-2 --note "checked against invoices"
  reconciler checks resolve C-9 --action approve
  reconciler stats --account ACC-1 --output-format json
  reconciler schedule --cron "0 2 * * *"`,
	Version:       getVersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringP("output-format", "f", "", "report format: console, json, csv")
	rootCmd.PersistentFlags().StringVarP(&outputFile, "output-file", "o", "", "write the report to a file (default: stdout)")
	rootCmd.PersistentFlags().String("storage-dsn", "", "database DSN (overrides storage.dsn)")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("output.format", rootCmd.PersistentFlags().Lookup("output-format"))
	viper.BindPFlag("storage.dsn", rootCmd.PersistentFlags().Lookup("storage-dsn"))
}

// initConfig reads in .env, the config file and ENV variables.
func initConfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		initErr = errors.ConfigError(errors.CodeInvalidConfig, ".env", nil, err)
		return
	}

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)

		if err := viper.ReadInConfig(); err != nil {
			initErr = errors.ConfigError(errors.CodeInvalidConfig, "config", cfgFile, err).
				WithSuggestion("check the file exists and its syntax matches the extension")
			return
		}

		if viper.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}

	// Read environment variables that match
	config.BindEnv(viper.GetViper())
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
