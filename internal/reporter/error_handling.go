package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// RenderFunc writes one report with the given generator
type RenderFunc func(gen *ReportGenerator, w io.Writer) error

// SafeReportGenerator wraps ReportGenerator with logging and output fallbacks
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
}

// NewSafeReportGenerator creates a new safe report generator with error handling
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "output.format", config.Format, err).
			WithSuggestion("use one of console, json or csv")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// Render writes a report to w. When a structured format fails the report is written again
// as console output after a notice.
func (srg *SafeReportGenerator) Render(report string, render RenderFunc, w io.Writer) error {
	if w == nil {
		return errors.InternalError("render "+report, fmt.Errorf("no output writer"))
	}
	log := srg.logger.WithFields(logger.Fields{
		"report": report,
		"format": srg.config.Format,
		"output": getWriterDescription(w),
	})
	log.Debug("Rendering report")

	err := render(srg.ReportGenerator, w)
	if err == nil {
		return nil
	}
	log.WithError(err).Warn("Report rendering failed")
	if srg.config.Format == FormatConsole {
		return srg.wrapGenerationError(report, err)
	}

	fallbackConfig := *srg.config
	fallbackConfig.Format = FormatConsole
	fallback, ferr := NewReportGenerator(&fallbackConfig)
	if ferr != nil {
		return srg.wrapGenerationError(report, err)
	}
	fmt.Fprintf(w, "NOTE: %s report shown as console output after a %s error: %v\n\n", report, srg.config.Format, err)
	if ferr := render(fallback, w); ferr != nil {
		return errors.InternalError("render "+report,
			fmt.Errorf("both primary and fallback rendering failed: primary=%v, fallback=%v", err, ferr))
	}
	log.Info("Report rendered using console fallback")
	return nil
}

// RenderToFile writes a report to path and returns the path written. When the file cannot
// be created, a backup file of the same name in the temp directory is used instead.
func (srg *SafeReportGenerator) RenderToFile(report, path string, render RenderFunc) (string, error) {
	file, err := os.Create(path)
	if err != nil && isFileError(err) {
		backup := generateBackupPath(path)
		srg.logger.WithFields(logger.Fields{
			"original_file": path,
			"backup_file":   backup,
		}).WithError(err).Warn("Attempting output fallback")
		var berr error
		if file, berr = os.Create(backup); berr == nil {
			path = backup
			err = nil
		}
	}
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "cannot create report file "+path).
			WithSuggestion("check the output directory exists and is writable")
	}
	defer file.Close()

	if err := srg.Render(report, render, file); err != nil {
		return path, err
	}
	return path, nil
}

func (srg *SafeReportGenerator) wrapGenerationError(report string, err error) error {
	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return reconcilerErr
	}
	return errors.InternalError("render "+report, err).
		WithSuggestion("check the output destination and report format settings")
}

func isFileError(err error) bool {
	if os.IsPermission(err) || os.IsNotExist(err) || os.IsExist(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no space left") || strings.Contains(msg, "disk full")
}

func generateBackupPath(originalPath string) string {
	base := filepath.Base(originalPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s_backup%s", name, ext))
}

func getWriterDescription(writer io.Writer) string {
	switch w := writer.(type) {
	case *os.File:
		if w.Name() != "" {
			return fmt.Sprintf("file:%s", w.Name())
		}
		return "file:unnamed"
	default:
		return fmt.Sprintf("writer:%T", writer)
	}
}
