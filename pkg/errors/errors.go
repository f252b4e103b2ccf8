package errors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryInput         ErrorCategory = "input"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryMatching      ErrorCategory = "matching"
	CategoryReview        ErrorCategory = "review"
	CategoryStorage       ErrorCategory = "storage"
	CategoryNotification  ErrorCategory = "notification"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Input errors
	CodeInvalidAmount   ErrorCode = "invalid_amount"
	CodeInvalidDate     ErrorCode = "invalid_date"
	CodeMissingField    ErrorCode = "missing_field"
	CodeInvalidValue    ErrorCode = "invalid_value"
	CodeUnbalancedEntry ErrorCode = "unbalanced_entry"
	CodeFileNotFound    ErrorCode = "file_not_found"
	CodeInvalidFormat   ErrorCode = "invalid_format"

	// Configuration errors
	CodeInvalidConfig  ErrorCode = "invalid_config"
	CodeInvalidWeights ErrorCode = "invalid_weights"
	CodeMissingConfig  ErrorCode = "missing_config"

	// Matching errors
	CodeCandidateFailed ErrorCode = "candidate_generation_failed"
	CodeClaimConflict   ErrorCode = "claim_conflict"
	CodeRunCancelled    ErrorCode = "run_cancelled"

	// Review errors
	CodeNotFound          ErrorCode = "not_found"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeBatchBlocked      ErrorCode = "batch_blocked"
	CodeBatchInvalid      ErrorCode = "batch_invalid"

	// Storage errors
	CodeQueryFailed     ErrorCode = "query_failed"
	CodeMigrationFailed ErrorCode = "migration_failed"
	CodeConflict        ErrorCode = "conflict"

	// Notification errors
	CodePublishFailed ErrorCode = "publish_failed"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// ReconcilerError is the base error type for all application errors
type ReconcilerError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *ReconcilerError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *ReconcilerError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *ReconcilerError) GetExitCode() int {
	switch e.Category {
	case CategoryInput:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryMatching, CategoryInternal:
		return 5
	case CategoryReview:
		return 6
	case CategoryStorage, CategoryNotification:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *ReconcilerError) WithContext(key string, value interface{}) *ReconcilerError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *ReconcilerError) WithSuggestion(suggestion string) *ReconcilerError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ReconcilerError
func New(category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ReconcilerError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	return &ReconcilerError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func build(category ErrorCategory, code ErrorCode, message string, err error) *ReconcilerError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// InputError reports a malformed transaction or journal entry. The offending item
// is skipped and the batch continues.
func InputError(code ErrorCode, itemID string, field string, value interface{}, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount for %s in field '%s': %v", itemID, field, value)
		suggestion = "amounts must be non-zero decimal numbers (e.g. '-12.34')"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date for %s in field '%s': %v", itemID, field, value)
		suggestion = "use YYYY-MM-DD or an RFC3339 timestamp"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing for %s", field, itemID)
		suggestion = "provide a value for this required field"
	case CodeUnbalancedEntry:
		message = fmt.Sprintf("journal entry %s is unbalanced: %v", itemID, value)
		suggestion = "debits and credits of an entry must sum to the same amount"
	case CodeFileNotFound:
		message = fmt.Sprintf("input file not found: %v", value)
		suggestion = "check if the file path is correct and the file exists"
	case CodeInvalidFormat:
		message = fmt.Sprintf("invalid input format in %v", value)
		suggestion = "check the column headers and the delimiter"
	default:
		message = fmt.Sprintf("invalid value for %s in field '%s': %v", itemID, field, value)
		suggestion = "check the field value and format"
	}

	return build(CategoryInput, code, message, err).
		WithSuggestion(suggestion).
		WithContext("item_id", itemID).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigError reports configuration that makes a run impossible. Runs fail at startup.
func ConfigError(code ErrorCode, setting string, value interface{}, err error) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeInvalidWeights:
		message = fmt.Sprintf("scoring weights must sum to 1.0, got %v", value)
		suggestion = "adjust matching.weights so amount+date+description+business+history = 1.0"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	}

	return build(CategoryConfiguration, code, message, err).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// MatchingError reports a failure while matching a single transaction or the run itself.
func MatchingError(code ErrorCode, txnID string, err error) *ReconcilerError {
	var message string

	switch code {
	case CodeCandidateFailed:
		message = fmt.Sprintf("candidate generation failed for transaction %s", txnID)
	case CodeClaimConflict:
		message = fmt.Sprintf("journal entries for transaction %s are already claimed", txnID)
	case CodeRunCancelled:
		message = fmt.Sprintf("matching run cancelled before transaction %s", txnID)
	default:
		message = fmt.Sprintf("matching failed for transaction %s", txnID)
	}

	return build(CategoryMatching, code, message, err).
		WithSuggestion("the transaction stays unmatched and is retried on the next run").
		WithContext("transaction_id", txnID)
}

// ReviewError reports an illegal review-queue action.
func ReviewError(code ErrorCode, subject string, detail string) *ReconcilerError {
	var message, suggestion string

	switch code {
	case CodeNotFound:
		message = fmt.Sprintf("%s not found", subject)
		suggestion = "list pending matches or open checks to find valid ids"
	case CodeInvalidTransition:
		message = fmt.Sprintf("cannot change %s: %s", subject, detail)
		suggestion = "only pending_review matches can be accepted or rejected"
	case CodeBatchBlocked:
		message = fmt.Sprintf("batch %s blocked: %s", subject, detail)
		suggestion = "resolve the blocking consistency checks and retry the batch"
	case CodeBatchInvalid:
		message = fmt.Sprintf("batch %s refused: %s", subject, detail)
		suggestion = "remove the invalid items and retry the batch"
	default:
		message = fmt.Sprintf("review action on %s failed: %s", subject, detail)
	}

	return New(CategoryReview, code, message).
		WithSuggestion(suggestion).
		WithContext("subject", subject)
}

// StorageError wraps a persistence failure.
func StorageError(code ErrorCode, operation string, err error) *ReconcilerError {
	message := fmt.Sprintf("storage %s failed", operation)
	if code == CodeMigrationFailed {
		message = fmt.Sprintf("storage migration %s failed", operation)
	}
	if code == CodeConflict {
		message = fmt.Sprintf("storage conflict during %s", operation)
	}

	return build(CategoryStorage, code, message, err).
		WithSuggestion("check the database path or DSN and that the schema is reachable").
		WithContext("operation", operation)
}

// NotificationError wraps a failed ledger signal.
func NotificationError(matchID string, err error) *ReconcilerError {
	return build(CategoryNotification, CodePublishFailed,
		fmt.Sprintf("failed to signal ledger for match %s", matchID), err).
		WithSuggestion("the match is stored; replay the signal once the broker is reachable").
		WithContext("match_id", matchID)
}

// InternalError creates an internal error
func InternalError(operation string, err error) *ReconcilerError {
	return build(CategoryInternal, CodeUnexpectedError,
		fmt.Sprintf("unexpected error during %s", operation), err).
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*ReconcilerError    `json:"errors"`
	SampleErrors []*ReconcilerError    `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*ReconcilerError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if summary.Errors == nil {
		summary.Errors = []*ReconcilerError{}
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}
	sort.Strings(categories)

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// AsReconcilerError extracts a ReconcilerError from an error chain
func AsReconcilerError(err error) (*ReconcilerError, bool) {
	var reconcilerErr *ReconcilerError
	if errors.As(err, &reconcilerErr) {
		return reconcilerErr, true
	}
	return nil, false
}

// IsCategory reports whether err carries a ReconcilerError of the given category.
func IsCategory(err error, category ErrorCategory) bool {
	rerr, ok := AsReconcilerError(err)
	return ok && rerr.Category == category
}

// HasErrorCode reports whether err carries a ReconcilerError with the given code.
func HasErrorCode(err error, code ErrorCode) bool {
	rerr, ok := AsReconcilerError(err)
	return ok && rerr.Code == code
}

// WrapIfNeeded wraps an error if it's not already a ReconcilerError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *ReconcilerError {
	if err == nil {
		return nil
	}

	if reconcilerErr, ok := AsReconcilerError(err); ok {
		return reconcilerErr
	}

	return Wrap(err, category, code, message)
}
