// Package errs defines the typed failure taxonomy shared across pipeline
// components. Error category and severity are orthogonal to the error code;
// every error carries a recovery hint consumers may act on.
package errs

import (
	"errors"
	"fmt"
)

// Category groups errors by the pipeline concern that produced them.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryParsing        Category = "parsing"
	CategoryClassification Category = "classification"
	CategoryGeneration     Category = "generation"
	CategoryAssembly       Category = "assembly"
	CategoryRendering      Category = "rendering"
	CategoryVersioning     Category = "versioning"
	CategoryRegeneration   Category = "regeneration"
	CategoryInfrastructure Category = "infrastructure"
	CategoryConfiguration  Category = "configuration"
	CategoryUnknown        Category = "unknown"
)

// Severity expresses operational impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryHint tells callers what to do about the failure.
type RecoveryHint string

const (
	HintRetry          RecoveryHint = "retry"
	HintSkip           RecoveryHint = "skip"
	HintManual         RecoveryHint = "manual"
	HintRollback       RecoveryHint = "rollback"
	HintRestart        RecoveryHint = "restart"
	HintContactSupport RecoveryHint = "contact_support"
	HintNone           RecoveryHint = "none"
)

// Well-known error codes. These are stable identifiers consumed by the HTTP
// edge and by tests; do not rename.
const (
	CodeNotFound              = "not_found"
	CodeImmutabilityViolation = "immutability_violation"
	CodeInvalidTransition     = "invalid_transition"
	CodeMissingInput          = "missing_input"
	CodeBatchNotValidated     = "batch_not_validated"
	CodeDuplicateOutputBatch  = "duplicate_output_batch"
	CodeMissingContent        = "missing_validated_content"
	CodeStaticSection         = "static_section_error"
	CodeRetryExhausted        = "retry_exhausted"
	CodeGenerationFailure     = "generation_failure"
	CodeStructuralViolation   = "structural_violation"
	CodeQualityFailure        = "quality_failure"
	CodeBoundsViolation       = "bounds_violation"
	CodeUnexpected            = "unexpected_error"
	CodePersistenceFailed     = "persistence_failed"
	CodeAlreadyRendered       = "already_rendered"
	CodeTemplateMismatch      = "template_version_mismatch"

	// Word codec error codes.
	CodeEmptyFile     = "empty_file"
	CodeInvalidFormat = "invalid_format"
	CodeCorruptedFile = "corrupted_file"
	CodeFileTooLarge  = "file_too_large"
	CodeNoContent     = "missing_content"
)

// Error is the shared structured error type.
type Error struct {
	Code     string
	Category Category
	Severity Severity
	Hint     RecoveryHint
	Message  string
	Meta     map[string]any
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with medium severity and no recovery hint; callers
// refine via the With* helpers.
func New(code string, category Category, message string) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Severity: SeverityMedium,
		Hint:     HintNone,
		Message:  message,
	}
}

// Newf is New with a formatted message.
func Newf(code string, category Category, format string, args ...any) *Error {
	return New(code, category, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new Error.
func Wrap(err error, code string, category Category, message string) *Error {
	e := New(code, category, message)
	e.cause = err
	return e
}

func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

func (e *Error) WithHint(h RecoveryHint) *Error {
	e.Hint = h
	return e
}

func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
	return e
}

// CodeOf returns the structured code of err, or "unknown" for plain errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "unknown"
}

// CategoryOf returns the category of err, or CategoryUnknown.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

// HasCode reports whether err carries the given structured code.
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err is a missing-row lookup.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsImmutabilityViolation reports whether err is an attempted write to an
// immutable row. These are always fatal; never retry them.
func IsImmutabilityViolation(err error) bool { return HasCode(err, CodeImmutabilityViolation) }

// NotFound builds the canonical lookup-miss error.
func NotFound(entity, key string) *Error {
	return Newf(CodeNotFound, CategoryInfrastructure, "%s %s not found", entity, key).
		WithSeverity(SeverityLow)
}

// ImmutabilityViolation builds the canonical invariant-breach error.
func ImmutabilityViolation(entity, id string) *Error {
	return Newf(CodeImmutabilityViolation, CategoryInfrastructure, "%s %s is immutable", entity, id).
		WithSeverity(SeverityCritical).
		WithHint(HintManual)
}

// InvalidTransition builds the canonical bad-state-machine error.
func InvalidTransition(entity, from, to string) *Error {
	return Newf(CodeInvalidTransition, CategoryInfrastructure, "%s cannot transition %s -> %s", entity, from, to).
		WithSeverity(SeverityHigh)
}
