package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Every structured error below matches exactly one of these
// with errors.Is.
var (
	ErrNotFound         = errors.New("fragment not found")
	ErrParse            = errors.New("fragment could not be parsed")
	ErrStorage          = errors.New("fragment storage failure")
	ErrValidationFailed = errors.New("fragment failed validation")
	ErrCycleDetected    = errors.New("inheritance cycle detected")
	ErrDepthExceeded    = errors.New("inheritance chain too deep")
	ErrTimeout          = errors.New("external check timed out")
)

// Kind classifies an error for rendering.
type Kind int

// Error kinds. Codes are stable and used by front-ends.
const (
	KindUnknown Kind = iota
	KindNotFound
	KindParse
	KindStorage
	KindValidationFailed
	KindCycleDetected
	KindDepthExceeded
	KindTimeout
)

// Code returns the stable identifier of the kind.
func (k Kind) Code() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindParse:
		return "parse_error"
	case KindStorage:
		return "storage_error"
	case KindValidationFailed:
		return "validation_failed"
	case KindCycleDetected:
		return "cycle_detected"
	case KindDepthExceeded:
		return "depth_exceeded"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// NotFoundError reports a missing fragment.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("fragment %q not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ParseError reports a stored representation that could not be decoded.
type ParseError struct {
	ID   string
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("fragment %q: cannot parse %s: %v", e.ID, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// StorageError reports an I/O failure of the underlying medium.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding.
type Issue struct {
	// Path is the offending field, e.g. "identity.email" or "match[0]".
	Path string `json:"path"`

	// Message is human readable.
	Message string `json:"message"`

	// Suggestion is an optional replacement value.
	Suggestion string `json:"suggestion,omitempty"`

	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	if i.Suggestion != "" {
		return fmt.Sprintf("%s: %s (try %q)", i.Path, i.Message, i.Suggestion)
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationError carries the errors that blocked a save or resolve.
type ValidationError struct {
	ID     string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return fmt.Sprintf("fragment %q failed validation: %s", e.ID, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

// CycleError reports an extends chain that revisits a fragment. Chain ends
// with the repeated identifier.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("inheritance cycle: %s", strings.Join(e.Chain, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// DepthError reports an extends chain longer than the allowed maximum.
type DepthError struct {
	Chain []string
	Max   int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("inheritance chain of %d exceeds maximum depth %d: %s",
		len(e.Chain), e.Max, strings.Join(e.Chain, " -> "))
}

func (e *DepthError) Is(target error) bool { return target == ErrDepthExceeded }

// TimeoutError reports an external check that did not finish in time.
type TimeoutError struct {
	Check string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %v", e.Check, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrValidationFailed):
		return KindValidationFailed
	case errors.Is(err, ErrCycleDetected):
		return KindCycleDetected
	case errors.Is(err, ErrDepthExceeded):
		return KindDepthExceeded
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// Describe renders err with a stable message template per kind and an
// actionable suggestion.
func Describe(err error) (kind Kind, message, suggestion string) {
	kind = KindOf(err)
	switch kind {
	case KindNotFound:
		var nf *NotFoundError
		if errors.As(err, &nf) {
			message = fmt.Sprintf("Profile %q does not exist.", nf.ID)
		} else {
			message = "Profile does not exist."
		}
		suggestion = "Run 'gitprofile list' to see available profiles, or fix the 'extends' reference."
	case KindParse:
		var pe *ParseError
		if errors.As(err, &pe) {
			message = fmt.Sprintf("Profile %q could not be read from %s.", pe.ID, pe.Path)
		} else {
			message = "Profile file could not be read."
		}
		suggestion = "Fix the syntax of the file or restore it from the trash directory."
	case KindStorage:
		message = "The profile directory could not be accessed."
		suggestion = "Check that the directory exists and is writable."
	case KindValidationFailed:
		var ve *ValidationError
		if errors.As(err, &ve) {
			message = fmt.Sprintf("Profile %q is invalid (%d problem(s)).", ve.ID, len(ve.Issues))
		} else {
			message = "Profile is invalid."
		}
		suggestion = "Run 'gitprofile validate' for details."
	case KindCycleDetected:
		var ce *CycleError
		if errors.As(err, &ce) {
			message = fmt.Sprintf("Profiles extend each other in a loop: %s.", strings.Join(ce.Chain, " -> "))
		} else {
			message = "Profiles extend each other in a loop."
		}
		suggestion = "Remove one of the 'extends' references to break the loop."
	case KindDepthExceeded:
		var de *DepthError
		if errors.As(err, &de) {
			message = fmt.Sprintf("Profile inheritance is %d levels deep (maximum %d).", len(de.Chain), de.Max)
		} else {
			message = "Profile inheritance is too deep."
		}
		suggestion = "Flatten the chain by merging intermediate profiles."
	case KindTimeout:
		message = "An external check took too long."
		suggestion = "Check that referenced files are on a responsive filesystem."
	default:
		if err != nil {
			message = err.Error()
		}
	}
	return kind, message, suggestion
}
