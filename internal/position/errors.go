package position

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes validation rejections.
type ErrorCode string

const (
	// ErrCodeNotFound indicates the referenced item is not in the collection.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeAnchorImmutable indicates an attempt to move, delete or insert an anchor.
	ErrCodeAnchorImmutable ErrorCode = "ANCHOR_IMMUTABLE"

	// ErrCodeLastMovable indicates deleting the only remaining movable item.
	ErrCodeLastMovable ErrorCode = "LAST_MOVABLE"

	// ErrCodeInvalidEntity indicates an entity without a name.
	ErrCodeInvalidEntity ErrorCode = "INVALID_ENTITY"

	// ErrCodeInvalidIndex indicates a move target outside the movable range.
	ErrCodeInvalidIndex ErrorCode = "INVALID_INDEX"

	// ErrCodeConflict indicates duplicate IDs or colliding anchor positions.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeCollectionFull indicates the movable range would reach a trailing anchor.
	ErrCodeCollectionFull ErrorCode = "COLLECTION_FULL"
)

// ValidationError is a structural operation rejected before any I/O.
// Validation errors are never retried.
type ValidationError struct {
	Code    ErrorCode
	Message string
	Reasons []string
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(e.Reasons, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newValidationError(code ErrorCode, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAnchorError reports whether err rejects an operation on an anchor.
func IsAnchorError(err error) bool {
	return hasCode(err, ErrCodeAnchorImmutable)
}

// IsLastMovableError reports whether err rejects deleting the last movable item.
func IsLastMovableError(err error) bool {
	return hasCode(err, ErrCodeLastMovable)
}

// IsNotFound reports whether err refers to an unknown item.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

func hasCode(err error, code ErrorCode) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
