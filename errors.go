package livemsg

import (
	"errors"

	"github.com/sour-is/livemsg/pkg/cursor"
	"github.com/sour-is/livemsg/pkg/driver"
	"github.com/sour-is/livemsg/pkg/record"
)

var (
	ErrNoDriver               = errors.New("no driver")
	ErrNoChangeStream         = errors.New("no change stream")
	ErrInvalidArgument        = record.ErrInvalidArgument
	ErrInvalidCursor          = cursor.ErrInvalidCursor
	ErrCursorOrderingMismatch = cursor.ErrCursorOrderingMismatch
	ErrInvalidIdentifier      = record.ErrInvalidIdentifier
	ErrNotFound               = driver.ErrNotFound
	ErrValidationFailed       = record.ErrValidationFailed
	ErrConcurrentModification = driver.ErrConcurrentModification
)

// Code names the class of err for transports. Unknown errors are INTERNAL.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCursorOrderingMismatch):
		return "CURSOR_ORDERING_MISMATCH"
	case errors.Is(err, ErrInvalidCursor):
		return "INVALID_CURSOR"
	case errors.Is(err, ErrInvalidIdentifier):
		return "INVALID_IDENTIFIER"
	case errors.Is(err, ErrValidationFailed):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConcurrentModification):
		return "CONCURRENT_MODIFICATION"
	default:
		return "INTERNAL"
	}
}
