package scheduler

import (
	"errors"
	"fmt"

	"github.com/carlosandia/crm-renove-sub007/internal/section"
)

// ErrClosed is returned by operations on a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// SaveError reports a section whose save exhausted its attempts.
type SaveError struct {
	Section  section.Name
	Attempts int
	Err      error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s failed after %d attempts: %v", e.Section, e.Attempts, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// IsSaveError reports whether err is a SaveError.
func IsSaveError(err error) bool {
	var se *SaveError
	return errors.As(err, &se)
}
