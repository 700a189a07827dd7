package task

import (
	"errors"
	"fmt"
	"syscall"
)

// FatalError is a condition that must abort the whole task population.
type FatalError struct {
	Op  string
	Err error
}

// Fatal wraps err as a FatalError for op. An error that is already fatal
// is returned unchanged.
func Fatal(op string, err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

func (e *FatalError) Error() string {
	if errno, ok := e.Errno(); ok {
		return fmt.Sprintf("%s: %v (errno %d: %s)", e.Op, e.Err, int(errno), errno.Error())
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Errno returns the operating-system error code behind the failure, if any.
func (e *FatalError) Errno() (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno, true
	}
	return 0, false
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
