package redis

import (
	"errors"
	"fmt"
)

var (
	ErrConnect     = errors.New("redis connect error")
	ErrDo          = errors.New("redis do error")
	ErrUnavailable = errors.New("redis unavailable")
	ErrBadOptions  = errors.New("conflicting set options")
)

func ConnectError(err error, name string) error {
	return fmt.Errorf("%s %s: %w", ErrConnect, name, err)
}

func DoError(err error, name string) error {
	return fmt.Errorf("%s %s: %w", ErrDo, name, err)
}

// UnavailableError marks an operation that exhausted its retries. Callers use
// errors.Is(err, ErrUnavailable) to distinguish an unreachable cache from any
// ordinary command failure; the two must never be conflated with key absence.
func UnavailableError(err error, name string) error {
	return fmt.Errorf("%s %s: %w: %s", ErrDo, name, ErrUnavailable, err)
}

// IsUnavailable reports whether err indicates the cache could not be reached
// at all, as opposed to reaching it and being told no.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
