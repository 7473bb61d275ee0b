package archive

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported container format")
	ErrCorrupt           = errors.New("corrupt container")
	ErrNotFound          = errors.New("entry not found")
	ErrNotDir            = errors.New("not a directory")
	ErrIsDir             = errors.New("entry is a directory")
	ErrHandleInvalidated = errors.New("container handle invalidated")
)

type OpenErrorKind int

const (
	UnsupportedFormat OpenErrorKind = iota + 1
	Corrupt
	IoError
)

func (k OpenErrorKind) String() string {
	switch k {
	case UnsupportedFormat:
		return "unsupported format"
	case Corrupt:
		return "corrupt"
	case IoError:
		return "io error"
	default:
		return fmt.Sprintf("OpenErrorKind(%d)", int(k))
	}
}

// OpenError is returned by Accessor.Open.
type OpenError struct {
	Kind OpenErrorKind
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool {
	switch target {
	case ErrUnsupportedFormat:
		return e.Kind == UnsupportedFormat
	case ErrCorrupt:
		return e.Kind == Corrupt
	}
	return false
}

// corrupt marks a codec parse failure.
func corrupt(err error) error {
	if err == nil || errors.Is(err, ErrCorrupt) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, err)
}

func classifyOpenError(path string, err error) *OpenError {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe
	}
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		return &OpenError{Kind: UnsupportedFormat, Path: path, Err: err}
	case errors.Is(err, ErrCorrupt):
		return &OpenError{Kind: Corrupt, Path: path, Err: err}
	default:
		return &OpenError{Kind: IoError, Path: path, Err: err}
	}
}
