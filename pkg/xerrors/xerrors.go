package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies filecenter errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindInvalidToken
	KindPayloadTooLarge
	KindInconsistent
	KindUnavailable
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindInvalidToken:
		return "invalid token"
	case KindPayloadTooLarge:
		return "payload too large"
	case KindInconsistent:
		return "inconsistent stored data"
	case KindUnavailable:
		return "store unavailable"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist), errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// IsNotFound reports whether err carries the NotFound kind. Expired and
// already-consumed temporary records surface through it as well, so callers
// cannot tell those cases apart from an id that never existed.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
