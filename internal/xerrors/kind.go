// Package xerrors defines the closed taxonomy of failure kinds shared by
// every component, threaded through the store, the parser, the LLM client,
// and finally mapped to HTTP responses by the gateway.
package xerrors

import (
	"gitlab.com/tozd/go/errors"
)

// Kind is one of a closed set of failure categories. It never changes
// meaning as an error is wrapped by intermediate layers.
type Kind string

// The fourteen kinds of spec.md §7.
const (
	Validation     Kind = "VALIDATION"
	NotFound       Kind = "NOT_FOUND"
	Conflict       Kind = "CONFLICT"
	RateLimited    Kind = "RATE_LIMITED"
	DumpIo         Kind = "DUMP_IO"
	Malformed      Kind = "MALFORMED"
	StorageIo      Kind = "STORAGE_IO"
	DataCorruption Kind = "DATA_CORRUPTION"
	VectorDim      Kind = "VECTOR_DIM"
	Unreachable    Kind = "UNREACHABLE"
	Timeout        Kind = "TIMEOUT"
	RemoteError    Kind = "REMOTE_ERROR"
	Cancelled      Kind = "CANCELLED"
	Internal       Kind = "INTERNAL"
)

const detailsKey = "kind"

// With annotates err with kind, preserving err's stack and cause chain.
// If err is nil, With returns nil.
func With(kind Kind, err errors.E) errors.E {
	if err == nil {
		return nil
	}
	errors.Details(err)[detailsKey] = kind
	return err
}

// New creates a new error of the given kind with a message.
func New(kind Kind, message string) errors.E {
	err := errors.New(message)
	return With(kind, err)
}

// Newf creates a new error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) errors.E {
	err := errors.Errorf(format, args...)
	return With(kind, err)
}

// Wrap wraps an existing error, tagging it with kind and capturing a stack
// if the error does not already carry one.
func Wrap(kind Kind, err error, message string) errors.E {
	if err == nil {
		return nil
	}
	wrapped := errors.WithMessage(err, message)
	return With(kind, wrapped)
}

// KindOf extracts the Kind previously attached with With, defaulting to
// Internal when the error was never classified.
func KindOf(err errors.E) Kind {
	if err == nil {
		return ""
	}
	details := errors.Details(err)
	if k, ok := details[detailsKey].(Kind); ok {
		return k
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err errors.E, kind Kind) bool {
	return KindOf(err) == kind
}

// WithDetail attaches an arbitrary key/value pair to err's Details map,
// alongside (and independent of) its Kind. If err is nil, WithDetail
// returns nil.
func WithDetail(err errors.E, key string, value interface{}) errors.E {
	if err == nil {
		return nil
	}
	errors.Details(err)[key] = value
	return err
}
