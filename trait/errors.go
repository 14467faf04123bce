package trait

import (
	"errors"
	"fmt"
)

// ErrKind enumerates the fixed error taxonomy the trait boundary (and the
// layers above it) must distinguish and propagate unchanged, per spec
// section 7.
type ErrKind int

const (
	PropertyNotFound ErrKind = iota
	PropertyReadOnly
	PropertyWriteOnly
	InvalidPropertyValue
	BadStateForPropertyValue
	PropertyOperationUnsupported
	MethodNotFound
	InvalidMethodArguments
	UnknownResource
	UnassociatedResource
	TechnologyError
)

func (k ErrKind) String() string {
	switch k {
	case PropertyNotFound:
		return "PropertyNotFound"
	case PropertyReadOnly:
		return "PropertyReadOnly"
	case PropertyWriteOnly:
		return "PropertyWriteOnly"
	case InvalidPropertyValue:
		return "InvalidPropertyValue"
	case BadStateForPropertyValue:
		return "BadStateForPropertyValue"
	case PropertyOperationUnsupported:
		return "PropertyOperationUnsupported"
	case MethodNotFound:
		return "MethodNotFound"
	case InvalidMethodArguments:
		return "InvalidMethodArguments"
	case UnknownResource:
		return "UnknownResource"
	case UnassociatedResource:
		return "UnassociatedResource"
	case TechnologyError:
		return "TechnologyError"
	default:
		return fmt.Sprintf("ErrKind(%d)", int(k))
	}
}

// Error is the concrete error type every trait-boundary failure is wrapped
// in: a fixed Kind, the operation it happened during (for logging), and an
// optional underlying cause.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

// NewError constructs an *Error. cause may be nil.
func NewError(kind ErrKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a *Error of the given kind, unwrapping through
// any github.com/pkg/errors-style wrapping along the way.
func Is(err error, kind ErrKind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
