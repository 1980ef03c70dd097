package xerr

import "fmt"

// Kind classifies an error by how the caller and the reconciler must react
// to it. Kinds (1)-(2) are caller-facing only; kinds (3), (5) and (6) latch
// the adapter that raised them, while (4) AdapterReject does not.
type Kind uint8

const (
	OK Kind = iota
	InputValidation
	StateConflict
	AdapterTransient
	AdapterReject
	StorageFatal
	ProgrammerError
)

func (k Kind) String() string {
	switch k {
	case InputValidation:
		return "input_validation"
	case StateConflict:
		return "state_conflict"
	case AdapterTransient:
		return "adapter_transient"
	case AdapterReject:
		return "adapter_reject"
	case StorageFatal:
		return "storage_fatal"
	case ProgrammerError:
		return "programmer_error"
	default:
		return "ok"
	}
}

// Latches reports whether an error of this kind must set an adapter's fatal
// latch: AdapterTransient, StorageFatal and ProgrammerError do;
// InputValidation, StateConflict and AdapterReject do not.
func (k Kind) Latches() bool {
	switch k {
	case AdapterTransient, StorageFatal, ProgrammerError:
		return true
	default:
		return false
	}
}

type CodeError struct {
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Msg)
}

func New(kind Kind, msg string) error {
	return &CodeError{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &CodeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// As extracts a *CodeError from err, if any.
func As(err error) (*CodeError, bool) {
	ce, ok := err.(*CodeError)
	return ce, ok
}

// KindOf returns the Kind carried by err, defaulting to StorageFatal for any
// error that did not originate from this package (an adapter or the store
// raised something we did not anticipate — treat it as fatal, not silent).
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return StorageFatal
}
