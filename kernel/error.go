package kernel

// ErrorKind classifies a kernel error by how callers are expected to react to
// it.
type ErrorKind uint8

const (
	// KindGeneric is used by errors that do not fall in any other category.
	KindGeneric ErrorKind = iota

	// KindConfig flags a rejected configuration (bad alignment, bad size).
	// The operation that returned it did not mutate any state.
	KindConfig

	// KindNotMapped is returned when a page table walk reaches an entry
	// that is not present.
	KindNotMapped

	// KindExhausted is returned by allocators that have run out of
	// frames or blocks.
	KindExhausted

	// KindFatal marks an unrecoverable condition. Errors of this kind are
	// routed to kfmt.Panic which halts the CPU.
	KindFatal
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindNotMapped:
		return "not-mapped"
	case KindExhausted:
		return "exhausted"
	case KindFatal:
		return "fatal"
	default:
		return "generic"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind

	// Cause optionally points to the error that triggered this one.
	Cause *Error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap allows errors.Is and errors.As to reach the cause of a wrapped error.
func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// IsFatal returns true if err is of kind KindFatal.
func (e *Error) IsFatal() bool {
	return e != nil && e.Kind == KindFatal
}

// Fatal wraps cause into a KindFatal error reported by module. If cause is
// already fatal it is returned as-is.
func Fatal(module string, cause *Error) *Error {
	if cause.IsFatal() {
		return cause
	}

	msg := "unrecoverable error"
	if cause != nil {
		msg = cause.Message
	}

	return &Error{Module: module, Message: msg, Kind: KindFatal, Cause: cause}
}
