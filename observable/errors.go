package observable

import (
	"errors"
	"fmt"
)

var (
	ErrReadOnly      = errors.New("read-only view")
	ErrFrozenSlot    = errors.New("frozen slot")
	ErrInvalidKey    = errors.New("invalid key")
	ErrForeignTarget = errors.New("target is owned by another runtime")
	ErrNotSequence   = errors.New("not a sequence")
)

// ReadOnlyError is the panic value raised when a read view is asked to
// mutate. Op is "set", "delete" or the name of a sequence method.
type ReadOnlyError struct {
	Op  string
	Key any
}

func (e *ReadOnlyError) Error() string {
	if e.Key == nil {
		return fmt.Sprintf("observable: cannot call %s on a read-only view", e.Op)
	}
	return fmt.Sprintf("observable: cannot %s %s on a read-only view", e.Op, formatKey(e.Key))
}

func (e *ReadOnlyError) Unwrap() error { return ErrReadOnly }

// FrozenSlotError is the panic value raised when a write view touches a
// non-configurable, non-writable record slot.
type FrozenSlotError struct {
	Key string
}

func (e *FrozenSlotError) Error() string {
	return fmt.Sprintf("observable: cannot assign to frozen slot %q", e.Key)
}

func (e *FrozenSlotError) Unwrap() error { return ErrFrozenSlot }

func formatKey(key any) string {
	switch k := key.(type) {
	case string:
		return fmt.Sprintf("%q", k)
	case int:
		return fmt.Sprintf("[%d]", k)
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprintf("%v", k)
	}
}
