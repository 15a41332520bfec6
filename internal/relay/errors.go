package relay

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage is wrapped by every validation failure of Send and
// History. Validation happens before anything touches the store.
var ErrInvalidMessage = errors.New("relay: invalid message")

// StoreError reports a failed message store call. When Send returns one, the
// message was not persisted and no delivery was attempted.
type StoreError struct {
	Op  string // "insert" or "query"
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("relay: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidMessage}, args...)...)
}
