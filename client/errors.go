package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every *TimeoutError through errors.Is.
var ErrTimeout = errors.New("rpc: timeout")

// TimeoutError reports that no reply arrived within the call's window. The call has
// been forgotten; a reply arriving later is dropped.
type TimeoutError struct {
	Queue         string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: no reply from %s within %s", e.Queue, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RemoteError is a failure reported by the remote handler. Only its message text
// crosses the wire; Error returns it verbatim.
type RemoteError struct {
	Queue   string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// TransportError wraps a failure of the queue transport itself.
type TransportError struct {
	Op    string
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: %s %s: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
