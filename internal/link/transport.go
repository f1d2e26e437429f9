package link

import (
	"context"
	"fmt"
)

// Transport is a byte pipe to one BMS. Notifications are delivered to the
// notify callback from the transport's own goroutine.
type Transport interface {
	Connect(ctx context.Context, notify func([]byte)) error
	Write(b []byte) error
	Close() error
	String() string
}

// TransportError is a link-level failure. It triggers a reconnect and is
// never passed on to aggregation.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
