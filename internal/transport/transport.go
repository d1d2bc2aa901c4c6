// Package transport defines the frame-oriented link between the host and a
// device. Implementations live in the ble, serial and simulator packages.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport errors
var (
	ErrTimeout      = errors.New("transport timeout")
	ErrDisconnected = errors.New("transport disconnected")
	ErrFrameSize    = errors.New("frame exceeds MTU")
)

// Port moves whole frames to and from a device. One Send carries exactly one
// frame and one Receive returns exactly one frame. A Port is used by a single
// goroutine at a time.
type Port interface {
	// Send transmits one frame. Frames larger than MTU are rejected.
	Send(ctx context.Context, frame []byte) error

	// Receive waits for the next frame. It returns ErrTimeout when the context
	// deadline passes and ErrDisconnected when the link is gone.
	Receive(ctx context.Context) ([]byte, error)

	// MTU returns the largest frame the link carries.
	MTU() int

	// Close releases the link. It is safe to call more than once.
	Close() error
}

// CheckFrame rejects frames that do not fit the port.
func CheckFrame(p Port, frame []byte) error {
	if mtu := p.MTU(); mtu > 0 && len(frame) > mtu {
		return fmt.Errorf("%d > %d bytes: %w", len(frame), mtu, ErrFrameSize)
	}
	return nil
}

// ContextError maps a finished context to a transport error. Deadlines become
// ErrTimeout, explicit cancellation is passed through unchanged.
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// IsTransient reports whether err is a link failure that a retry may fix.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrDisconnected)
}
