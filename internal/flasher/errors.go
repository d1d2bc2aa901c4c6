package flasher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/bigbag/autoota-flasher/internal/auth"
	"github.com/bigbag/autoota-flasher/internal/protocol"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

// Engine errors
var (
	ErrShortRead          = errors.New("short read")
	ErrLengthMismatch     = errors.New("data length does not match region")
	ErrVerificationFailed = errors.New("verification failed")
	ErrChunkSize          = errors.New("MTU too small for any payload")
)

// Kind classifies errors by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindAuthentication
	KindValidation
	KindIntegrity
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var devErr *DeviceError
	isDevice := errors.As(err, &devErr)

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, auth.ErrAuthenticationFailed),
		errors.Is(err, auth.ErrNotAuthenticated),
		errors.Is(err, auth.ErrCounterExhausted),
		errors.Is(err, auth.ErrInvalidKey),
		errors.Is(err, auth.ErrClosed),
		isDevice && devErr.Status == protocol.StatusReplay:
		return KindAuthentication
	case errors.Is(err, ErrVerificationFailed):
		return KindIntegrity
	case errors.Is(err, protocol.ErrEmptyRegion),
		errors.Is(err, protocol.ErrOutOfRange),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, ErrLengthMismatch),
		errors.Is(err, ErrChunkSize),
		isDevice && (devErr.Status == protocol.StatusOutOfRange || devErr.Status == protocol.StatusInvalid):
		return KindValidation
	case IsTransient(err):
		return KindTransport
	case errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, ErrShortRead),
		isDevice:
		return KindProtocol
	default:
		return KindUnknown
	}
}

// IsTransient reports whether a retry of the same command may succeed.
func IsTransient(err error) bool {
	if transport.IsTransient(err) {
		return true
	}

	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Status == protocol.StatusBadFrame || devErr.Status == protocol.StatusBusy
	}

	return false
}

// DeviceError is a non-OK status reported by the device.
type DeviceError struct {
	Command byte
	Status  byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: device status=0x%02X (%s)",
		protocol.CommandName(e.Command), e.Status, protocol.StatusMessage(e.Status))
}

// Is maps authentication statuses to the auth package errors.
func (e *DeviceError) Is(target error) bool {
	switch e.Status {
	case protocol.StatusAuthFailed:
		return target == auth.ErrAuthenticationFailed
	case protocol.StatusAuthRequired:
		return target == auth.ErrNotAuthenticated
	default:
		return false
	}
}

// WriteError reports the first chunk that could not be written. Flash from
// Address to the end of the region is in an undefined state.
type WriteError struct {
	Address uint32
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed at 0x%08X: %v", e.Address, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// VerificationError is a digest mismatch between host and device.
type VerificationError struct {
	Region   protocol.Region
	Expected []byte
	Actual   []byte
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: expected %s, device reported %s",
		e.Region, hex.EncodeToString(e.Expected), hex.EncodeToString(e.Actual))
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationFailed
}
