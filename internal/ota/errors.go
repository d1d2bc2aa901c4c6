package ota

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bigbag/autoota-flasher/internal/protocol"
)

// Update errors
var (
	ErrInvalidLayout    = errors.New("invalid bank layout")
	ErrImageTooLarge    = errors.New("image does not fit the bank")
	ErrNoImage          = errors.New("no image for target bank")
	ErrUnknownBank      = errors.New("device reports no valid active bank")
	ErrCommitNotApplied = errors.New("device did not switch to the target bank")
	ErrCommitUncertain  = errors.New("commit state uncertain")
	ErrRunInProgress    = errors.New("update already running")
)

// RunError reports where an update stopped and what that means for the
// device.
type RunError struct {
	Phase  Phase
	Bank   protocol.Bank
	Region protocol.Region

	// BankUnaffected is true when the failure happened before commit, so the
	// previously active bank still boots.
	BankUnaffected bool

	// Uncertain is true when the failure happened at or after commit. The
	// device must be re-verified on the next connection.
	Uncertain bool

	Err error
}

func (e *RunError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s failed", e.Phase.Step())
	if e.Bank != protocol.BankUnknown {
		fmt.Fprintf(&sb, " (bank %s", e.Bank)
		if e.Region.Length > 0 {
			fmt.Fprintf(&sb, ", region %s", e.Region)
		}
		sb.WriteString(")")
	}
	fmt.Fprintf(&sb, ": %v", e.Err)

	switch {
	case e.Uncertain:
		sb.WriteString("; commit state uncertain, verify the device after reconnecting")
	case e.BankUnaffected:
		sb.WriteString("; active bank unaffected")
	}

	return sb.String()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is matches ErrCommitUncertain for failures at or after commit.
func (e *RunError) Is(target error) bool {
	return target == ErrCommitUncertain && e.Uncertain
}
