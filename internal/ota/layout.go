package ota

import (
	"fmt"

	"github.com/bigbag/autoota-flasher/internal/protocol"
)

// Layout places the two firmware banks in device flash.
type Layout struct {
	A protocol.Region
	B protocol.Region
}

// Region returns the flash region of bank b.
func (l Layout) Region(b protocol.Bank) protocol.Region {
	switch b {
	case protocol.BankA:
		return l.A
	case protocol.BankB:
		return l.B
	default:
		return protocol.Region{}
	}
}

// Validate checks that both banks fit the device, start and end on erase
// boundaries and do not overlap.
func (l Layout) Validate(info *protocol.DeviceInfo) error {
	for _, b := range []protocol.Bank{protocol.BankA, protocol.BankB} {
		r := l.Region(b)
		if err := r.Validate(info.FlashSize); err != nil {
			return fmt.Errorf("bank %s: %w: %w", b, ErrInvalidLayout, err)
		}

		g := info.EraseGranularity
		if r.Address%g != 0 || r.Length%g != 0 {
			return fmt.Errorf("bank %s %s not aligned to 0x%X: %w", b, r, g, ErrInvalidLayout)
		}
	}

	if l.A.Overlaps(l.B) {
		return fmt.Errorf("banks %s and %s overlap: %w", l.A, l.B, ErrInvalidLayout)
	}

	return nil
}

// Images holds one firmware image per bank. Images are linked for the
// address they run from, so the bank being written picks the image.
type Images struct {
	A []byte
	B []byte
}

// For returns the image for bank b.
func (i Images) For(b protocol.Bank) []byte {
	switch b {
	case protocol.BankA:
		return i.A
	case protocol.BankB:
		return i.B
	default:
		return nil
	}
}
