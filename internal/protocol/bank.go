package protocol

import "fmt"

// Bank identifies one of the two firmware slots.
type Bank byte

// Available banks.
const (
	BankUnknown Bank = iota
	BankA
	BankB
)

// Bank flags as stored in the device OTA EEPROM.
const (
	FlagBankA = 0xA5A5A5A5
	FlagBankB = 0x5A5A5A5A
)

// BankFromFlag maps a stored flag to a bank.
func BankFromFlag(flag uint32) Bank {
	switch flag {
	case FlagBankA:
		return BankA
	case FlagBankB:
		return BankB
	default:
		return BankUnknown
	}
}

// Flag returns the stored flag for the bank.
func (b Bank) Flag() uint32 {
	switch b {
	case BankA:
		return FlagBankA
	case BankB:
		return FlagBankB
	default:
		return 0xFFFFFFFF
	}
}

// Other returns the opposite bank. The unknown bank has no opposite.
func (b Bank) Other() Bank {
	switch b {
	case BankA:
		return BankB
	case BankB:
		return BankA
	default:
		return BankUnknown
	}
}

func (b Bank) String() string {
	switch b {
	case BankA:
		return "A"
	case BankB:
		return "B"
	default:
		return "unknown"
	}
}

// FlashMode holds the OTA status flags.
type FlashMode byte

// Flash mode flags
const (
	ModePending  FlashMode = 1 << 0 // target bank written, not committed
	ModeUpdating FlashMode = 1 << 1 // target bank modified since boot
)

func (m FlashMode) String() string {
	switch {
	case m == 0:
		return "normal"
	case m&ModePending != 0:
		return "pending commit"
	case m&ModeUpdating != 0:
		return "updating"
	default:
		return fmt.Sprintf("0x%02X", byte(m))
	}
}

// BootReason is the cause of the last device boot.
type BootReason byte

// Boot reasons
const (
	BootUnknown BootReason = iota
	BootPowerOn
	BootResetPin
	BootWatchdog
	BootSoftware
	BootCommit
	BootBrownout
)

func (r BootReason) String() string {
	switch r {
	case BootPowerOn:
		return "power on"
	case BootResetPin:
		return "reset pin"
	case BootWatchdog:
		return "watchdog"
	case BootSoftware:
		return "software reset"
	case BootCommit:
		return "ota commit"
	case BootBrownout:
		return "brownout"
	default:
		return "unknown"
	}
}
