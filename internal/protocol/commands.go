package protocol

// OTA command opcodes
const (
	CmdRead         = 0x00
	CmdProgram      = 0x01
	CmdErase        = 0x02
	CmdVerify       = 0x03
	CmdReboot       = 0x04
	CmdCommit       = 0x05
	CmdStatus       = 0x06
	CmdInfo         = 0x10
	CmdOTAState     = 0x11
	CmdChallenge    = 0x20
	CmdAuthenticate = 0x21
)

// Frame version byte
const Version = 0x01

// IsAuthenticated reports whether frames for the opcode must carry a proof.
func IsAuthenticated(cmd byte) bool {
	switch cmd {
	case CmdRead, CmdProgram, CmdErase, CmdVerify, CmdReboot, CmdCommit:
		return true
	default:
		return false
	}
}

// CommandName returns human-readable name for an opcode
func CommandName(cmd byte) string {
	switch cmd {
	case CmdRead:
		return "read"
	case CmdProgram:
		return "program"
	case CmdErase:
		return "erase"
	case CmdVerify:
		return "verify"
	case CmdReboot:
		return "reboot"
	case CmdCommit:
		return "commit"
	case CmdStatus:
		return "status"
	case CmdInfo:
		return "info"
	case CmdOTAState:
		return "ota-state"
	case CmdChallenge:
		return "challenge"
	case CmdAuthenticate:
		return "authenticate"
	default:
		return "unknown"
	}
}

// Response status codes
const (
	StatusOK           = 0x00
	StatusBusy         = 0x01
	StatusBadFrame     = 0x02
	StatusInvalid      = 0x03
	StatusOutOfRange   = 0x04
	StatusAuthRequired = 0x05
	StatusAuthFailed   = 0x06
	StatusReplay       = 0x07
	StatusFlashError   = 0x08
	StatusUnsupported  = 0x09

	maxStatus = StatusUnsupported
)

// StatusMessage returns human-readable status message
func StatusMessage(code byte) string {
	switch code {
	case StatusOK:
		return "ok"
	case StatusBusy:
		return "busy"
	case StatusBadFrame:
		return "bad frame"
	case StatusInvalid:
		return "invalid parameters"
	case StatusOutOfRange:
		return "address out of range"
	case StatusAuthRequired:
		return "authentication required"
	case StatusAuthFailed:
		return "authentication failed"
	case StatusReplay:
		return "replayed counter"
	case StatusFlashError:
		return "flash error"
	case StatusUnsupported:
		return "unsupported command"
	default:
		return "unknown status"
	}
}

// ValidStatus reports whether code is a defined status.
func ValidStatus(code byte) bool {
	return code <= maxStatus
}
