package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestIsAuthenticated(t *testing.T) {
	tests := []struct {
		cmd      byte
		expected bool
	}{
		{CmdRead, true},
		{CmdProgram, true},
		{CmdErase, true},
		{CmdVerify, true},
		{CmdReboot, true},
		{CmdCommit, true},
		{CmdStatus, false},
		{CmdInfo, false},
		{CmdOTAState, false},
		{CmdChallenge, false},
		{CmdAuthenticate, false},
		{0xFF, false},
	}

	for _, tc := range tests {
		if result := IsAuthenticated(tc.cmd); result != tc.expected {
			t.Errorf("IsAuthenticated(0x%02X) = %v, want %v", tc.cmd, result, tc.expected)
		}
	}
}

func TestCommandName(t *testing.T) {
	tests := []struct {
		cmd      byte
		expected string
	}{
		{CmdRead, "read"},
		{CmdProgram, "program"},
		{CmdErase, "erase"},
		{CmdVerify, "verify"},
		{CmdReboot, "reboot"},
		{CmdCommit, "commit"},
		{CmdStatus, "status"},
		{CmdInfo, "info"},
		{CmdOTAState, "ota-state"},
		{CmdChallenge, "challenge"},
		{CmdAuthenticate, "authenticate"},
		{0x7F, "unknown"},
	}

	for _, tc := range tests {
		if result := CommandName(tc.cmd); result != tc.expected {
			t.Errorf("CommandName(0x%02X) = %q, want %q", tc.cmd, result, tc.expected)
		}
	}
}

func TestStatusMessage_AllCodes(t *testing.T) {
	tests := []struct {
		code     byte
		expected string
	}{
		{StatusOK, "ok"},
		{StatusBusy, "busy"},
		{StatusBadFrame, "bad frame"},
		{StatusInvalid, "invalid parameters"},
		{StatusOutOfRange, "address out of range"},
		{StatusAuthRequired, "authentication required"},
		{StatusAuthFailed, "authentication failed"},
		{StatusReplay, "replayed counter"},
		{StatusFlashError, "flash error"},
		{StatusUnsupported, "unsupported command"},
	}

	for _, tc := range tests {
		if result := StatusMessage(tc.code); result != tc.expected {
			t.Errorf("StatusMessage(0x%02X) = %q, want %q", tc.code, result, tc.expected)
		}
		if !ValidStatus(tc.code) {
			t.Errorf("ValidStatus(0x%02X) = false, want true", tc.code)
		}
	}
}

func TestStatusMessage_Unknown(t *testing.T) {
	for _, code := range []byte{0x0A, 0x42, 0xFF} {
		if result := StatusMessage(code); result != "unknown status" {
			t.Errorf("StatusMessage(0x%02X) = %q, want %q", code, result, "unknown status")
		}
		if ValidStatus(code) {
			t.Errorf("ValidStatus(0x%02X) = true, want false", code)
		}
	}
}

func TestConstants(t *testing.T) {
	// Opcodes must match the device firmware
	expected := map[byte]byte{
		0x00: CmdRead,
		0x01: CmdProgram,
		0x02: CmdErase,
		0x03: CmdVerify,
		0x04: CmdReboot,
		0x05: CmdCommit,
	}

	for val, cmd := range expected {
		if cmd != val {
			t.Errorf("%s = 0x%02X, want 0x%02X", CommandName(cmd), cmd, val)
		}
	}

	if FlagBankA != 0xA5A5A5A5 {
		t.Errorf("FlagBankA = 0x%X, want 0xA5A5A5A5", FlagBankA)
	}
	if FlagBankB != 0x5A5A5A5A {
		t.Errorf("FlagBankB = 0x%X, want 0x5A5A5A5A", FlagBankB)
	}
}

func TestBank_FlagRoundTrip(t *testing.T) {
	for _, b := range []Bank{BankA, BankB} {
		if got := BankFromFlag(b.Flag()); got != b {
			t.Errorf("BankFromFlag(%s.Flag()) = %s", b, got)
		}
	}

	if got := BankFromFlag(0xFFFFFFFF); got != BankUnknown {
		t.Errorf("BankFromFlag(erased) = %s, want unknown", got)
	}
}

func TestBank_Other(t *testing.T) {
	if BankA.Other() != BankB {
		t.Errorf("BankA.Other() = %s, want B", BankA.Other())
	}
	if BankB.Other() != BankA {
		t.Errorf("BankB.Other() = %s, want A", BankB.Other())
	}
	if BankUnknown.Other() != BankUnknown {
		t.Errorf("BankUnknown.Other() = %s, want unknown", BankUnknown.Other())
	}
}

func TestRegionData(t *testing.T) {
	r := Region{Address: 0x37000, Length: 0x36000}
	data := RegionData(r)

	if len(data) != RegionDataSize {
		t.Fatalf("RegionData() length = %d, want %d", len(data), RegionDataSize)
	}
	if addr := binary.LittleEndian.Uint32(data[0:4]); addr != r.Address {
		t.Errorf("RegionData address = 0x%X, want 0x%X", addr, r.Address)
	}
	if length := binary.LittleEndian.Uint32(data[4:8]); length != r.Length {
		t.Errorf("RegionData length = 0x%X, want 0x%X", length, r.Length)
	}

	parsed, err := ParseRegionData(data)
	if err != nil {
		t.Fatalf("ParseRegionData() error = %v", err)
	}
	if parsed != r {
		t.Errorf("ParseRegionData() = %v, want %v", parsed, r)
	}

	if _, err := ParseRegionData(data[:7]); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("ParseRegionData(short) error = %v, want ErrMalformedFrame", err)
	}
}

func TestProgramData(t *testing.T) {
	chunk := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data := ProgramData(0x1000, chunk)

	if len(data) != ProgramOverhead+len(chunk) {
		t.Fatalf("ProgramData() length = %d, want %d", len(data), ProgramOverhead+len(chunk))
	}

	addr, payload, err := ParseProgramData(data)
	if err != nil {
		t.Fatalf("ParseProgramData() error = %v", err)
	}
	if addr != 0x1000 {
		t.Errorf("ParseProgramData address = 0x%X, want 0x1000", addr)
	}
	if !bytes.Equal(payload, chunk) {
		t.Errorf("ParseProgramData data = %v, want %v", payload, chunk)
	}
}

func TestParseDeviceInfo(t *testing.T) {
	info := &DeviceInfo{
		ProtocolVersion:  1,
		HardwareID:       0xCAFE0001,
		FirmwareVersion:  0x010203,
		FlashSize:        0x80000,
		MaxChunk:         512,
		EraseGranularity: 4096,
		Model:            "CH592",
	}

	parsed, err := ParseDeviceInfo(info.Encode())
	if err != nil {
		t.Fatalf("ParseDeviceInfo() error = %v", err)
	}
	if *parsed != *info {
		t.Errorf("ParseDeviceInfo() = %+v, want %+v", parsed, info)
	}
	if parsed.FirmwareString() != "1.2.3" {
		t.Errorf("FirmwareString() = %q, want %q", parsed.FirmwareString(), "1.2.3")
	}
}

func TestParseDeviceInfo_Invalid(t *testing.T) {
	if _, err := ParseDeviceInfo(make([]byte, 19)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("ParseDeviceInfo(short) error = %v, want ErrMalformedFrame", err)
	}

	// All-zero geometry is not usable
	if _, err := ParseDeviceInfo(make([]byte, 20)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("ParseDeviceInfo(zero) error = %v, want ErrMalformedFrame", err)
	}
}

func TestParseOTAState(t *testing.T) {
	state := &OTAState{Active: BankB, Mode: ModePending, BootReason: BootCommit}

	data := state.Encode()
	if flag := binary.LittleEndian.Uint32(data[0:4]); flag != FlagBankB {
		t.Errorf("OTAState flag = 0x%X, want 0x%X", flag, FlagBankB)
	}

	parsed, err := ParseOTAState(data)
	if err != nil {
		t.Fatalf("ParseOTAState() error = %v", err)
	}
	if *parsed != *state {
		t.Errorf("ParseOTAState() = %+v, want %+v", parsed, state)
	}
	if parsed.Target() != BankA {
		t.Errorf("Target() = %s, want A", parsed.Target())
	}
	if !parsed.Pending() {
		t.Error("Pending() = false, want true")
	}

	if _, err := ParseOTAState(data[:5]); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("ParseOTAState(short) error = %v, want ErrMalformedFrame", err)
	}
}

func TestOTAState_TargetPending(t *testing.T) {
	states := map[string]OTAState{
		"idle":    {Active: BankA},
		"pending": {Active: BankB, Mode: ModePending | ModeUpdating},
	}

	if states["idle"].Target() != BankB || states["idle"].Pending() {
		t.Errorf("idle state = %s/%v, want B/false", states["idle"].Target(), states["idle"].Pending())
	}
	if states["pending"].Target() != BankA || !states["pending"].Pending() {
		t.Errorf("pending state = %s/%v, want A/true", states["pending"].Target(), states["pending"].Pending())
	}
}

func TestParseStatusReport(t *testing.T) {
	report := &StatusReport{Busy: false, Code: StatusOK, Result: []byte{1, 2, 3}}

	parsed, err := ParseStatusReport(report.Encode())
	if err != nil {
		t.Fatalf("ParseStatusReport() error = %v", err)
	}
	if parsed.Busy || parsed.Code != StatusOK || !bytes.Equal(parsed.Result, report.Result) {
		t.Errorf("ParseStatusReport() = %+v, want %+v", parsed, report)
	}

	busy, err := ParseStatusReport([]byte{1, 0})
	if err != nil {
		t.Fatalf("ParseStatusReport() error = %v", err)
	}
	if !busy.Busy {
		t.Error("ParseStatusReport busy = false, want true")
	}

	if _, err := ParseStatusReport([]byte{1}); err == nil {
		t.Error("ParseStatusReport(short) expected error, got nil")
	}
}
