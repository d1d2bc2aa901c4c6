package protocol

import (
	"encoding/binary"
	"fmt"
)

// Payload sizes
const (
	RegionDataSize   = 8
	NonceSize        = 16
	DigestSize       = 32 // SHA-256
	deviceInfoSize   = 20
	otaStateSize     = 6
	statusReportSize = 2
)

// DeviceInfo is the device identification and flash geometry snapshot
// returned by the INFO command.
type DeviceInfo struct {
	ProtocolVersion  uint16
	HardwareID       uint32
	FirmwareVersion  uint32
	FlashSize        uint32
	MaxChunk         uint16
	EraseGranularity uint32
	Model            string
}

// FirmwareString formats the packed firmware version as major.minor.patch.
func (d *DeviceInfo) FirmwareString() string {
	v := d.FirmwareVersion
	return fmt.Sprintf("%d.%d.%d", (v>>16)&0xFF, (v>>8)&0xFF, v&0xFF)
}

// ParseDeviceInfo parses the INFO response payload.
func ParseDeviceInfo(data []byte) (*DeviceInfo, error) {
	if len(data) < deviceInfoSize {
		return nil, fmt.Errorf("device info too short: %d bytes: %w", len(data), ErrMalformedFrame)
	}

	info := &DeviceInfo{
		ProtocolVersion:  binary.LittleEndian.Uint16(data[0:2]),
		HardwareID:       binary.LittleEndian.Uint32(data[2:6]),
		FirmwareVersion:  binary.LittleEndian.Uint32(data[6:10]),
		FlashSize:        binary.LittleEndian.Uint32(data[10:14]),
		MaxChunk:         binary.LittleEndian.Uint16(data[14:16]),
		EraseGranularity: binary.LittleEndian.Uint32(data[16:20]),
		Model:            string(data[deviceInfoSize:]),
	}

	if info.FlashSize == 0 || info.MaxChunk == 0 || info.EraseGranularity == 0 {
		return nil, fmt.Errorf("device info reports empty geometry: %w", ErrMalformedFrame)
	}

	return info, nil
}

// Encode serializes the device info. Used by the device side.
func (d *DeviceInfo) Encode() []byte {
	data := make([]byte, deviceInfoSize+len(d.Model))
	binary.LittleEndian.PutUint16(data[0:2], d.ProtocolVersion)
	binary.LittleEndian.PutUint32(data[2:6], d.HardwareID)
	binary.LittleEndian.PutUint32(data[6:10], d.FirmwareVersion)
	binary.LittleEndian.PutUint32(data[10:14], d.FlashSize)
	binary.LittleEndian.PutUint16(data[14:16], d.MaxChunk)
	binary.LittleEndian.PutUint32(data[16:20], d.EraseGranularity)
	copy(data[deviceInfoSize:], d.Model)
	return data
}

// OTAState is the device-reported bank bookkeeping returned by OTA_STATE.
type OTAState struct {
	Active     Bank
	Mode       FlashMode
	BootReason BootReason
}

// Target returns the bank an update must be written to.
func (s OTAState) Target() Bank {
	return s.Active.Other()
}

// Pending reports whether an update was written but not committed.
func (s OTAState) Pending() bool {
	return s.Mode&ModePending != 0
}

// ParseOTAState parses the OTA_STATE response payload.
func ParseOTAState(data []byte) (*OTAState, error) {
	if len(data) < otaStateSize {
		return nil, fmt.Errorf("ota state too short: %d bytes: %w", len(data), ErrMalformedFrame)
	}

	return &OTAState{
		Active:     BankFromFlag(binary.LittleEndian.Uint32(data[0:4])),
		Mode:       FlashMode(data[4]),
		BootReason: BootReason(data[5]),
	}, nil
}

// Encode serializes the OTA state. Used by the device side.
func (s *OTAState) Encode() []byte {
	data := make([]byte, otaStateSize)
	binary.LittleEndian.PutUint32(data[0:4], s.Active.Flag())
	data[4] = byte(s.Mode)
	data[5] = byte(s.BootReason)
	return data
}

// StatusReport is the STATUS poll answer for long running commands.
type StatusReport struct {
	Busy   bool
	Code   byte
	Result []byte
}

// ParseStatusReport parses the STATUS response payload.
func ParseStatusReport(data []byte) (*StatusReport, error) {
	if len(data) < statusReportSize {
		return nil, fmt.Errorf("status report too short: %d bytes: %w", len(data), ErrMalformedFrame)
	}

	return &StatusReport{
		Busy:   data[0] != 0,
		Code:   data[1],
		Result: data[2:],
	}, nil
}

// Encode serializes the status report. Used by the device side.
func (s *StatusReport) Encode() []byte {
	data := make([]byte, statusReportSize+len(s.Result))
	if s.Busy {
		data[0] = 1
	}
	data[1] = s.Code
	copy(data[2:], s.Result)
	return data
}

// RegionData creates the payload for READ, ERASE and VERIFY commands.
func RegionData(r Region) []byte {
	data := make([]byte, RegionDataSize)
	binary.LittleEndian.PutUint32(data[0:4], r.Address)
	binary.LittleEndian.PutUint32(data[4:8], r.Length)
	return data
}

// ParseRegionData parses a READ, ERASE or VERIFY payload.
func ParseRegionData(data []byte) (Region, error) {
	if len(data) != RegionDataSize {
		return Region{}, fmt.Errorf("region payload of %d bytes: %w", len(data), ErrMalformedFrame)
	}
	return Region{
		Address: binary.LittleEndian.Uint32(data[0:4]),
		Length:  binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// ProgramData creates the payload for the PROGRAM command.
func ProgramData(address uint32, chunk []byte) []byte {
	data := make([]byte, 4+len(chunk))
	binary.LittleEndian.PutUint32(data[0:4], address)
	copy(data[4:], chunk)
	return data
}

// ParseProgramData parses a PROGRAM payload.
func ParseProgramData(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("program payload of %d bytes: %w", len(data), ErrMalformedFrame)
	}
	return binary.LittleEndian.Uint32(data[0:4]), data[4:], nil
}

// ProgramOverhead is the payload space a PROGRAM command spends on addressing.
const ProgramOverhead = 4
