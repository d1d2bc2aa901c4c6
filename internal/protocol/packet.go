package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Frame layout sizes
const (
	RequestHeaderSize  = 5  // version, command, seq, length(2)
	ResponseHeaderSize = 6  // version, command, seq, status, length(2)
	ChecksumSize       = 4  // CRC-32 (IEEE)
	TagSize            = 16 // AES-CMAC tag
	ProofSize          = 4 + TagSize
)

// Codec errors
var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingProof   = errors.New("authenticated command without proof")
)

// Proof authenticates a single command. Counter is strictly increasing within
// a session.
type Proof struct {
	Counter uint32
	Tag     [TagSize]byte
}

// Request represents an OTA command frame.
type Request struct {
	Command byte
	Seq     byte
	Data    []byte
	Proof   *Proof
}

// Response represents an OTA response frame.
type Response struct {
	Command byte
	Seq     byte
	Status  byte
	Data    []byte
}

// NewRequest creates a new unsigned request.
func NewRequest(cmd byte, data []byte) *Request {
	return &Request{
		Command: cmd,
		Data:    data,
	}
}

// Size returns the encoded size of the request.
func (r *Request) Size() int {
	size := RequestHeaderSize + len(r.Data) + ChecksumSize
	if IsAuthenticated(r.Command) {
		size += ProofSize
	}
	return size
}

// RequestOverhead returns the bytes a request frame adds around its payload.
func RequestOverhead(cmd byte) int {
	return (&Request{Command: cmd}).Size()
}

// ResponseOverhead returns the bytes a response frame adds around its payload.
func ResponseOverhead() int {
	return ResponseHeaderSize + ChecksumSize
}

// Codec encodes and decodes frames bounded by a maximum transfer unit.
// It holds no state besides the MTU and performs no I/O.
type Codec struct {
	MTU int
}

// Encode serializes the request. The frame is never split: payloads that do
// not fit the MTU are rejected with ErrFrameTooLarge.
func (c Codec) Encode(r *Request) ([]byte, error) {
	// Packet format:
	// 0: version
	// 1: command
	// 2: sequence tag
	// 3-4: payload size (little-endian)
	// 5+: payload
	// then proof (counter + tag) for authenticated commands
	// then CRC-32 over everything before it

	if IsAuthenticated(r.Command) && r.Proof == nil {
		return nil, fmt.Errorf("%s: %w", CommandName(r.Command), ErrMissingProof)
	}

	size := r.Size()
	if len(r.Data) > 0xFFFF || (c.MTU > 0 && size > c.MTU) {
		return nil, fmt.Errorf("%s frame of %d bytes exceeds MTU %d: %w",
			CommandName(r.Command), size, c.MTU, ErrFrameTooLarge)
	}

	packet := make([]byte, size)
	packet[0] = Version
	packet[1] = r.Command
	packet[2] = r.Seq
	binary.LittleEndian.PutUint16(packet[3:5], uint16(len(r.Data)))
	n := RequestHeaderSize + copy(packet[RequestHeaderSize:], r.Data)

	if IsAuthenticated(r.Command) {
		binary.LittleEndian.PutUint32(packet[n:n+4], r.Proof.Counter)
		copy(packet[n+4:n+ProofSize], r.Proof.Tag[:])
		n += ProofSize
	}

	binary.LittleEndian.PutUint32(packet[n:], crc32.ChecksumIEEE(packet[:n]))

	return packet, nil
}

// DecodeRequest parses a request frame. It is the device side of Encode.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < RequestHeaderSize+ChecksumSize {
		return nil, fmt.Errorf("request too short: %d bytes: %w", len(data), ErrMalformedFrame)
	}

	if err := checkFrame(data); err != nil {
		return nil, err
	}

	req := &Request{
		Command: data[1],
		Seq:     data[2],
	}

	size := int(binary.LittleEndian.Uint16(data[3:5]))
	expected := RequestHeaderSize + size + ChecksumSize
	if IsAuthenticated(req.Command) {
		expected += ProofSize
	}
	if expected != len(data) {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d: %w", expected, len(data), ErrMalformedFrame)
	}

	req.Data = data[RequestHeaderSize : RequestHeaderSize+size]

	if IsAuthenticated(req.Command) {
		off := RequestHeaderSize + size
		req.Proof = &Proof{Counter: binary.LittleEndian.Uint32(data[off : off+4])}
		copy(req.Proof.Tag[:], data[off+4:off+ProofSize])
	}

	return req, nil
}

// EncodeResponse serializes a response frame. It is the device side of
// DecodeResponse.
func EncodeResponse(r *Response) []byte {
	packet := make([]byte, ResponseHeaderSize+len(r.Data)+ChecksumSize)
	packet[0] = Version
	packet[1] = r.Command
	packet[2] = r.Seq
	packet[3] = r.Status
	binary.LittleEndian.PutUint16(packet[4:6], uint16(len(r.Data)))
	n := ResponseHeaderSize + copy(packet[ResponseHeaderSize:], r.Data)
	binary.LittleEndian.PutUint32(packet[n:], crc32.ChecksumIEEE(packet[:n]))
	return packet
}

// DecodeResponse parses a response frame.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < ResponseHeaderSize+ChecksumSize {
		return nil, fmt.Errorf("response too short: %d bytes: %w", len(data), ErrMalformedFrame)
	}

	if err := checkFrame(data); err != nil {
		return nil, err
	}

	resp := &Response{
		Command: data[1],
		Seq:     data[2],
		Status:  data[3],
	}

	if !ValidStatus(resp.Status) {
		return nil, fmt.Errorf("invalid status code: 0x%02X: %w", resp.Status, ErrMalformedFrame)
	}

	size := int(binary.LittleEndian.Uint16(data[4:6]))
	if ResponseHeaderSize+size+ChecksumSize != len(data) {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d: %w",
			size, len(data)-ResponseHeaderSize-ChecksumSize, ErrMalformedFrame)
	}

	resp.Data = data[ResponseHeaderSize : ResponseHeaderSize+size]

	return resp, nil
}

// checkFrame validates version byte and trailing CRC.
func checkFrame(data []byte) error {
	if data[0] != Version {
		return fmt.Errorf("invalid version byte: 0x%02X: %w", data[0], ErrMalformedFrame)
	}

	n := len(data) - ChecksumSize
	want := binary.LittleEndian.Uint32(data[n:])
	if got := crc32.ChecksumIEEE(data[:n]); got != want {
		return fmt.Errorf("checksum mismatch: 0x%08X != 0x%08X: %w", got, want, ErrMalformedFrame)
	}

	return nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == StatusOK
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X (%s)", r.Status, StatusMessage(r.Status))
}
