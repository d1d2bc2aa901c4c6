// Package slip frames packets on a byte stream (RFC 1055). Every frame is
// written as END, escaped payload, END.
package slip

import (
	"errors"
	"fmt"
	"io"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Decoding errors
var (
	ErrFrameTooLong = errors.New("slip frame too long")
	ErrBadEscape    = errors.New("invalid slip escape")
)

// Encode wraps data in SLIP framing.
func Encode(data []byte) []byte {
	// Pre-allocate with some extra space for escapes
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	return append(result, End)
}

// Decoder reassembles frames from a byte stream. Bytes before the first END
// and empty frames are skipped. A frame with a bad escape or exceeding the
// limit is dropped and reported once, decoding resumes at the next END.
type Decoder struct {
	max     int
	buf     []byte
	escaped bool
	synced  bool
	broken  error
}

// NewDecoder creates a decoder for frames of at most max bytes (0 means no
// limit).
func NewDecoder(max int) *Decoder {
	return &Decoder{max: max}
}

// Feed consumes b and returns the completed frames. Errors describe dropped
// frames; frames completed alongside an error are still returned.
func (d *Decoder) Feed(b []byte) ([][]byte, error) {
	var frames [][]byte
	var errs []error

	for _, c := range b {
		if c == End {
			switch {
			case d.broken != nil:
				errs = append(errs, d.broken)
			case d.synced && len(d.buf) > 0:
				frames = append(frames, d.buf)
			}
			d.reset()
			d.synced = true
			continue
		}

		if !d.synced || d.broken != nil {
			continue
		}

		if d.escaped {
			d.escaped = false
			switch c {
			case EscEnd:
				c = End
			case EscEsc:
				c = Esc
			default:
				d.broken = fmt.Errorf("0x%02X after escape: %w", c, ErrBadEscape)
				continue
			}
		} else if c == Esc {
			d.escaped = true
			continue
		}

		if d.max > 0 && len(d.buf) >= d.max {
			d.broken = fmt.Errorf("more than %d bytes: %w", d.max, ErrFrameTooLong)
			continue
		}
		d.buf = append(d.buf, c)
	}

	return frames, errors.Join(errs...)
}

// Reset discards a partial frame and waits for the next END.
func (d *Decoder) Reset() {
	d.reset()
	d.synced = false
}

func (d *Decoder) reset() {
	d.buf = nil
	d.escaped = false
	d.broken = nil
}

// Decode extracts the payload of a single complete frame.
func Decode(frame []byte) ([]byte, error) {
	d := NewDecoder(0)
	frames, err := d.Feed(frame)
	if err != nil {
		return nil, err
	}
	if len(frames) != 1 {
		return nil, fmt.Errorf("expected one frame, got %d: %w", len(frames), io.ErrUnexpectedEOF)
	}
	return frames[0], nil
}
