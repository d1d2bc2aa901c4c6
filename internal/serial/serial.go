// Package serial carries SLIP framed packets over a UART bridge.
package serial

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/bigbag/autoota-flasher/internal/slip"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

const (
	// DefaultBaudRate is the bridge line rate
	DefaultBaudRate = 115200

	// DefaultMTU is the largest packet before SLIP escaping
	DefaultMTU = 1024

	readTimeout = 100 * time.Millisecond
)

// stream is the part of serial.Port used by Port.
type stream interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// Port is a serial link to a device. It implements transport.Port.
type Port struct {
	port     stream
	portName string
	baudRate int
	mtu      int
	log      logrus.FieldLogger
	decoder  *slip.Decoder
	pending  [][]byte
	buf      []byte
	closed   bool
	mutex    sync.Mutex
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int, mtu int, log logrus.FieldLogger) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open port %s: %w", transport.ErrDisconnected, portName, err)
	}

	// Set read timeout
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	p := newPort(port, portName, mtu, log)
	p.baudRate = baudRate

	// Drop whatever the device sent before we were listening
	_ = port.ResetInputBuffer()

	return p, nil
}

func newPort(s stream, name string, mtu int, log logrus.FieldLogger) *Port {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	return &Port{
		port:     s,
		portName: name,
		mtu:      mtu,
		log:      log.WithField("port", name),
		decoder:  slip.NewDecoder(mtu),
		buf:      make([]byte, 1024),
	}
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// MTU implements transport.Port.
func (p *Port) MTU() int {
	return p.mtu
}

// Send implements transport.Port.
func (p *Port) Send(ctx context.Context, frame []byte) error {
	if err := transport.CheckFrame(p, frame); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return transport.ContextError(ctx)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return transport.ErrDisconnected
	}

	if _, err := p.port.Write(slip.Encode(frame)); err != nil {
		return fmt.Errorf("%w: write: %w", transport.ErrDisconnected, err)
	}

	return nil
}

// Receive implements transport.Port. The port is polled with a short read
// timeout so the context is observed between reads.
func (p *Port) Receive(ctx context.Context) ([]byte, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for {
		if len(p.pending) > 0 {
			frame := p.pending[0]
			p.pending = p.pending[1:]
			return frame, nil
		}

		if p.closed {
			return nil, transport.ErrDisconnected
		}
		if ctx.Err() != nil {
			return nil, transport.ContextError(ctx)
		}

		n, err := p.port.Read(p.buf)
		if err != nil {
			return nil, fmt.Errorf("%w: read: %w", transport.ErrDisconnected, err)
		}
		if n == 0 {
			continue
		}

		frames, err := p.decoder.Feed(p.buf[:n])
		if err != nil {
			p.log.WithError(err).Debug("dropped frame")
		}
		p.pending = append(p.pending, frames...)
	}
}

// Flush discards any buffered data.
func (p *Port) Flush() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.pending = nil
	p.decoder.Reset()
	return p.port.ResetInputBuffer()
}

// Close closes the serial port.
func (p *Port) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	return p.port.Close()
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
