// Package detect finds OTA targets behind serial bridges by asking every
// port for its device information.
package detect

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bigbag/autoota-flasher/internal/flasher"
	"github.com/bigbag/autoota-flasher/internal/protocol"
	"github.com/bigbag/autoota-flasher/internal/serial"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

// ErrNoDevice is returned when no port answered.
var ErrNoDevice = errors.New("no device found")

// probeTimeout bounds the whole probe of one port.
const probeTimeout = 2 * time.Second

// Options selects the line settings used while probing.
type Options struct {
	BaudRate int
	MTU      int
	Client   []flasher.Option
}

// Result represents a detected device.
type Result struct {
	Port  string
	Info  *protocol.DeviceInfo
	State *protocol.OTAState
}

// DetectDevice returns the first device found on any serial port.
func DetectDevice(ctx context.Context, opts Options) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found: %w", ErrNoDevice)
	}

	var lastErr error
	for _, portName := range ports {
		result, err := DetectOnPort(ctx, portName, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w (last error: %w)", ErrNoDevice, lastErr)
}

// DetectOnPort probes a specific port.
func DetectOnPort(ctx context.Context, portName string, opts Options) (*Result, error) {
	port, err := serial.Open(portName, opts.BaudRate, opts.MTU, nil)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	return probe(ctx, port, portName, opts.Client...)
}

// ListDevices probes all ports and returns every device that answered.
func ListDevices(ctx context.Context, opts Options) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := DetectOnPort(ctx, portName, opts)
		if err == nil {
			results = append(results, *result)
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}

	return results, nil
}

// probe asks for device information and OTA state. Both are unauthenticated
// so no key is needed.
func probe(ctx context.Context, port transport.Port, name string, opts ...flasher.Option) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	// one retry per port keeps scanning many ports fast
	c := flasher.New(port, nil, append(slices.Clip(opts), flasher.WithRetries(1))...)

	info, err := c.DeviceInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	state, err := c.OTAState(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &Result{Port: name, Info: info, State: state}, nil
}
