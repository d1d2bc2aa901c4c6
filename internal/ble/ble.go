// Package ble connects to an OTA target over Bluetooth Low Energy. Requests
// are written to the command characteristic and responses arrive as
// notifications on the same characteristic.
package ble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/bigbag/autoota-flasher/internal/transport"
)

// DefaultMTU is the frame size used when none is configured.
const DefaultMTU = 512

// attHeader is the ATT overhead of a write or notification.
const attHeader = 3

var adapter = bluetooth.DefaultAdapter
var serviceUUID = lo.Must(bluetooth.ParseUUID("0000fff0-0000-1000-8000-00805f9b34fb"))
var commandUUID = lo.Must(bluetooth.ParseUUID("0000ffe1-0000-1000-8000-00805f9b34fb"))

// ErrNotFound is returned when no advertisement matched before the scan
// ended.
var ErrNotFound = errors.New("device not found")

// Config selects and configures the link.
type Config struct {
	// Name matches the advertised local name
	Name string

	// Address matches the device address, case insensitive
	Address string

	// WriteWithoutResponse writes commands without link layer acknowledgement.
	// Linux always does.
	WriteWithoutResponse bool

	// MTU is the largest frame sent or expected
	MTU int

	// ScanTimeout bounds the scan for the device
	ScanTimeout time.Duration

	// Logger receives link events
	Logger logrus.FieldLogger
}

func (c Config) matches(a Advertisement) bool {
	if c.Address != "" {
		return strings.EqualFold(c.Address, a.Address)
	}
	return c.Name != "" && c.Name == a.Name
}

func (c Config) target() string {
	if c.Address != "" {
		return c.Address
	}
	return fmt.Sprintf("%q", c.Name)
}

// Link is a connected device. It implements transport.Port.
type Link struct {
	device  bluetooth.Device
	char    bluetooth.DeviceCharacteristic
	addr    string
	noRsp   bool
	mtu     int
	log     logrus.FieldLogger
	queue   *queue
	writeMu sync.Mutex
	once    sync.Once
}

// Connect scans for the configured device, connects and subscribes to
// responses.
func Connect(ctx context.Context, cfg Config) (*Link, error) {
	if cfg.Name == "" && cfg.Address == "" {
		return nil, errors.New("device name or address required")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		cfg.Logger = discard
	}

	scanCtx := ctx
	if cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, cfg.ScanTimeout)
		defer cancel()
	}

	cfg.Logger.WithField("target", cfg.target()).Debug("scanning")

	var found *Advertisement
	err := Scan(scanCtx, func(a Advertisement) bool {
		if !cfg.matches(a) {
			return true
		}
		found = &a
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if found == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", cfg.target(), ErrNotFound)
	}

	log := cfg.Logger.WithField("address", found.Address)
	log.WithField("rssi", found.RSSI).Debug("connecting")

	device, err := adapter.Connect(found.addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", transport.ErrDisconnected, found.Address, err)
	}

	char, err := characteristic(device, serviceUUID, commandUUID)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}

	att, err := char.GetMTU()
	if err != nil {
		log.WithError(err).Debug("ATT MTU unknown")
	}
	mtu := linkMTU(cfg.MTU, att)
	log.WithFields(logrus.Fields{"att_mtu": att, "mtu": mtu}).Debug("link MTU")

	l := &Link{
		device: device,
		char:   char,
		addr:   found.Address,
		noRsp:  cfg.WriteWithoutResponse,
		mtu:    mtu,
		log:    log,
		queue:  newQueue(16),
	}

	err = char.EnableNotifications(func(data []byte) {
		if !l.queue.push(data) {
			l.log.Warn("response queue full, dropping notification")
		}
	})
	if err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	log.Info("connected")

	return l, nil
}

func characteristic(device bluetooth.Device, service, char bluetooth.UUID) (bluetooth.DeviceCharacteristic, error) {
	// discover services
	svcs, err := device.DiscoverServices([]bluetooth.UUID{service})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) != 1 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("service %s: unexpected number of services: %d", service, len(svcs))
	}

	// discover characteristics
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{char})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) != 1 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s: unexpected number of characteristics: %d", char, len(chars))
	}

	return chars[0], nil
}

// linkMTU caps the configured frame size to what one ATT packet carries. An
// unknown ATT MTU (zero) leaves the configured size.
func linkMTU(configured int, att uint16) int {
	if limit := int(att) - attHeader; limit > 0 && limit < configured {
		return limit
	}
	return configured
}

// Address returns the address of the connected device.
func (l *Link) Address() string {
	return l.addr
}

// MTU implements transport.Port.
func (l *Link) MTU() int {
	return l.mtu
}

// Send implements transport.Port.
func (l *Link) Send(ctx context.Context, frame []byte) error {
	if err := transport.CheckFrame(l, frame); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return transport.ContextError(ctx)
	}
	if l.queue.isClosed() {
		return transport.ErrDisconnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := write(l.char, frame, l.noRsp); err != nil {
		l.log.WithError(err).Warn("write failed, closing link")
		l.queue.close()
		return fmt.Errorf("%w: %w", transport.ErrDisconnected, err)
	}

	return nil
}

// Receive implements transport.Port.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	return l.queue.pop(ctx)
}

// Close disconnects from the device.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		l.queue.close()
		err = l.device.Disconnect()
		l.log.Debug("disconnected")
	})
	return err
}

// ReadDeviceInformation reads the standard Device Information Service.
func (l *Link) ReadDeviceInformation() (*DeviceInformation, error) {
	return readDeviceInformation(l.device)
}
