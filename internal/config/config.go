// Package config loads the device profile: transport settings, timeouts and
// the A/B bank layout.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/bigbag/autoota-flasher/embedded"
	"github.com/bigbag/autoota-flasher/internal/auth"
	"github.com/bigbag/autoota-flasher/internal/flasher"
	"github.com/bigbag/autoota-flasher/internal/ota"
	"github.com/bigbag/autoota-flasher/internal/protocol"
)

// ErrNoKey is returned when neither the profile nor the caller provide an
// AES key.
var ErrNoKey = errors.New("no AES key configured")

// BLE holds Bluetooth link settings.
type BLE struct {
	MTU                  int           `yaml:"mtu"`
	ScanTimeout          time.Duration `yaml:"scan_timeout"`
	WriteWithoutResponse bool          `yaml:"write_without_response"`
}

// Serial holds UART bridge settings.
type Serial struct {
	MTU  int `yaml:"mtu"`
	Baud int `yaml:"baud"`
}

// Bank is one firmware slot.
type Bank struct {
	Address uint32 `yaml:"address"`
	Size    uint32 `yaml:"size"`
}

// Region returns the flash region of the bank.
func (b Bank) Region() protocol.Region {
	return protocol.Region{Address: b.Address, Length: b.Size}
}

// Profile describes how to talk to a device model.
type Profile struct {
	BLE              BLE           `yaml:"ble"`
	Serial           Serial        `yaml:"serial"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	Retries          int           `yaml:"retries"`
	Banks            struct {
		A Bank `yaml:"a"`
		B Bank `yaml:"b"`
	} `yaml:"banks"`
	AESKey string `yaml:"aes_key"`
}

// Default returns the embedded profile.
func Default() (*Profile, error) {
	p := &Profile{}
	if err := yaml.Unmarshal(embedded.Profile(), p); err != nil {
		return nil, fmt.Errorf("embedded profile: %w", err)
	}
	return p, nil
}

// Load reads the profile at path on top of the embedded default. An empty
// path returns the default.
func Load(path string, log logrus.FieldLogger) (*Profile, error) {
	p, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return p, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if p.AESKey != "" && info.Mode().Perm()&0o077 != 0 && log != nil {
		log.Warnf("config file %s has permissions %04o and contains an AES key, expected 0600", path, info.Mode().Perm())
	}

	return p, p.Validate()
}

// Validate checks values that would otherwise fail deep inside a run.
func (p *Profile) Validate() error {
	switch {
	case p.BLE.MTU <= protocol.RequestHeaderSize+protocol.ProofSize+protocol.ChecksumSize+protocol.ProgramOverhead:
		return fmt.Errorf("ble mtu %d too small", p.BLE.MTU)
	case p.Serial.MTU <= protocol.RequestHeaderSize+protocol.ProofSize+protocol.ChecksumSize+protocol.ProgramOverhead:
		return fmt.Errorf("serial mtu %d too small", p.Serial.MTU)
	case p.Serial.Baud <= 0:
		return fmt.Errorf("invalid baud rate %d", p.Serial.Baud)
	case p.CommandTimeout <= 0 || p.OperationTimeout <= 0 || p.PollInterval <= 0:
		return errors.New("timeouts must be positive")
	case p.Retries < 0:
		return fmt.Errorf("invalid retries %d", p.Retries)
	case p.Banks.A.Size == 0 || p.Banks.B.Size == 0:
		return errors.New("bank sizes must be set")
	}

	if p.AESKey != "" {
		if _, err := auth.ParseKey(p.AESKey); err != nil {
			return fmt.Errorf("aes_key: %w", err)
		}
	}

	return nil
}

// Key returns the AES key, preferring override over the profile.
func (p *Profile) Key(override string) ([]byte, error) {
	s := override
	if s == "" {
		s = p.AESKey
	}
	if s == "" {
		return nil, ErrNoKey
	}
	return auth.ParseKey(s)
}

// Layout returns the bank layout.
func (p *Profile) Layout() ota.Layout {
	return ota.Layout{A: p.Banks.A.Region(), B: p.Banks.B.Region()}
}

// ClientOptions returns the flash engine options of the profile.
func (p *Profile) ClientOptions(log logrus.FieldLogger) []flasher.Option {
	return []flasher.Option{
		flasher.WithLogger(log),
		flasher.WithTimeout(p.CommandTimeout),
		flasher.WithOperationTimeout(p.OperationTimeout),
		flasher.WithPollInterval(p.PollInterval),
		flasher.WithRetries(p.Retries),
	}
}
