package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/autoota-flasher/internal/auth"
	"github.com/bigbag/autoota-flasher/internal/ble"
	"github.com/bigbag/autoota-flasher/internal/config"
	"github.com/bigbag/autoota-flasher/internal/detect"
	"github.com/bigbag/autoota-flasher/internal/flasher"
	"github.com/bigbag/autoota-flasher/internal/serial"
	"github.com/bigbag/autoota-flasher/internal/transport"
)

var errConnect = errors.New("connection failed")

// device is an open link with its client.
type device struct {
	client  *flasher.Client
	port    transport.Port
	link    *ble.Link
	session *auth.Session
	profile *config.Profile
}

func loadProfile() (*config.Profile, error) {
	profile, err := config.Load(configFlag, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: config: %w", errUsage, err)
	}
	return profile, nil
}

// connect opens the selected transport. With key set the AES key is required,
// with handshake set the session is authenticated before returning.
func connect(ctx context.Context, key, handshake bool) (*device, error) {
	profile, err := loadProfile()
	if err != nil {
		return nil, err
	}

	var session *auth.Session
	if key {
		psk, err := profile.Key(aesKeyFlag)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, err)
		}
		session, err = auth.NewSession(psk, auth.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, err)
		}
	}

	d := &device{session: session, profile: profile}

	if portFlag != "" {
		baud := baudFlag
		if baud == 0 {
			baud = profile.Serial.Baud
		}

		if portFlag == "auto" {
			logger.Info("Detecting device...")
			result, err := detect.DetectDevice(ctx, detect.Options{
				BaudRate: baud,
				MTU:      profile.Serial.MTU,
				Client:   profile.ClientOptions(logger),
			})
			if err != nil {
				d.close()
				return nil, fmt.Errorf("%w: %w", errConnect, err)
			}
			logger.Infof("Found %s on %s", result.Info.Model, result.Port)
			portFlag = result.Port
		}

		logger.WithField("port", portFlag).Infof("Opening serial port at %d baud", baud)
		port, err := serial.Open(portFlag, baud, profile.Serial.MTU, logger)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("%w: %w", errConnect, err)
		}
		d.port = port
	} else {
		logger.Info("Scanning for device...")
		link, err := ble.Connect(ctx, ble.Config{
			Name:                 nameFlag,
			Address:              macFlag,
			WriteWithoutResponse: writeNoRspFlag || profile.BLE.WriteWithoutResponse,
			MTU:                  profile.BLE.MTU,
			ScanTimeout:          profile.BLE.ScanTimeout,
			Logger:               logger,
		})
		if err != nil {
			d.close()
			return nil, fmt.Errorf("%w: %w", errConnect, err)
		}
		d.link = link
		d.port = link
	}

	d.client = flasher.New(d.port, session, profile.ClientOptions(logger)...)

	if handshake {
		logger.Debug("Authenticating...")
		if err := d.client.Authenticate(ctx); err != nil {
			d.close()
			return nil, fmt.Errorf("authentication: %w", err)
		}
	}

	return d, nil
}

func (d *device) close() {
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			logger.WithError(err).Debug("close")
		}
	}
	if d.session != nil {
		d.session.Close()
	}
}

func (d *device) log() logrus.FieldLogger {
	if d.link != nil {
		return logger.WithField("address", d.link.Address())
	}
	return logger.WithField("port", portFlag)
}
