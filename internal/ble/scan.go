package ble

import (
	"context"
	"strings"

	"tinygo.org/x/bluetooth"
)

// Advertisement is a device seen during a scan.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int16
	OTA     bool

	addr bluetooth.Address
}

// Scan reports advertisements to fn until fn returns false or ctx ends. Each
// address is reported once.
func Scan(ctx context.Context, fn func(Advertisement) bool) error {
	// enable BLE adapter
	err := adapter.Enable()
	if err != nil && !strings.Contains(err.Error(), "already calling Enable function") {
		return err
	}

	// stop on cancel
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = adapter.StopScan()
		case <-stop:
		}
	}()

	seen := map[string]bool{}
	stopped := false

	return adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		if stopped || seen[addr] {
			return
		}
		seen[addr] = true

		a := Advertisement{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    result.RSSI,
			OTA:     result.HasServiceUUID(serviceUUID),
			addr:    result.Address,
		}
		if !fn(a) {
			stopped = true
			_ = adapter.StopScan()
		}
	})
}
