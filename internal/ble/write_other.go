//go:build !darwin && !windows

package ble

import (
	"time"

	"tinygo.org/x/bluetooth"
)

// Only unacknowledged writes exist here, and BlueZ drops them when they arrive
// back to back.
func write(char bluetooth.DeviceCharacteristic, frame []byte, _ bool) error {
	_, err := char.WriteWithoutResponse(frame)
	time.Sleep(5 * time.Millisecond)
	return err
}
