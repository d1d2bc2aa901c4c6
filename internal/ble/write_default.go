//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

func write(char bluetooth.DeviceCharacteristic, frame []byte, noRsp bool) error {
	if noRsp {
		_, err := char.WriteWithoutResponse(frame)
		return err
	}

	_, err := char.Write(frame)
	return err
}
