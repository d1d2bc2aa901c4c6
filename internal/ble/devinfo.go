package ble

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"tinygo.org/x/bluetooth"
)

var deviceInfoUUID = lo.Must(bluetooth.ParseUUID("0000180a-0000-1000-8000-00805f9b34fb"))

// DeviceInformation holds the Device Information Service values. Missing
// characteristics stay empty.
type DeviceInformation struct {
	SystemID         string
	ModelNumber      string
	SerialNumber     string
	FirmwareRevision string
	HardwareRevision string
	SoftwareRevision string
	ManufacturerName string
}

type infoField struct {
	uuid     bluetooth.UUID
	name     string
	readable bool
	set      func(*DeviceInformation, string)
}

var infoFields = []infoField{
	{lo.Must(bluetooth.ParseUUID("00002a23-0000-1000-8000-00805f9b34fb")), "System ID", false, func(d *DeviceInformation, v string) { d.SystemID = v }},
	{lo.Must(bluetooth.ParseUUID("00002a24-0000-1000-8000-00805f9b34fb")), "Model Number", true, func(d *DeviceInformation, v string) { d.ModelNumber = v }},
	{lo.Must(bluetooth.ParseUUID("00002a25-0000-1000-8000-00805f9b34fb")), "Serial Number", true, func(d *DeviceInformation, v string) { d.SerialNumber = v }},
	{lo.Must(bluetooth.ParseUUID("00002a26-0000-1000-8000-00805f9b34fb")), "Firmware Revision", true, func(d *DeviceInformation, v string) { d.FirmwareRevision = v }},
	{lo.Must(bluetooth.ParseUUID("00002a27-0000-1000-8000-00805f9b34fb")), "Hardware Revision", true, func(d *DeviceInformation, v string) { d.HardwareRevision = v }},
	{lo.Must(bluetooth.ParseUUID("00002a28-0000-1000-8000-00805f9b34fb")), "Software Revision", true, func(d *DeviceInformation, v string) { d.SoftwareRevision = v }},
	{lo.Must(bluetooth.ParseUUID("00002a29-0000-1000-8000-00805f9b34fb")), "Manufacturer Name", true, func(d *DeviceInformation, v string) { d.ManufacturerName = v }},
}

// Fields returns label/value pairs in service order, skipping empty values.
func (d *DeviceInformation) Fields() [][2]string {
	values := []string{
		d.SystemID, d.ModelNumber, d.SerialNumber, d.FirmwareRevision,
		d.HardwareRevision, d.SoftwareRevision, d.ManufacturerName,
	}

	var out [][2]string
	for i, f := range infoFields {
		if values[i] != "" {
			out = append(out, [2]string{f.name, values[i]})
		}
	}
	return out
}

// decodeValue renders a characteristic value. Binary values are shown as
// hex.
func decodeValue(raw []byte, readable bool) string {
	if !readable {
		return strings.ToUpper(hex.EncodeToString(raw))
	}
	return strings.TrimRight(string(raw), "\x00")
}

func readDeviceInformation(device bluetooth.Device) (*DeviceInformation, error) {
	svcs, err := device.DiscoverServices([]bluetooth.UUID{deviceInfoUUID})
	if err != nil {
		return nil, fmt.Errorf("discover device information: %w", err)
	}
	if len(svcs) != 1 {
		return nil, fmt.Errorf("device information service not found")
	}

	uuids := lo.Map(infoFields, func(f infoField, _ int) bluetooth.UUID {
		return f.uuid
	})
	chars, err := svcs[0].DiscoverCharacteristics(uuids)
	if err != nil {
		return nil, fmt.Errorf("discover device information: %w", err)
	}

	info := &DeviceInformation{}
	buf := make([]byte, 512)
	for _, char := range chars {
		field, ok := lo.Find(infoFields, func(f infoField) bool {
			return f.uuid == char.UUID()
		})
		if !ok {
			continue
		}

		n, err := char.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", field.name, err)
		}
		field.set(info, decodeValue(buf[:n], field.readable))
	}

	return info, nil
}
