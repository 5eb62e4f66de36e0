package modbus

import "minefleet/internal/data"

// Device binds a site device to the link used to reach it.
type Device struct {
	data.Device
	Target Target
}

// Index maps devices by id.
func Index(devices []Device) map[int]Device {
	out := make(map[int]Device, len(devices))
	for _, d := range devices {
		out[d.ID] = d
	}
	return out
}
