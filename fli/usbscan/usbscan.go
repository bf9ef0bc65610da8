// Package usbscan lists FLI devices on the USB bus without opening them through libfli
package usbscan

import (
	"fmt"

	"github.com/google/gousb"
	"go.uber.org/multierr"
)

// VendorID is the USB vendor ID of Finger Lakes Instrumentation
const VendorID = 0x0f18

// USB product IDs of FLI devices
const (
	ProductCamera      = 0x0002
	ProductFocuser     = 0x0006
	ProductFilterWheel = 0x0007
	ProductProLine     = 0x000a
)

// USBDevice describes an FLI device on the bus
type USBDevice struct {
	Bus     int    `json:"bus"`
	Address int    `json:"address"`
	VID     uint16 `json:"vid"`
	PID     uint16 `json:"pid"`
	Kind    string `json:"kind"`
	Serial  string `json:"serial"`
	Product string `json:"product"`
}

func (d USBDevice) String() string {
	return fmt.Sprintf("bus %03d addr %03d %04x:%04x %-12s %s %s", d.Bus, d.Address, d.VID, d.PID, d.Kind, d.Product, d.Serial)
}

func kindOf(pid gousb.ID) string {
	switch pid {
	case ProductCamera, ProductProLine:
		return "camera"
	case ProductFilterWheel:
		return "filterwheel"
	case ProductFocuser:
		return "focuser"
	default:
		return "unknown"
	}
}

// ScanUSB lists the FLI devices on the bus.  It does not claim them, so it
// is safe to call while libfli holds a device open.  Devices whose strings
// cannot be read are still listed
func ScanUSB() ([]USBDevice, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID
	})
	// OpenDevices returns what it could open along with the first error
	out := make([]USBDevice, 0, len(devs))
	for _, d := range devs {
		u := USBDevice{
			Bus:     d.Desc.Bus,
			Address: d.Desc.Address,
			VID:     uint16(d.Desc.Vendor),
			PID:     uint16(d.Desc.Product),
			Kind:    kindOf(d.Desc.Product),
		}
		u.Serial, _ = d.SerialNumber()
		u.Product, _ = d.Product()
		out = append(out, u)
		err = multierr.Append(err, d.Close())
	}
	return out, err
}
