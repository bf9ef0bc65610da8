package usbscan

import (
	"strings"
	"testing"

	"github.com/google/gousb"
)

func TestKindOf(t *testing.T) {
	for pid, expected := range map[uint16]string{
		ProductCamera:      "camera",
		ProductProLine:     "camera",
		ProductFilterWheel: "filterwheel",
		ProductFocuser:     "focuser",
		0x0100:             "unknown",
	} {
		if got := kindOf(gousb.ID(pid)); got != expected {
			t.Errorf("%04x: expected %s got %s", pid, expected, got)
		}
	}
}

func TestUSBDeviceString(t *testing.T) {
	d := USBDevice{Bus: 1, Address: 7, VID: VendorID, PID: ProductCamera, Kind: "camera", Product: "FLI USB Camera", Serial: "ML0123"}
	s := d.String()
	if !strings.Contains(s, "0f18:0002") || !strings.Contains(s, "ML0123") {
		t.Errorf("unexpected description %q", s)
	}
}
