/*Package fli exposes control of Finger Lakes Instrumentation CCD cameras and
filter wheels in Go.

The hardware itself is reached through the vendor library, libfli, which is
bound with cgo when building with the libfli tag.  Without the tag only the
simulated devices in this package are available, which is how the tests and
the server's Mock mode run.

We do not support multiple cameras on one PC; the first camera and the first
filter wheel found are used.  A basic session looks like:

	lib, err := fli.NewLibrary() // or fli.NewMockLibrary(2048, 2048, 5)
	cam, err := fli.NewCamera(lib, fli.DefaultConfig(), log)
	if err != nil {
		// no camera on the bus, or it did not answer
	}
	defer cam.Close()

	cam.StartCooling(-20)
	sess, err := cam.Expose(ctx, exposure.Request{ExposureTime: 10, Binning: "2x2"})
	frame, err := cam.Readout(ctx, sess)

*/
package fli

import (
	"errors"
	"fmt"
	"image"

	"github.com/nasa-jpl/golab-fli/exposure"
)

var (
	// ErrNoDevices is generated when enumeration finds no camera
	ErrNoDevices = errors.New("fli: no devices on the USB bus")

	// ErrClosed is generated when a closed device is used
	ErrClosed = errors.New("fli: device is closed")
)

// Error is an error code returned by libfli.  The library returns negated errno values
type Error struct {
	// Call is the libfli function that failed
	Call string

	// Code is the (negative) return value
	Code int
}

func (e Error) Error() string {
	return fmt.Sprintf("fli: %s returned %d", e.Call, e.Code)
}

// Info describes a camera
type Info struct {
	// Model is the camera model string
	Model string `json:"model"`

	// Serial is the serial number string
	Serial string `json:"serial"`

	// HardwareRev is the hardware revision
	HardwareRev int `json:"hardwareRev"`

	// FirmwareRev is the firmware revision
	FirmwareRev int `json:"firmwareRev"`

	// PixelSize is the (width, height) of a pixel in microns
	PixelSize [2]float64 `json:"pixelSize"`

	// ArrayArea is the total area of the sensor, including overscan
	ArrayArea image.Rectangle `json:"arrayArea"`

	// VisibleArea is the area of the sensor which is exposed to light
	VisibleArea image.Rectangle `json:"visibleArea"`
}

// Device is an FLI camera.  Calls block and are not safe for concurrent use;
// Camera serializes them.
type Device interface {
	exposure.Adapter

	// Info reads the identity and geometry of the camera
	Info() (Info, error)

	// SetTemperature sets the cooler setpoint in Celsius
	SetTemperature(float64) error

	// GetCoolerPower returns the power drawn by the cooler in watts
	GetCoolerPower() (float64, error)

	// SetFan turns the fan on or off
	SetFan(bool) error

	// Close releases the device handle
	Close() error
}

// Wheel is an FLI filter wheel, addressed by 0-based slot index
type Wheel interface {
	GetFilterPos() (int, error)
	SetFilterPos(int) error
	FilterCount() (int, error)
	Model() (string, error)
	Close() error
}

// Library enumerates and opens devices
type Library interface {
	// ListCameras returns the names of the cameras found
	ListCameras() ([]string, error)

	// ListWheels returns the names of the filter wheels found
	ListWheels() ([]string, error)

	// OpenCamera opens a camera by name
	OpenCamera(string) (Device, error)

	// OpenWheel opens a filter wheel by name
	OpenWheel(string) (Wheel, error)
}
