/*Package camera describes the types and interfaces shared by the FLI driver,
the exposure controller, and the HTTP layer.

AOI and Binning describe the geometry of a readout, FrameType the kind of
exposure pushed to the hardware, and the interfaces below carve the driver up
by capability so the HTTP wrappers can bind only what a device supports.

*/
package camera

import (
	"fmt"
	"net/http"
	"time"

	"github.com/astrogo/fitsio"
)

// AOI describes an area of interest on the camera
type AOI struct {
	// Left is the left pixel index.  0-based, in binned pixels
	Left int `json:"left" yaml:"Left"`

	// Top is the top pixel index.  0-based, in binned pixels
	Top int `json:"top" yaml:"Top"`

	// Width is the width in pixels
	Width int `json:"width" yaml:"Width"`

	// Height is the height in pixels
	Height int `json:"height" yaml:"Height"`
}

// Empty is true if the AOI has no area, which callers treat as "full frame"
func (a AOI) Empty() bool {
	return a.Width <= 0 || a.Height <= 0
}

// Binning encapsulates information about pixel addition on camera
type Binning struct {
	// H is the horizontal binning factor
	H int `json:"h"`

	// V is the vertical binning factor
	V int `json:"v"`
}

// HxV returns the binning formatted as HxV, e.g. 2x2
func (b Binning) HxV() string {
	return fmt.Sprintf("%dx%d", b.H, b.V)
}

// FrameType is the kind of frame the sensor is exposed for
type FrameType int

const (
	// FrameNormal opens the shutter during the exposure
	FrameNormal FrameType = iota

	// FrameDark keeps the shutter closed; used for darks and biases
	FrameDark
)

func (f FrameType) String() string {
	if f == FrameDark {
		return "dark"
	}
	return "normal"
}

// Error is a driver state error that knows which HTTP status it maps to
type Error struct {
	msg    string
	status int
}

func (e Error) Error() string {
	return e.msg
}

// StatusCode returns the HTTP status the error corresponds to
func (e Error) StatusCode() int {
	return e.status
}

var (
	// ErrExposureInProgress is generated when the hardware is held by an exposure
	ErrExposureInProgress = Error{"camera: exposure in progress", http.StatusLocked}

	// ErrAborted is generated when a readout is requested for an aborted exposure
	ErrAborted = Error{"camera: exposure was aborted, there is no frame to read out", http.StatusConflict}

	// ErrStaleSession is generated when a readout is requested for a session that
	// was already read out or has been superseded by a newer exposure
	ErrStaleSession = Error{"camera: session was already read out or is not the latest", http.StatusConflict}

	// ErrDeviceBusy is generated when an exposure is requested while a filter
	// or thermal command is running
	ErrDeviceBusy = Error{"camera: a filter or thermal command is in progress", http.StatusLocked}

	// ErrBadBinning is generated when a binning string cannot be understood or is not supported
	ErrBadBinning = Error{"camera: binning not understood or not supported", http.StatusBadRequest}

	// ErrBadExposureTime is generated when a negative exposure time is requested
	ErrBadExposureTime = Error{"camera: exposure time must be zero or positive", http.StatusBadRequest}

	// ErrUnknownFilter is generated when a filter name is not in the filter table
	ErrUnknownFilter = Error{"camera: filter name not in filter table", http.StatusBadRequest}

	// ErrNoFilterWheel is generated when filter commands are issued with no wheel attached
	ErrNoFilterWheel = Error{"camera: no filter wheel attached", http.StatusNotFound}
)

// ThermalManager describes an interface to a camera which can manage its thermal performance
type ThermalManager interface {
	// StartCooling sets the temperature setpoint in Celsius and begins regulation
	StartCooling(float64) error

	// StopCooling raises the setpoint to ambient so the cooler idles
	StopCooling() error

	// IsCooling queries if focal plane cooling is currently active
	IsCooling() (bool, error)

	// GetTemperature gets the current focal plane temperature in Celsius
	GetTemperature() (float64, error)

	// GetSetpoint gets the temperature setpoint in Celsius
	GetSetpoint() (float64, error)

	// GetCoolerPower gets the power drawn by the cooler, in watts
	GetCoolerPower() (float64, error)
}

// Fanner can turn a fan on and off
type Fanner interface {
	StartFan() error
	StopFan() error
	IsFanning() (bool, error)
}

// FilterWheel describes a wheel addressed by filter name
type FilterWheel interface {
	// SetFilter moves the wheel to the named filter
	SetFilter(string) error

	// GetFilter returns the name of the filter in the beam
	GetFilter() (string, error)

	// Filters returns the filter names in slot order
	Filters() []string
}

// MetadataMaker can produce an array of FITS cards
type MetadataMaker interface {
	// CollectHeaderMetadata produces an array of FITS cards
	CollectHeaderMetadata() []fitsio.Card
}

// Clock returns the current time.  It is swapped out in tests
type Clock func() time.Time
