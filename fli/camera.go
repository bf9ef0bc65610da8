package fli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/nasa-jpl/golab-fli/exposure"
	"github.com/nasa-jpl/golab-fli/util"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Feature is an optional capability of a camera
type Feature int

const (
	// TemperatureControl is a programmable cooler setpoint
	TemperatureControl Feature = iota

	// ProgrammableGain is a settable preamp gain
	ProgrammableGain

	// ProgrammableOverscan is a settable overscan region
	ProgrammableOverscan

	// ProgrammableFan is a fan that can be turned on and off
	ProgrammableFan

	// ProgrammableLEDs is controllable status LEDs
	ProgrammableLEDs

	// ProgrammableBiasLevel is a settable bias offset
	ProgrammableBiasLevel
)

var featureNames = map[Feature]string{
	TemperatureControl:    "TemperatureControl",
	ProgrammableGain:      "ProgrammableGain",
	ProgrammableOverscan:  "ProgrammableOverscan",
	ProgrammableFan:       "ProgrammableFan",
	ProgrammableLEDs:      "ProgrammableLEDs",
	ProgrammableBiasLevel: "ProgrammableBiasLevel",
}

func (f Feature) String() string {
	if s, ok := featureNames[f]; ok {
		return s
	}
	return "Feature(" + strconv.Itoa(int(f)) + ")"
}

var supported = map[Feature]bool{
	TemperatureControl:    true,
	ProgrammableGain:      false,
	ProgrammableOverscan:  false,
	ProgrammableFan:       true,
	ProgrammableLEDs:      true,
	ProgrammableBiasLevel: false,
}

// CCD identifies a sensor on the camera
type CCD int

// CCDImaging is the one imaging sensor of an FLI camera
const CCDImaging CCD = 1 << 1

var (
	binnings = map[string]int{
		"1x1": 0,
		"2x2": 1,
		"3x3": 2,
		"9x9": 9,
	}

	adcs = map[string]int{"12 bits": 0}
)

// ReadoutModeInfo describes the frame produced at one binning
type ReadoutModeInfo struct {
	// Mode is the index of the readout mode
	Mode int `json:"mode"`

	// Binning is the HxV binning string of the mode
	Binning string `json:"binning"`

	// Width is the frame width in binned pixels
	Width int `json:"width"`

	// Height is the frame height in binned pixels
	Height int `json:"height"`

	// PixelWidth is the width of a binned pixel in microns
	PixelWidth float64 `json:"pixelWidth"`

	// PixelHeight is the height of a binned pixel in microns
	PixelHeight float64 `json:"pixelHeight"`
}

// Config holds the tunables of a Camera
type Config struct {
	// CameraModel is written to the FITS header
	CameraModel string `yaml:"CameraModel"`

	// CCDModel is written to the FITS header
	CCDModel string `yaml:"CCDModel"`

	// Filters are the names of the filters in the wheel, in slot order.
	// Empty names the slots by number
	Filters []string `yaml:"Filters"`

	// PollInterval is the wait between time-left queries.  Zero or less uses the default
	PollInterval time.Duration `yaml:"-"`

	// SettleDelay is the wait after a fetch
	SettleDelay time.Duration `yaml:"-"`

	// MinTimeout floors the timeout of short exposures
	MinTimeout time.Duration `yaml:"-"`

	// ThermalPoll is the first interval WaitTemperature waits between reads.
	// Zero or less uses one second
	ThermalPoll time.Duration `yaml:"-"`
}

// DefaultConfig returns the configuration of a PL4240 in a lab
func DefaultConfig() Config {
	return Config{
		CameraModel:  "Finger Lakes Instrumentation PL4240",
		CCDModel:     "E2V CCD42-40",
		PollInterval: exposure.DefaultPollInterval,
		SettleDelay:  exposure.DefaultSettleDelay,
		ThermalPoll:  time.Second,
	}
}

// Camera is an FLI camera and its filter wheel
type Camera struct {
	cfg  Config
	log  *zap.SugaredLogger
	dev  *guarded
	ctl  *exposure.Controller
	info Info

	width, height int
	modes         map[int]ReadoutModeInfo

	wheelMu    sync.Mutex
	wheel      Wheel
	wheelModel string
	filters    *FilterTable

	thermMu  sync.Mutex
	setpoint float64
	fanning  bool

	// opMu guards exposing and cmds.  It is taken before the controller's lock
	opMu     sync.Mutex
	exposing bool
	cmds     int
}

// NewCamera opens the first camera and the first filter wheel found by lib.
// The fan is started and cooling is stopped, since neither can be read back
// from the hardware.  A missing filter wheel is not an error.
func NewCamera(lib Library, cfg Config, log *zap.SugaredLogger) (*Camera, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cams, err := lib.ListCameras()
	if err != nil {
		return nil, errors.Wrap(err, "listing cameras")
	}
	if len(cams) == 0 {
		log.Error("no cameras on the USB bus")
		return nil, ErrNoDevices
	}
	dev, err := lib.OpenCamera(cams[0])
	if err != nil {
		return nil, errors.Wrapf(err, "opening camera %s", cams[0])
	}
	c := &Camera{cfg: cfg, log: log, dev: &guarded{dev: dev}}
	c.ctl = exposure.NewController(c.dev, log)
	if cfg.PollInterval > 0 {
		c.ctl.PollInterval = cfg.PollInterval
	}
	c.ctl.SettleDelay = cfg.SettleDelay
	c.ctl.MinTimeout = cfg.MinTimeout

	if err = c.StartFan(); err != nil {
		return nil, multierr.Append(err, dev.Close())
	}
	if err = c.StopCooling(); err != nil {
		return nil, multierr.Append(err, dev.Close())
	}
	c.info, err = c.dev.Info()
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "reading camera info"), dev.Close())
	}
	c.width, c.height = c.info.VisibleArea.Dx(), c.info.VisibleArea.Dy()
	c.modes = buildModes(c.width, c.height, c.info.PixelSize)
	log.Infow("camera opened", "name", cams[0], "model", c.info.Model, "serial", c.info.Serial,
		"width", c.width, "height", c.height, "binnings", util.IntSliceToCSV(c.binFactors()))

	if err = c.openWheel(lib); err != nil {
		return nil, multierr.Append(err, dev.Close())
	}
	return c, nil
}

func (c *Camera) openWheel(lib Library) error {
	wheels, err := lib.ListWheels()
	if err != nil {
		return errors.Wrap(err, "listing filter wheels")
	}
	if len(wheels) == 0 {
		c.log.Warn("no filter wheel found, filter commands are disabled")
		return nil
	}
	w, err := lib.OpenWheel(wheels[0])
	if err != nil {
		return errors.Wrapf(err, "opening filter wheel %s", wheels[0])
	}
	model, err := w.Model()
	if err != nil {
		return multierr.Append(errors.Wrap(err, "reading filter wheel model"), w.Close())
	}
	n, err := w.FilterCount()
	if err != nil {
		return multierr.Append(errors.Wrap(err, "reading filter count"), w.Close())
	}
	names := c.cfg.Filters
	if len(names) == 0 {
		names = make([]string, n)
		for i := range names {
			names[i] = strconv.Itoa(i)
		}
	} else if len(names) > n {
		c.log.Warnw("more filter names than slots, extra names are unreachable", "names", len(names), "slots", n)
	}
	tbl, err := NewFilterTable(names)
	if err != nil {
		return multierr.Append(err, w.Close())
	}
	c.wheel, c.wheelModel, c.filters = w, model, tbl
	c.log.Infow("filter wheel opened", "name", wheels[0], "model", model, "slots", n)
	return nil
}

// buildModes computes one readout mode per supported binning, indexed in
// the order of increasing binning factor
func buildModes(width, height int, px [2]float64) map[int]ReadoutModeInfo {
	keys := make([]string, 0, len(binnings))
	for k := range binnings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		bi, _ := exposure.ParseBinning(keys[i])
		bj, _ := exposure.ParseBinning(keys[j])
		return bi.H < bj.H
	})
	out := make(map[int]ReadoutModeInfo, len(keys))
	for i, k := range keys {
		b, _ := exposure.ParseBinning(k)
		out[i] = ReadoutModeInfo{
			Mode:        i,
			Binning:     k,
			Width:       width / b.H,
			Height:      height / b.V,
			PixelWidth:  px[0] * float64(b.H),
			PixelHeight: px[1] * float64(b.V),
		}
	}
	return out
}

// binFactors returns the binning factor of each readout mode, in mode order
func (c *Camera) binFactors() []int {
	out := make([]int, len(c.modes))
	for i := range out {
		b, _ := exposure.ParseBinning(c.modes[i].Binning)
		out[i] = b.H
	}
	return out
}

// Supports reports if the camera has a feature
func (c *Camera) Supports(f Feature) bool {
	return supported[f]
}

// Features returns the feature table keyed by feature name
func (c *Camera) Features() map[string]bool {
	out := make(map[string]bool, len(supported))
	for f, ok := range supported {
		out[f.String()] = ok
	}
	return out
}

// CCDs returns the sensors of the camera
func (c *Camera) CCDs() map[CCD]string {
	return map[CCD]string{CCDImaging: "IMAGING"}
}

// CurrentCCD returns the sensor in use
func (c *Camera) CurrentCCD() CCD {
	return CCDImaging
}

// Binnings returns the supported binnings and their codes
func (c *Camera) Binnings() map[string]int {
	out := make(map[string]int, len(binnings))
	for k, v := range binnings {
		out[k] = v
	}
	return out
}

// ADCs returns the analog to digital converters and their codes
func (c *Camera) ADCs() map[string]int {
	out := make(map[string]int, len(adcs))
	for k, v := range adcs {
		out[k] = v
	}
	return out
}

// ReadoutModes returns the readout modes of each sensor
func (c *Camera) ReadoutModes() map[CCD]map[int]ReadoutModeInfo {
	m := make(map[int]ReadoutModeInfo, len(c.modes))
	for k, v := range c.modes {
		m[k] = v
	}
	return map[CCD]map[int]ReadoutModeInfo{CCDImaging: m}
}

// Size returns the unbinned size of the visible area
func (c *Camera) Size() (int, int) {
	return c.width, c.height
}

// Window returns the full frame window, left, top, width, height
func (c *Camera) Window() [4]int {
	return [4]int{0, 0, c.width, c.height}
}

// PixelSize returns the size of an unbinned pixel in microns
func (c *Camera) PixelSize() (float64, float64) {
	return c.info.PixelSize[0], c.info.PixelSize[1]
}

// Line returns the pixel span of one row
func (c *Camera) Line() [2]int {
	return [2]int{0, c.width}
}

// PhysicalSize returns the size of the sensor in pixels
func (c *Camera) PhysicalSize() (int, int) {
	return c.width, c.height
}

// OverscanSize returns the overscan, which is never read out
func (c *Camera) OverscanSize() (int, int) {
	return 0, 0
}

// Info returns the identity and geometry read when the camera was opened
func (c *Camera) Info() Info {
	return c.info
}

// FilterWheelModel returns the model of the wheel, empty if there is none
func (c *Camera) FilterWheelModel() string {
	return c.wheelModel
}

// SetHooks installs notifications on the exposure controller
func (c *Camera) SetHooks(h exposure.Hooks) {
	c.ctl.SetHooks(h)
}

// claim reserves the camera for an exposure or readout.  It fails while
// another exposure runs or a filter or thermal command is in flight
func (c *Camera) claim() (func(), error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.exposing {
		return nil, camera.ErrExposureInProgress
	}
	if c.cmds > 0 {
		return nil, camera.ErrDeviceBusy
	}
	c.exposing = true
	return func() {
		c.opMu.Lock()
		c.exposing = false
		c.opMu.Unlock()
	}, nil
}

// command runs a filter or thermal command unless an exposure holds the camera.
// Commands may overlap each other but not an exposure
func (c *Camera) command(fn func() error) error {
	c.opMu.Lock()
	if c.exposing || c.ctl.Busy() {
		c.opMu.Unlock()
		return camera.ErrExposureInProgress
	}
	c.cmds++
	c.opMu.Unlock()
	defer func() {
		c.opMu.Lock()
		c.cmds--
		c.opMu.Unlock()
	}()
	return fn()
}

// Expose runs one exposure.  Binnings outside the binning table are refused
// before the hardware is touched.
func (c *Camera) Expose(ctx context.Context, req exposure.Request) (*exposure.Session, error) {
	b, err := exposure.ParseBinning(req.Binning)
	if err != nil {
		return nil, err
	}
	if _, ok := binnings[b.HxV()]; !ok {
		return nil, errors.Wrapf(camera.ErrBadBinning, "%s", b.HxV())
	}
	done, err := c.claim()
	if err != nil {
		return nil, err
	}
	defer done()
	return c.ctl.Expose(ctx, req)
}

// Readout fetches the frame of a session
func (c *Camera) Readout(ctx context.Context, sess *exposure.Session) (*exposure.Frame, error) {
	done, err := c.claim()
	if err != nil {
		return nil, err
	}
	defer done()
	return c.ctl.Readout(ctx, sess)
}

// Abort cancels the exposure in flight
func (c *Camera) Abort() {
	c.ctl.Abort()
}

// Busy is true while an exposure or readout is running
func (c *Camera) Busy() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.exposing || c.ctl.Busy()
}

// Last returns the most recent session, or nil
func (c *Camera) Last() *exposure.Session {
	return c.ctl.Last()
}

// Close lets the cooler idle and releases the devices
func (c *Camera) Close() error {
	c.ctl.Abort()
	var err error
	if e := c.dev.SetTemperature(stopSetpoint); e != nil {
		err = multierr.Append(err, errors.Wrap(e, "stopping cooling"))
	}
	err = multierr.Append(err, c.dev.Close())
	if c.wheel != nil {
		c.wheelMu.Lock()
		err = multierr.Append(err, c.wheel.Close())
		c.wheelMu.Unlock()
	}
	return err
}

// CollectHeaderMetadata produces the FITS cards describing the instrument
func (c *Camera) CollectHeaderMetadata() []fitsio.Card {
	c.thermMu.Lock()
	sp, fan := c.setpoint, c.fanning
	c.thermMu.Unlock()
	cards := []fitsio.Card{
		{Name: "INSTRUME", Value: c.cfg.CameraModel, Comment: "camera model"},
		{Name: "CCD", Value: c.cfg.CCDModel, Comment: "sensor model"},
		{Name: "CAMMODEL", Value: c.info.Model, Comment: "model reported by the camera"},
		{Name: "SERIALN", Value: c.info.Serial, Comment: "camera serial number"},
		{Name: "HWREV", Value: c.info.HardwareRev, Comment: "camera hardware revision"},
		{Name: "FWREV", Value: c.info.FirmwareRev, Comment: "camera firmware revision"},
		{Name: "PIXELW", Value: c.info.PixelSize[0], Comment: "unbinned pixel width, microns"},
		{Name: "PIXELH", Value: c.info.PixelSize[1], Comment: "unbinned pixel height, microns"},
		{Name: "SETPOINT", Value: sp, Comment: "cooler setpoint (Celsius)"},
		{Name: "FAN", Value: fan, Comment: "camera fan on"},
	}
	if c.wheel != nil {
		// a failed read leaves the card out
		if f, err := c.currentFilter(); err == nil {
			cards = append(cards, fitsio.Card{Name: "FILTER", Value: f, Comment: "filter in the beam"})
		}
		cards = append(cards, fitsio.Card{Name: "FWMODEL", Value: c.wheelModel, Comment: "filter wheel model"})
	}
	return cards
}

func (c *Camera) String() string {
	return fmt.Sprintf("%s %s (%dx%d)", c.info.Model, c.info.Serial, c.width, c.height)
}
