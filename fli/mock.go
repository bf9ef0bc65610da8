package fli

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/nasa-jpl/golab-fli/camera"
)

const (
	mockAmbient = 20.

	// mockStep is how far the simulated sensor moves toward the setpoint per read, Celsius
	mockStep = 5.

	// mockBias is the bias level of simulated frames, DN
	mockBias = 1000
)

// MockCamera is a simulated camera.  The exposure counts down against the
// clock and the sensor walks toward the setpoint each time it is read.
type MockCamera struct {
	sync.Mutex

	// Width and Height are the unbinned size of the sensor
	Width, Height int

	// Now is the clock of the countdown.  Nil uses time.Now
	Now camera.Clock

	// Fail holds errors to be returned by the named call, e.g. "FetchImage"
	Fail map[string]error

	temp     float64
	setpoint float64
	fan      bool
	hbin     int
	vbin     int
	flushes  int
	exptime  time.Duration
	ftype    camera.FrameType
	started  time.Time
	exposing bool
	closed   bool
	frames   int
}

// NewMockCamera returns a simulated camera of a given size at ambient temperature
func NewMockCamera(w, h int) *MockCamera {
	return &MockCamera{Width: w, Height: h, temp: mockAmbient, setpoint: mockAmbient, hbin: 1, vbin: 1}
}

func (m *MockCamera) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// check is called with the lock held
func (m *MockCamera) check(call string) error {
	if m.closed {
		return ErrClosed
	}
	if err, ok := m.Fail[call]; ok {
		return err
	}
	return nil
}

// Info returns made up identity and the size of the sensor
func (m *MockCamera) Info() (Info, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check("Info"); err != nil {
		return Info{}, err
	}
	return Info{
		Model:       "MicroLine ML4240 (simulated)",
		Serial:      "ML0000000",
		HardwareRev: 256,
		FirmwareRev: 512,
		PixelSize:   [2]float64{13.5, 13.5},
		ArrayArea:   image.Rect(0, 0, m.Width+32, m.Height),
		VisibleArea: image.Rect(0, 0, m.Width, m.Height),
	}, nil
}

// SetTemperature sets the setpoint
func (m *MockCamera) SetTemperature(t float64) error {
	m.Lock()
	defer m.Unlock()
	if err := m.check("SetTemperature"); err != nil {
		return err
	}
	m.setpoint = t
	return nil
}

// GetTemperature moves the sensor one step toward the setpoint and returns it
func (m *MockCamera) GetTemperature() (float64, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check("GetTemperature"); err != nil {
		return 0, err
	}
	target := m.setpoint
	if target > mockAmbient {
		target = mockAmbient
	}
	switch {
	case m.temp-target > mockStep:
		m.temp -= mockStep
	case target-m.temp > mockStep:
		m.temp += mockStep
	default:
		m.temp = target
	}
	return m.temp, nil
}

// GetCoolerPower is proportional to how far the setpoint is below ambient
func (m *MockCamera) GetCoolerPower() (float64, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check("GetCoolerPower"); err != nil {
		return 0, err
	}
	if m.setpoint >= mockAmbient {
		return 0, nil
	}
	p := (mockAmbient - m.setpoint) * 0.5
	if p > 20 {
		p = 20
	}
	return p, nil
}

// SetFan turns the fan on or off
func (m *MockCamera) SetFan(on bool) error {
	m.Lock()
	defer m.Unlock()
	if err := m.check("SetFan"); err != nil {
		return err
	}
	m.fan = on
	return nil
}

// Fan returns the fan state
func (m *MockCamera) Fan() bool {
	m.Lock()
	defer m.Unlock()
	return m.fan
}

// Setpoint returns the setpoint last sent to the camera
func (m *MockCamera) Setpoint() float64 {
	m.Lock()
	defer m.Unlock()
	return m.setpoint
}

// SetFlushes sets the number of flushes before an exposure
func (m *MockCamera) SetFlushes(n int) error {
	m.Lock()
	defer m.Unlock()
	if err := m.check("SetFlushes"); err != nil {
		return err
	}
	m.flushes = n
	return nil
}

// SetBinning sets the binning of the next frame
func (m *MockCamera) SetBinning(h, v int) error {
	m.Lock()
	defer m.Unlock()
	if err := m.check("SetBinning"); err != nil {
		return err
	}
	if h < 1 || v < 1 {
		return Error{Call: "SetBinning", Code: -22}
	}
	m.hbin, m.vbin = h, v
	return nil
}

// Binning returns the binning last set
func (m *MockCamera) Binning() (int, int) {
	m.Lock()
	defer m.Unlock()
	return m.hbin, m.vbin
}

// SetExposure sets the exposure time and frame type of the next frame
func (m *MockCamera) SetExposure(d time.Duration, ft camera.FrameType) error {
	m.Lock()
	defer m.Unlock()
	if err := m.check("SetExposure"); err != nil {
		return err
	}
	m.exptime, m.ftype = d, ft
	return nil
}

// StartExposure starts the countdown
func (m *MockCamera) StartExposure() error {
	m.Lock()
	defer m.Unlock()
	if err := m.check("StartExposure"); err != nil {
		return err
	}
	m.started = m.now()
	m.exposing = true
	return nil
}

// TimeLeft returns the time remaining in the exposure, zero if none is running
func (m *MockCamera) TimeLeft() (time.Duration, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check("TimeLeft"); err != nil {
		return 0, err
	}
	if !m.exposing {
		return 0, nil
	}
	left := m.exptime - m.now().Sub(m.started)
	if left <= 0 {
		m.exposing = false
		return 0, nil
	}
	return left, nil
}

// CancelExposure stops the countdown
func (m *MockCamera) CancelExposure() error {
	m.Lock()
	defer m.Unlock()
	if err := m.check("CancelExposure"); err != nil {
		return err
	}
	m.exposing = false
	return nil
}

// Exposing is true while the countdown runs
func (m *MockCamera) Exposing() bool {
	m.Lock()
	defer m.Unlock()
	return m.exposing
}

// FetchImage returns a binned frame of bias plus a gradient that scales
// with exposure time.  Dark frames are bias only
func (m *MockCamera) FetchImage() (*image.Gray16, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check("FetchImage"); err != nil {
		return nil, err
	}
	w, h := m.Width/m.hbin, m.Height/m.vbin
	img := image.NewGray16(image.Rect(0, 0, w, h))
	secs := int(m.exptime / time.Second)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := mockBias
			if m.ftype == camera.FrameNormal {
				v += (x + y) * secs
			}
			if v > 65535 {
				v = 65535
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	m.frames++
	return img, nil
}

// Frames is the number of frames fetched
func (m *MockCamera) Frames() int {
	m.Lock()
	defer m.Unlock()
	return m.frames
}

// Close closes the camera.  Further calls return ErrClosed
func (m *MockCamera) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// MockWheel is a simulated filter wheel
type MockWheel struct {
	mu sync.Mutex

	// Slots is the number of filter positions
	Slots int

	// MoveTime is how long a move blocks
	MoveTime time.Duration

	pos      int
	inflight int
	maxIn    int
	moves    int
	closed   bool
}

// NewMockWheel returns a wheel with n slots at slot 0
func NewMockWheel(n int) *MockWheel {
	return &MockWheel{Slots: n}
}

// GetFilterPos returns the current slot
func (w *MockWheel) GetFilterPos() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	return w.pos, nil
}

// SetFilterPos moves to a slot, taking MoveTime to do so
func (w *MockWheel) SetFilterPos(slot int) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if slot < 0 || slot >= w.Slots {
		w.mu.Unlock()
		return Error{Call: "SetFilterPos", Code: -22}
	}
	w.inflight++
	if w.inflight > w.maxIn {
		w.maxIn = w.inflight
	}
	w.mu.Unlock()

	time.Sleep(w.MoveTime)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pos = slot
	w.moves++
	w.inflight--
	return nil
}

// FilterCount returns the number of slots
func (w *MockWheel) FilterCount() (int, error) {
	return w.Slots, nil
}

// Model returns the model of the wheel
func (w *MockWheel) Model() (string, error) {
	return fmt.Sprintf("CFW-1-%d (simulated)", w.Slots), nil
}

// Close closes the wheel
func (w *MockWheel) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// MaxConcurrentMoves is the largest number of moves that were ever in flight at once
func (w *MockWheel) MaxConcurrentMoves() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxIn
}

// Moving is true while a move is in flight
func (w *MockWheel) Moving() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight > 0
}

// Moves is the number of completed moves
func (w *MockWheel) Moves() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.moves
}

// MockLibrary lists and opens simulated devices
type MockLibrary struct {
	Cameras []*MockCamera
	Wheels  []*MockWheel
}

// NewMockLibrary returns a library with one camera and, if slots > 0, one wheel
func NewMockLibrary(w, h, slots int) *MockLibrary {
	lib := &MockLibrary{Cameras: []*MockCamera{NewMockCamera(w, h)}}
	if slots > 0 {
		lib.Wheels = []*MockWheel{NewMockWheel(slots)}
	}
	return lib
}

func mockName(kind string, i int) string {
	return fmt.Sprintf("/dev/fli%s%d", kind, i)
}

// ListCameras returns names of the form /dev/flicam0
func (l *MockLibrary) ListCameras() ([]string, error) {
	out := make([]string, len(l.Cameras))
	for i := range l.Cameras {
		out[i] = mockName("cam", i)
	}
	return out, nil
}

// ListWheels returns names of the form /dev/flifw0
func (l *MockLibrary) ListWheels() ([]string, error) {
	out := make([]string, len(l.Wheels))
	for i := range l.Wheels {
		out[i] = mockName("fw", i)
	}
	return out, nil
}

// OpenCamera opens a simulated camera by name
func (l *MockLibrary) OpenCamera(name string) (Device, error) {
	for i, c := range l.Cameras {
		if mockName("cam", i) == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("fli: no camera named %s", name)
}

// OpenWheel opens a simulated wheel by name
func (l *MockLibrary) OpenWheel(name string) (Wheel, error) {
	for i, w := range l.Wheels {
		if mockName("fw", i) == name {
			return w, nil
		}
	}
	return nil, fmt.Errorf("fli: no filter wheel named %s", name)
}
