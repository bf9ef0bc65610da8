package exposure

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/pkg/errors"
	"github.com/snksoft/crc"
)

// FrameMetadata describes the conditions a frame was exposed under.
// It reflects the start of the exposure, not the readout.
type FrameMetadata struct {
	// StartTime is the UTC time the exposure started
	StartTime time.Time `json:"frameStartTime"`

	// Temperature is the sensor temperature at the start of the exposure, Celsius
	Temperature float64 `json:"frameTemperature"`

	// Binning is the effective binning of the frame
	Binning camera.Binning `json:"binning"`
}

// ReadoutMode is the binning and window a frame is read out with
type ReadoutMode struct {
	Binning camera.Binning `json:"binning"`

	// Window is in binned pixels.  Empty means the full frame
	Window camera.AOI `json:"window"`
}

// ModeFor computes the readout mode of a request
func ModeFor(req Request) (ReadoutMode, error) {
	bin, err := ParseBinning(req.Binning)
	if err != nil {
		return ReadoutMode{}, err
	}
	return ReadoutMode{Binning: bin, Window: req.Window}, nil
}

// Clamp restricts the window to the bounds of a frame.  An empty window
// becomes the whole frame.
func (m ReadoutMode) Clamp(bounds image.Rectangle) ReadoutMode {
	if m.Window.Empty() {
		m.Window = camera.AOI{Width: bounds.Dx(), Height: bounds.Dy()}
		return m
	}
	r := image.Rect(m.Window.Left, m.Window.Top, m.Window.Left+m.Window.Width, m.Window.Top+m.Window.Height)
	r = r.Add(bounds.Min).Intersect(bounds).Sub(bounds.Min)
	m.Window = camera.AOI{Left: r.Min.X, Top: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
	return m
}

// Frame is a read out image and what is known about it
type Frame struct {
	// Image holds the pixels, origin at (0,0)
	Image *image.Gray16

	// Meta is the metadata captured at the start of the exposure
	Meta FrameMetadata

	// Mode is the effective readout mode
	Mode ReadoutMode

	// Request is the request the frame was exposed for
	Request Request
}

// Cards produces the FITS header cards describing the frame
func (f *Frame) Cards() []fitsio.Card {
	sum := crc.CalculateCRC(crc.CRC32, f.Image.Pix)
	return []fitsio.Card{
		{Name: "DATE-OBS", Value: f.Meta.StartTime.Format("2006-01-02T15:04:05.000"), Comment: "UTC start of exposure"},
		{Name: "EXPTIME", Value: f.Request.Seconds(), Comment: "exposure time, seconds"},
		{Name: "IMAGETYP", Value: f.Request.Type, Comment: "frame type"},
		{Name: "CCD-TEMP", Value: f.Meta.Temperature, Comment: "sensor temperature at exposure start (Celsius)"},
		{Name: "XBINNING", Value: f.Meta.Binning.H, Comment: "horizontal binning factor"},
		{Name: "YBINNING", Value: f.Meta.Binning.V, Comment: "vertical binning factor"},
		{Name: "AOIL", Value: f.Mode.Window.Left, Comment: "0-based left pixel of the window, binned"},
		{Name: "AOIT", Value: f.Mode.Window.Top, Comment: "0-based top pixel of the window, binned"},
		{Name: "AOIW", Value: f.Mode.Window.Width, Comment: "window width, px"},
		{Name: "AOIH", Value: f.Mode.Window.Height, Comment: "window height, px"},
		{Name: "PIXCRC", Value: fmt.Sprintf("%08x", sum), Comment: "CRC-32 of the big endian pixel data"},
	}
}

// Readout fetches the frame of a completed session.  Aborted sessions are
// not read out and return camera.ErrAborted without touching the hardware.
// Only the latest session can be read out, and only once; anything else is
// camera.ErrStaleSession, since the hardware holds only the latest frame.
//
// A fetch error is fatal to the readout; no partial frame is returned.
// After the fetch, the controller stays busy for SettleDelay so the camera
// can recover before the next command.  ctx does not interrupt a readout:
// the fetch cannot be cancelled and the settle delay is always served.
func (c *Controller) Readout(ctx context.Context, sess *Session) (*Frame, error) {
	if sess == nil || sess.Status != StatusOK {
		return nil, camera.ErrAborted
	}
	mode, err := ModeFor(sess.Request)
	if err != nil {
		return nil, err
	}
	if err = c.acquireReadout(sess); err != nil {
		return nil, err
	}
	defer c.release()

	hooks := c.hooks()
	if hooks.ReadoutBegin != nil {
		hooks.ReadoutBegin(sess.Request)
	}
	img, err := c.Adapter.FetchImage()
	c.log().Debugw("letting the camera settle", "delay", c.SettleDelay)
	time.Sleep(c.SettleDelay)
	if err != nil {
		return nil, errors.Wrap(err, "fetching image")
	}

	mode = mode.Clamp(img.Bounds())
	if mode.Window.Empty() {
		return nil, errors.Errorf("window %+v lies outside the %dx%d frame", sess.Request.Window, img.Bounds().Dx(), img.Bounds().Dy())
	}
	frame := &Frame{
		Image:   crop(img, mode.Window),
		Meta:    sess.Metadata(),
		Mode:    mode,
		Request: sess.Request,
	}
	if hooks.ReadoutComplete != nil {
		hooks.ReadoutComplete(frame, StatusOK)
	}
	return frame, nil
}

// acquireReadout marks the controller busy for a readout of sess
func (c *Controller) acquireReadout(sess *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return camera.ErrExposureInProgress
	}
	if sess != c.last || sess.readOut {
		return camera.ErrStaleSession
	}
	sess.readOut = true
	c.busy = true
	return nil
}

// crop copies the window out of img into a new image with its origin at (0,0)
func crop(img *image.Gray16, win camera.AOI) *image.Gray16 {
	b := img.Bounds()
	if win.Left == 0 && win.Top == 0 && win.Width == b.Dx() && win.Height == b.Dy() && b.Min == image.ZP {
		return img
	}
	out := image.NewGray16(image.Rect(0, 0, win.Width, win.Height))
	for row := 0; row < win.Height; row++ {
		src := img.PixOffset(b.Min.X+win.Left, b.Min.Y+win.Top+row)
		dst := out.PixOffset(0, row)
		copy(out.Pix[dst:dst+2*win.Width], img.Pix[src:src+2*win.Width])
	}
	return out
}
