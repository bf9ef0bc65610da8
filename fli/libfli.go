//go:build libfli
// +build libfli

package fli

/*
#cgo CFLAGS: -I/usr/local/include
#cgo LDFLAGS: -L/usr/local/lib -lfli -lm
#include <stdlib.h>
#include <libfli.h>
*/
import "C"
import (
	"image"
	"strings"
	"time"
	"unsafe"

	"github.com/nasa-jpl/golab-fli/camera"
)

const strlen = 64

func check(call string, code C.long) error {
	if code != 0 {
		return Error{Call: call, Code: int(code)}
	}
	return nil
}

type lib struct{}

// NewLibrary returns the libfli library
func NewLibrary() (Library, error) {
	return lib{}, nil
}

func list(domain C.flidomain_t) ([]string, error) {
	var names **C.char
	if err := check("FLIList", C.FLIList(domain, &names)); err != nil {
		return nil, err
	}
	if names == nil {
		return nil, nil
	}
	defer C.FLIFreeList(names)
	var out []string
	arr := (*[1 << 16]*C.char)(unsafe.Pointer(names))
	for i := 0; arr[i] != nil; i++ {
		// entries are "filename;model"
		s := C.GoString(arr[i])
		if idx := strings.IndexByte(s, ';'); idx >= 0 {
			s = s[:idx]
		}
		out = append(out, s)
	}
	return out, nil
}

func open(name string, domain C.flidomain_t) (C.flidev_t, error) {
	var dev C.flidev_t
	cstr := C.CString(name)
	defer C.free(unsafe.Pointer(cstr))
	return dev, check("FLIOpen", C.FLIOpen(&dev, cstr, domain))
}

func (lib) ListCameras() ([]string, error) {
	return list(C.FLIDOMAIN_USB | C.FLIDEVICE_CAMERA)
}

func (lib) ListWheels() ([]string, error) {
	return list(C.FLIDOMAIN_USB | C.FLIDEVICE_FILTERWHEEL)
}

func (lib) OpenCamera(name string) (Device, error) {
	dev, err := open(name, C.FLIDOMAIN_USB|C.FLIDEVICE_CAMERA)
	if err != nil {
		return nil, err
	}
	return &fliCamera{dev: dev, hbin: 1, vbin: 1}, nil
}

func (lib) OpenWheel(name string) (Wheel, error) {
	dev, err := open(name, C.FLIDOMAIN_USB|C.FLIDEVICE_FILTERWHEEL)
	if err != nil {
		return nil, err
	}
	return &fliWheel{dev: dev}, nil
}

func model(dev C.flidev_t) (string, error) {
	buf := (*C.char)(C.malloc(strlen))
	defer C.free(unsafe.Pointer(buf))
	if err := check("FLIGetModel", C.FLIGetModel(dev, buf, strlen)); err != nil {
		return "", err
	}
	return C.GoString(buf), nil
}

// fliCamera is a camera opened through libfli
type fliCamera struct {
	dev        C.flidev_t
	hbin, vbin int
	w, h       int
}

func area(call string, f func(*C.long, *C.long, *C.long, *C.long) C.long) (image.Rectangle, error) {
	var ulx, uly, lrx, lry C.long
	if err := check(call, f(&ulx, &uly, &lrx, &lry)); err != nil {
		return image.Rectangle{}, err
	}
	return image.Rect(int(ulx), int(uly), int(lrx), int(lry)), nil
}

func (c *fliCamera) Info() (Info, error) {
	var (
		info Info
		err  error
		hw   C.long
		fw   C.long
		px   C.double
		py   C.double
	)
	if info.Model, err = model(c.dev); err != nil {
		return info, err
	}
	buf := (*C.char)(C.malloc(strlen))
	defer C.free(unsafe.Pointer(buf))
	if err = check("FLIGetSerialString", C.FLIGetSerialString(c.dev, buf, strlen)); err != nil {
		return info, err
	}
	info.Serial = C.GoString(buf)
	if err = check("FLIGetHWRevision", C.FLIGetHWRevision(c.dev, &hw)); err != nil {
		return info, err
	}
	if err = check("FLIGetFWRevision", C.FLIGetFWRevision(c.dev, &fw)); err != nil {
		return info, err
	}
	info.HardwareRev, info.FirmwareRev = int(hw), int(fw)
	if err = check("FLIGetPixelSize", C.FLIGetPixelSize(c.dev, &px, &py)); err != nil {
		return info, err
	}
	// libfli reports meters
	info.PixelSize = [2]float64{float64(px) * 1e6, float64(py) * 1e6}
	info.ArrayArea, err = area("FLIGetArrayArea", func(a, b, cc, d *C.long) C.long {
		return C.FLIGetArrayArea(c.dev, a, b, cc, d)
	})
	if err != nil {
		return info, err
	}
	info.VisibleArea, err = area("FLIGetVisibleArea", func(a, b, cc, d *C.long) C.long {
		return C.FLIGetVisibleArea(c.dev, a, b, cc, d)
	})
	return info, err
}

func (c *fliCamera) SetTemperature(t float64) error {
	return check("FLISetTemperature", C.FLISetTemperature(c.dev, C.double(t)))
}

func (c *fliCamera) GetTemperature() (float64, error) {
	var t C.double
	err := check("FLIGetTemperature", C.FLIGetTemperature(c.dev, &t))
	return float64(t), err
}

func (c *fliCamera) GetCoolerPower() (float64, error) {
	var p C.double
	err := check("FLIGetCoolerPower", C.FLIGetCoolerPower(c.dev, &p))
	return float64(p), err
}

func (c *fliCamera) SetFan(on bool) error {
	speed := C.long(C.FLI_FAN_SPEED_OFF)
	if on {
		speed = C.long(C.FLI_FAN_SPEED_ON)
	}
	return check("FLISetFanSpeed", C.FLISetFanSpeed(c.dev, speed))
}

func (c *fliCamera) SetFlushes(n int) error {
	return check("FLISetNFlushes", C.FLISetNFlushes(c.dev, C.long(n)))
}

// SetBinning sets the binning and shrinks the image area to match, since
// libfli expresses the image area in binned pixels
func (c *fliCamera) SetBinning(h, v int) error {
	if err := check("FLISetHBin", C.FLISetHBin(c.dev, C.long(h))); err != nil {
		return err
	}
	if err := check("FLISetVBin", C.FLISetVBin(c.dev, C.long(v))); err != nil {
		return err
	}
	vis, err := area("FLIGetVisibleArea", func(a, b, cc, d *C.long) C.long {
		return C.FLIGetVisibleArea(c.dev, a, b, cc, d)
	})
	if err != nil {
		return err
	}
	w, ht := vis.Dx()/h, vis.Dy()/v
	err = check("FLISetImageArea", C.FLISetImageArea(c.dev,
		C.long(vis.Min.X), C.long(vis.Min.Y), C.long(vis.Min.X+w), C.long(vis.Min.Y+ht)))
	if err != nil {
		return err
	}
	c.hbin, c.vbin, c.w, c.h = h, v, w, ht
	return nil
}

func (c *fliCamera) SetExposure(d time.Duration, ft camera.FrameType) error {
	ms := C.long(d / time.Millisecond)
	if err := check("FLISetExposureTime", C.FLISetExposureTime(c.dev, ms)); err != nil {
		return err
	}
	typ := C.fliframe_t(C.FLI_FRAME_TYPE_NORMAL)
	if ft == camera.FrameDark {
		typ = C.FLI_FRAME_TYPE_DARK
	}
	return check("FLISetFrameType", C.FLISetFrameType(c.dev, typ))
}

func (c *fliCamera) StartExposure() error {
	return check("FLIExposeFrame", C.FLIExposeFrame(c.dev))
}

func (c *fliCamera) TimeLeft() (time.Duration, error) {
	var ms C.long
	err := check("FLIGetExposureStatus", C.FLIGetExposureStatus(c.dev, &ms))
	return time.Duration(ms) * time.Millisecond, err
}

func (c *fliCamera) CancelExposure() error {
	return check("FLICancelExposure", C.FLICancelExposure(c.dev))
}

// FetchImage grabs the frame row by row
func (c *fliCamera) FetchImage() (*image.Gray16, error) {
	if c.w == 0 || c.h == 0 {
		if err := c.SetBinning(c.hbin, c.vbin); err != nil {
			return nil, err
		}
	}
	img := image.NewGray16(image.Rect(0, 0, c.w, c.h))
	row := make([]uint16, c.w)
	for y := 0; y < c.h; y++ {
		err := check("FLIGrabRow", C.FLIGrabRow(c.dev, unsafe.Pointer(&row[0]), C.size_t(c.w)))
		if err != nil {
			return nil, err
		}
		off := img.PixOffset(0, y)
		for x, v := range row {
			img.Pix[off+2*x] = uint8(v >> 8)
			img.Pix[off+2*x+1] = uint8(v)
		}
	}
	return img, nil
}

func (c *fliCamera) Close() error {
	return check("FLIClose", C.FLIClose(c.dev))
}

// fliWheel is a filter wheel opened through libfli
type fliWheel struct {
	dev C.flidev_t
}

func (w *fliWheel) GetFilterPos() (int, error) {
	var pos C.long
	err := check("FLIGetFilterPos", C.FLIGetFilterPos(w.dev, &pos))
	return int(pos), err
}

func (w *fliWheel) SetFilterPos(pos int) error {
	return check("FLISetFilterPos", C.FLISetFilterPos(w.dev, C.long(pos)))
}

func (w *fliWheel) FilterCount() (int, error) {
	var n C.long
	err := check("FLIGetFilterCount", C.FLIGetFilterCount(w.dev, &n))
	return int(n), err
}

func (w *fliWheel) Model() (string, error) {
	return model(w.dev)
}

func (w *fliWheel) Close() error {
	return check("FLIClose", C.FLIClose(w.dev))
}
