package camera_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/golab-fli/exposure"
	"github.com/nasa-jpl/golab-fli/fli"
	gcam "github.com/nasa-jpl/golab-fli/generichttp/camera"
	"github.com/nasa-jpl/golab-fli/imgrec"
)

func newCamera(t *testing.T) (*fli.Camera, *fli.MockCamera) {
	t.Helper()
	lib := fli.NewMockLibrary(64, 32, 5)
	cam, err := fli.NewCamera(lib, fli.Config{PollInterval: time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return cam, lib.Cameras[0]
}

func expose(h http.HandlerFunc, query, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/expose"+query, strings.NewReader(body))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestExposeServesFits(t *testing.T) {
	cam, _ := newCamera(t)
	w := expose(gcam.Expose(cam, nil), "", `{"exptime": 0, "type": "bias", "binning": "2x2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/fits" {
		t.Errorf("expected image/fits got %q", ct)
	}
	f, err := fitsio.Open(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	hdr := f.HDU(0).Header()
	axes := hdr.Axes()
	if len(axes) != 2 || axes[0] != 32 || axes[1] != 16 {
		t.Errorf("expected 32x16 axes got %v", axes)
	}
	for _, name := range []string{"DATE-OBS", "EXPTIME", "XBINNING", "PIXCRC", "INSTRUME", "FILTER"} {
		if hdr.Get(name) == nil {
			t.Errorf("expected card %s in header", name)
		}
	}
}

func TestExposeEmptyBody(t *testing.T) {
	cam, _ := newCamera(t)
	w := expose(gcam.Expose(cam, nil), "?fmt=png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", w.Code, w.Body.String())
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b != image.Rect(0, 0, 64, 32) {
		t.Errorf("expected a 64x32 image got %v", b)
	}
}

func TestExposeBadRequests(t *testing.T) {
	cam, _ := newCamera(t)
	h := gcam.Expose(cam, nil)
	cases := []struct {
		name, query, body string
		code              int
	}{
		{"bad format", "?fmt=tiff", `{}`, http.StatusBadRequest},
		{"bad json", "", `{"exptime": `, http.StatusBadRequest},
		{"bad binning", "", `{"binning": "4x4"}`, http.StatusBadRequest},
		{"negative time", "", `{"exptime": -1}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := expose(h, c.query, c.body)
			if w.Code != c.code {
				t.Errorf("expected %d got %d: %s", c.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestExposeAbortedIsConflict(t *testing.T) {
	cam, mock := newCamera(t)
	h := gcam.Expose(cam, nil)
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- expose(h, "", `{"exptime": 3600}`)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !mock.Exposing() {
		if time.Now().After(deadline) {
			t.Fatal("camera never started exposing")
		}
		time.Sleep(time.Millisecond)
	}
	abort := httptest.NewRecorder()
	gcam.Abort(cam)(abort, httptest.NewRequest(http.MethodPost, "/abort", nil))
	if abort.Code != http.StatusOK {
		t.Errorf("expected 200 from abort got %d", abort.Code)
	}
	w := <-done
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 got %d", w.Code)
	}

	st := httptest.NewRecorder()
	gcam.Status(cam)(st, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status gcam.SessionStatus
	if err := json.NewDecoder(st.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "ABORTED" || status.TimedOut || status.Busy {
		t.Errorf("expected an aborted idle session got %+v", status)
	}
	if status.Request.ExposureTime != 3600 {
		t.Errorf("expected the request to be reported, got %+v", status.Request)
	}
}

func TestStatusBeforeAnyExposure(t *testing.T) {
	cam, _ := newCamera(t)
	w := httptest.NewRecorder()
	gcam.Status(cam)(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status gcam.SessionStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "NONE" {
		t.Errorf("expected NONE got %s", status.Status)
	}
}

func TestExposeRecords(t *testing.T) {
	cam, _ := newCamera(t)
	root := t.TempDir()
	now := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := &imgrec.Recorder{Root: root, Prefix: "fli", Enabled: true, Now: func() time.Time { return now }}
	h := gcam.Expose(cam, rec)
	for i := 0; i < 2; i++ {
		w := expose(h, "", `{}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d: %s", w.Code, w.Body.String())
		}
	}
	files, err := filepath.Glob(filepath.Join(root, "2021-06-01", "*.fits"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 recorded files got %v", files)
	}
	fi, err := os.Stat(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size()%2880 != 0 {
		t.Errorf("expected a whole number of FITS blocks got %d bytes", fi.Size())
	}
}

func TestExposureTime(t *testing.T) {
	cam, _ := newCamera(t)
	if _, err := cam.Expose(context.Background(), exposure.Request{ExposureTime: 0.7}); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	gcam.GetExposureTime(cam)(w, httptest.NewRequest(http.MethodGet, "/exposure-time", nil))
	var hp struct {
		F64 float64 `json:"f64"`
	}
	if err := json.NewDecoder(w.Body).Decode(&hp); err != nil {
		t.Fatal(err)
	}
	if hp.F64 != 0 {
		t.Errorf("expected the truncated exposure time 0 got %v", hp.F64)
	}
}

func TestWriteFitsCube(t *testing.T) {
	a := image.NewGray16(image.Rect(0, 0, 4, 3))
	b := image.NewGray16(image.Rect(0, 0, 4, 3))
	var buf bytes.Buffer
	if err := gcam.WriteFits(&buf, nil, []*image.Gray16{a, b}); err != nil {
		t.Fatal(err)
	}
	f, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	axes := f.HDU(0).Header().Axes()
	if len(axes) != 3 || axes[2] != 2 {
		t.Errorf("expected a 4x3x2 cube got %v", axes)
	}
}

func TestWriteFitsRejectsMixedSizes(t *testing.T) {
	a := image.NewGray16(image.Rect(0, 0, 4, 3))
	b := image.NewGray16(image.Rect(0, 0, 3, 3))
	if err := gcam.WriteFits(&bytes.Buffer{}, nil, []*image.Gray16{a, b}); err == nil {
		t.Error("expected an error for mismatched frames")
	}
	if err := gcam.WriteFits(&bytes.Buffer{}, nil, nil); err == nil {
		t.Error("expected an error with no frames")
	}
}

// emptyFrame exposes instantly and reads out a frame with no pixels
type emptyFrame struct{ sess *exposure.Session }

func (e *emptyFrame) Expose(context.Context, exposure.Request) (*exposure.Session, error) {
	e.sess = &exposure.Session{Status: exposure.StatusOK}
	return e.sess, nil
}

func (e *emptyFrame) Readout(context.Context, *exposure.Session) (*exposure.Frame, error) {
	return &exposure.Frame{Image: image.NewGray16(image.Rect(0, 0, 0, 0))}, nil
}

func (e *emptyFrame) Abort()                  {}
func (e *emptyFrame) Busy() bool              { return false }
func (e *emptyFrame) Last() *exposure.Session { return e.sess }

func TestEncodeFailureIsServerError(t *testing.T) {
	w := expose(gcam.Expose(&emptyFrame{}, nil), "?fmt=png", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct == "image/png" {
		t.Error("expected no image content type on a failed encode")
	}
}
