// Package camera provides a generic HTTP interface to a scientific camera
// that exposes through an exposure controller
package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"go/types"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/nasa-jpl/golab-fli/exposure"
	"github.com/nasa-jpl/golab-fli/generichttp"
	"github.com/nasa-jpl/golab-fli/imgrec"
)

// Exposer is a camera driven by an exposure controller
type Exposer interface {
	// Expose runs one exposure to a terminal status
	Expose(context.Context, exposure.Request) (*exposure.Session, error)

	// Readout fetches the frame of a completed exposure
	Readout(context.Context, *exposure.Session) (*exposure.Frame, error)

	// Abort cancels the exposure in flight
	Abort()

	// Busy is true while an exposure or readout is running
	Busy() bool

	// Last returns the most recent session, or nil
	Last() *exposure.Session
}

// HTTPCamera binds routes for exposures to an Exposer
type HTTPCamera struct {
	Cam Exposer

	// Recorder, if active, receives a copy of every FITS file served
	Recorder *imgrec.Recorder

	RouteTable generichttp.RouteTable
}

// NewHTTPCamera returns a new HTTP wrapper.  rec may be nil
func NewHTTPCamera(c Exposer, rec *imgrec.Recorder) HTTPCamera {
	h := HTTPCamera{Cam: c, Recorder: rec, RouteTable: generichttp.RouteTable{}}
	HTTPExposer(c, h.RouteTable, rec)
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPCamera) RT() generichttp.RouteTable {
	return h.RouteTable
}

// HTTPExposer injects the exposure routes into a route table
func HTTPExposer(c Exposer, table generichttp.RouteTable, rec *imgrec.Recorder) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/expose"}] = Expose(c, rec)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/abort"}] = Abort(c)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/busy"}] = generichttp.GetBool(func() (bool, error) { return c.Busy(), nil })
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = Status(c)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}] = GetExposureTime(c)
}

// Expose runs an exposure and returns the frame on a POST request.
//
// The body is a JSON exposure request, {"exptime": 10, "type": "object", "binning": "2x2",
// "window": {"left": 0, "top": 0, "width": 100, "height": 100}}.  An empty body is a
// zero second object frame at 1x1.
//
// The image format may be specified with the fmt query parameter, one of
// fits, jpg, or png; fits is the default.  Only FITS files are recorded.
//
// The exposure is tied to the request; a client that hangs up aborts it.
func Expose(c Exposer, rec *imgrec.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := exposure.Request{}
		err := json.NewDecoder(r.Body).Decode(&req)
		defer r.Body.Close()
		if err != nil && err != io.EOF {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		format := r.URL.Query().Get("fmt")
		if format == "" {
			format = "fits"
		}
		if format != "fits" && format != "jpg" && format != "png" {
			http.Error(w, "fmt must be one of fits, jpg, png", http.StatusBadRequest)
			return
		}

		sess, err := c.Expose(r.Context(), req)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		frame, err := c.Readout(r.Context(), sess)
		if err != nil {
			generichttp.Error(w, err)
			return
		}

		// encode in full before the header is written
		var (
			buf   bytes.Buffer
			ctype string
		)
		switch format {
		case "jpg":
			ctype = "image/jpeg"
			err = jpeg.Encode(&buf, to8Bit(frame.Image), nil)
		case "png":
			ctype = "image/png"
			err = png.Encode(&buf, to8Bit(frame.Image))
		case "fits":
			ctype = "image/fits"
			cards := frame.Cards()
			if carder, ok := c.(camera.MetadataMaker); ok {
				cards = append(cards, carder.CollectHeaderMetadata()...)
			}
			err = WriteFits(&buf, cards, []*image.Gray16{frame.Image})
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if format == "fits" {
			w.Header().Set("Content-Disposition", "attachment; filename=image.fits")
			if rec != nil && rec.Active() {
				if _, err := rec.Write(buf.Bytes()); err != nil {
					log.Printf("recording frame to %s: %v", rec.Filename(), err)
				}
				rec.Incr()
			}
		}
		w.Header().Set("Content-Type", ctype)
		w.WriteHeader(http.StatusOK)
		if _, err = w.Write(buf.Bytes()); err != nil {
			log.Printf("sending %s frame: %v", format, err)
		}
	}
}

// to8Bit scales a 16-bit image to 8 bits for display formats
func to8Bit(img *image.Gray16) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x] = img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)] // high byte
		}
	}
	return out
}

// Abort cancels the exposure in flight on a POST request
func Abort(c Exposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.Abort()
		w.WriteHeader(http.StatusOK)
	}
}

// SessionStatus describes the most recent exposure
type SessionStatus struct {
	// Status is OK, ABORTED, or NONE if there has been no exposure
	Status   string           `json:"status"`
	TimedOut bool             `json:"timedOut"`
	Start    time.Time        `json:"start"`
	Deadline time.Time        `json:"deadline"`
	Request  exposure.Request `json:"request"`
	Busy     bool             `json:"busy"`
}

// Status returns the SessionStatus of the last exposure as JSON on a GET request
func Status(c Exposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := SessionStatus{Status: "NONE", Busy: c.Busy()}
		if sess := c.Last(); sess != nil {
			st.Status = sess.Status.String()
			st.TimedOut = sess.TimedOut()
			st.Start = sess.StartTime
			st.Deadline = sess.Deadline
			st.Request = sess.Request
		}
		generichttp.WriteJSON(w, st)
	}
}

// GetExposureTime returns the exposure time of the last request in seconds, as {"f64": value}
func GetExposureTime(c Exposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t float64
		if sess := c.Last(); sess != nil {
			t = float64(sess.Request.Seconds())
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: t}
		hp.EncodeAndRespond(w, r)
	}
}

// MetadataHandler returns the instrument's FITS cards as JSON on a GET request
func MetadataHandler(m camera.MetadataMaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		generichttp.WriteJSON(w, m.CollectHeaderMetadata())
	}
}
