package fli

import (
	"net/http"

	"github.com/nasa-jpl/golab-fli/generichttp"
	"github.com/nasa-jpl/golab-fli/generichttp/camera"
	"github.com/nasa-jpl/golab-fli/generichttp/filterwheel"
	"github.com/nasa-jpl/golab-fli/generichttp/thermal"
	"github.com/nasa-jpl/golab-fli/imgrec"
)

// HTTPWrapper provides an HTTP interface to a Camera, its cooler, and its filter wheel
type HTTPWrapper struct {
	// Cam is the camera being wrapped
	Cam *Camera

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new wrapper with all routes populated.  rec may
// be nil, in which case frames are not recorded and there are no
// /autowrite routes.  telemetryPerSecond limits reads of the cooler, zero is
// unlimited
func NewHTTPWrapper(c *Camera, rec *imgrec.Recorder, telemetryPerSecond float64) HTTPWrapper {
	w := HTTPWrapper{Cam: c, RouteTable: generichttp.RouteTable{}}
	rt := w.RouteTable
	camera.HTTPExposer(c, rt, rec)
	merge(rt, thermal.NewHTTPThermal(c, telemetryPerSecond).RT())
	if c.wheel != nil {
		merge(rt, filterwheel.NewHTTPFilterWheel(c).RT())
	}
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(w)
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/info"}] = w.info
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/binnings"}] = w.binnings
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/readout-modes"}] = w.readoutModes
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/features"}] = w.features
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/metadata"}] = camera.MetadataHandler(c)
	return w
}

// RT satisfies generichttp.HTTPer
func (w HTTPWrapper) RT() generichttp.RouteTable {
	return w.RouteTable
}

func merge(dst, src generichttp.RouteTable) {
	for k, v := range src {
		dst[k] = v
	}
}

// InfoPayload is the response of GET /info
type InfoPayload struct {
	Info
	Width            int      `json:"width"`
	Height           int      `json:"height"`
	FilterWheelModel string   `json:"filterWheelModel"`
	Filters          []string `json:"filters"`
	CameraModel      string   `json:"cameraModel"`
	CCDModel         string   `json:"ccdModel"`
}

func (w HTTPWrapper) info(rw http.ResponseWriter, r *http.Request) {
	c := w.Cam
	width, height := c.Size()
	generichttp.WriteJSON(rw, InfoPayload{
		Info:             c.Info(),
		Width:            width,
		Height:           height,
		FilterWheelModel: c.FilterWheelModel(),
		Filters:          c.Filters(),
		CameraModel:      c.cfg.CameraModel,
		CCDModel:         c.cfg.CCDModel,
	})
}

func (w HTTPWrapper) binnings(rw http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(rw, w.Cam.Binnings())
}

func (w HTTPWrapper) readoutModes(rw http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(rw, w.Cam.ReadoutModes()[w.Cam.CurrentCCD()])
}

func (w HTTPWrapper) features(rw http.ResponseWriter, r *http.Request) {
	generichttp.WriteJSON(rw, w.Cam.Features())
}
