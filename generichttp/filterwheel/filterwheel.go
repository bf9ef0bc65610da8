// Package filterwheel exposes an HTTP interface to filter wheels addressed by filter name
package filterwheel

import (
	"net/http"

	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/nasa-jpl/golab-fli/generichttp"
)

// HTTPFilterWheel binds routes for a filter wheel
type HTTPFilterWheel struct {
	W camera.FilterWheel

	RouteTable generichttp.RouteTable
}

// NewHTTPFilterWheel returns a new HTTP wrapper.
//
// GET /filter returns {"str": name}; POST /filter takes {"str": name} and
// blocks until the wheel has moved; GET /filters returns the names in slot order
func NewHTTPFilterWheel(w camera.FilterWheel) HTTPFilterWheel {
	h := HTTPFilterWheel{W: w, RouteTable: generichttp.RouteTable{}}
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/filter"}] = generichttp.GetString(w.GetFilter)
	h.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: "/filter"}] = generichttp.SetString(w.SetFilter)
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/filters"}] = func(rw http.ResponseWriter, r *http.Request) {
		generichttp.WriteJSON(rw, w.Filters())
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPFilterWheel) RT() generichttp.RouteTable {
	return h.RouteTable
}
