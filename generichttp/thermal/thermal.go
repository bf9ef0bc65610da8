// Package thermal exposes an HTTP interface to cooled cameras
package thermal

import (
	"net/http"

	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/nasa-jpl/golab-fli/generichttp"
	"golang.org/x/time/rate"
)

// burst is the number of telemetry reads allowed back to back
const burst = 4

// HTTPThermal binds routes for a thermal manager, and its fan if it has one.
// Reads of hardware telemetry go through a rate limiter so polling clients
// cannot crowd the bus.
type HTTPThermal struct {
	T camera.ThermalManager

	limiter *rate.Limiter

	RouteTable generichttp.RouteTable
}

// NewHTTPThermal returns a new HTTP wrapper.  perSecond caps the reads of
// hardware telemetry; zero or less is unlimited
func NewHTTPThermal(t camera.ThermalManager, perSecond float64) HTTPThermal {
	lim := rate.Inf
	if perSecond > 0 {
		lim = rate.Limit(perSecond)
	}
	h := HTTPThermal{T: t, limiter: rate.NewLimiter(lim, burst), RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/temperature"}] = generichttp.GetFloat(h.limited(t.GetTemperature))
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/temperature-setpoint"}] = generichttp.GetFloat(t.GetSetpoint)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/temperature-setpoint"}] = generichttp.SetFloat(t.StartCooling)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/cooler-power"}] = generichttp.GetFloat(h.limited(t.GetCoolerPower))
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/cooling"}] = generichttp.GetBool(h.limitedBool(t.IsCooling))
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/cooling"}] = generichttp.SetBool(h.setCooling)
	if f, ok := t.(camera.Fanner); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/fan"}] = generichttp.GetBool(f.IsFanning)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/fan"}] = generichttp.SetBool(func(on bool) error {
			if on {
				return f.StartFan()
			}
			return f.StopFan()
		})
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPThermal) RT() generichttp.RouteTable {
	return h.RouteTable
}

// setCooling starts cooling to the current setpoint, or stops it
func (h HTTPThermal) setCooling(on bool) error {
	if !on {
		return h.T.StopCooling()
	}
	sp, err := h.T.GetSetpoint()
	if err != nil {
		return err
	}
	return h.T.StartCooling(sp)
}

func (h HTTPThermal) limited(fcn func() (float64, error)) func() (float64, error) {
	return func() (float64, error) {
		if !h.limiter.Allow() {
			return 0, errRateLimited
		}
		return fcn()
	}
}

func (h HTTPThermal) limitedBool(fcn func() (bool, error)) func() (bool, error) {
	return func() (bool, error) {
		if !h.limiter.Allow() {
			return false, errRateLimited
		}
		return fcn()
	}
}

type rateError struct{}

func (rateError) Error() string   { return "telemetry is rate limited, try again shortly" }
func (rateError) StatusCode() int { return http.StatusTooManyRequests }

var errRateLimited = rateError{}
