package exposure

import (
	"strconv"
	"strings"

	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/pkg/errors"
)

// ParseBinning converts a string like "2x2" into a Binning.  The horizontal
// and vertical factors are parsed independently.  An empty string is 1x1.
func ParseBinning(s string) (camera.Binning, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return camera.Binning{H: 1, V: 1}, nil
	}
	chunks := strings.Split(s, "x")
	if len(chunks) != 2 {
		return camera.Binning{}, errors.Wrapf(camera.ErrBadBinning, "%q is not of the form HxV", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(chunks[0]))
	if err != nil {
		return camera.Binning{}, errors.Wrapf(camera.ErrBadBinning, "horizontal factor of %q", s)
	}
	v, err := strconv.Atoi(strings.TrimSpace(chunks[1]))
	if err != nil {
		return camera.Binning{}, errors.Wrapf(camera.ErrBadBinning, "vertical factor of %q", s)
	}
	if h < 1 || v < 1 {
		return camera.Binning{}, errors.Wrapf(camera.ErrBadBinning, "%q has a factor less than one", s)
	}
	return camera.Binning{H: h, V: v}, nil
}

// FrameTypeFor maps a request type to the frame type pushed to the hardware.
// bias and dark frames keep the shutter closed, everything else is normal.
func FrameTypeFor(typ string) camera.FrameType {
	switch strings.ToLower(typ) {
	case "bias", "dark":
		return camera.FrameDark
	default:
		return camera.FrameNormal
	}
}
