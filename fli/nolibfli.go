//go:build !libfli
// +build !libfli

package fli

import "errors"

// ErrNoLibrary is generated when hardware is requested from a build without libfli
var ErrNoLibrary = errors.New("fli: built without libfli, rebuild with -tags libfli or use the simulated camera")

// NewLibrary returns ErrNoLibrary; build with the libfli tag for hardware access
func NewLibrary() (Library, error) {
	return nil, ErrNoLibrary
}
