package fli

import (
	"image"
	"sync"
	"time"

	"github.com/nasa-jpl/golab-fli/camera"
)

// guarded wraps a Device so that at most one command is in flight at a time
type guarded struct {
	mu  sync.Mutex
	dev Device
}

func (g *guarded) SetFlushes(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.SetFlushes(n)
}

func (g *guarded) SetBinning(h, v int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.SetBinning(h, v)
}

func (g *guarded) SetExposure(d time.Duration, ft camera.FrameType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.SetExposure(d, ft)
}

func (g *guarded) StartExposure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.StartExposure()
}

func (g *guarded) TimeLeft() (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.TimeLeft()
}

func (g *guarded) CancelExposure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.CancelExposure()
}

func (g *guarded) GetTemperature() (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.GetTemperature()
}

func (g *guarded) FetchImage() (*image.Gray16, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.FetchImage()
}

func (g *guarded) Info() (Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.Info()
}

func (g *guarded) SetTemperature(t float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.SetTemperature(t)
}

func (g *guarded) GetCoolerPower() (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.GetCoolerPower()
}

func (g *guarded) SetFan(on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.SetFan(on)
}

func (g *guarded) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.Close()
}
