package fli

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/pkg/errors"
)

// stopSetpoint is the setpoint that lets the cooler idle, Celsius
const stopSetpoint = 60

// StartCooling sets the temperature setpoint in Celsius
func (c *Camera) StartCooling(setpoint float64) error {
	return c.command(func() error {
		c.thermMu.Lock()
		defer c.thermMu.Unlock()
		if err := c.dev.SetTemperature(setpoint); err != nil {
			return errors.Wrap(err, "setting temperature setpoint")
		}
		c.setpoint = setpoint
		c.log.Infow("cooling", "setpoint", setpoint)
		return nil
	})
}

// StopCooling raises the setpoint high enough that the cooler idles.
// The setpoint reported by GetSetpoint is not changed
func (c *Camera) StopCooling() error {
	return c.command(func() error {
		return errors.Wrap(c.dev.SetTemperature(stopSetpoint), "stopping cooling")
	})
}

// IsCooling is true if the cooler draws any power
func (c *Camera) IsCooling() (bool, error) {
	p, err := c.GetCoolerPower()
	if err != nil {
		return false, err
	}
	return p != 0, nil
}

// GetTemperature returns the sensor temperature in Celsius
func (c *Camera) GetTemperature() (float64, error) {
	if c.Busy() {
		return 0, camera.ErrExposureInProgress
	}
	return c.dev.GetTemperature()
}

// GetSetpoint returns the last setpoint given to StartCooling
func (c *Camera) GetSetpoint() (float64, error) {
	c.thermMu.Lock()
	defer c.thermMu.Unlock()
	return c.setpoint, nil
}

// GetCoolerPower returns the power drawn by the cooler
func (c *Camera) GetCoolerPower() (float64, error) {
	if c.Busy() {
		return 0, camera.ErrExposureInProgress
	}
	return c.dev.GetCoolerPower()
}

// StartFan turns the fan on
func (c *Camera) StartFan() error {
	return c.setFan(true)
}

// StopFan turns the fan off
func (c *Camera) StopFan() error {
	return c.setFan(false)
}

func (c *Camera) setFan(on bool) error {
	return c.command(func() error {
		c.thermMu.Lock()
		defer c.thermMu.Unlock()
		if err := c.dev.SetFan(on); err != nil {
			return errors.Wrap(err, "setting fan")
		}
		c.fanning = on
		return nil
	})
}

// IsFanning returns the last commanded fan state.  The fan cannot be queried
func (c *Camera) IsFanning() (bool, error) {
	c.thermMu.Lock()
	defer c.thermMu.Unlock()
	return c.fanning, nil
}

// WaitTemperature blocks until the sensor is within tolerance of the
// setpoint, maxWait elapses, or ctx is done.  A maxWait of zero waits
// forever.  The interval between reads grows from Config.ThermalPoll.
func (c *Camera) WaitTemperature(ctx context.Context, tolerance float64, maxWait time.Duration) error {
	sp, _ := c.GetSetpoint()
	initial := c.cfg.ThermalPoll
	if initial <= 0 {
		initial = time.Second
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          1.5,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      maxWait,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var (
		last  float64
		fatal error
	)
	op := func() error {
		t, err := c.GetTemperature()
		if err != nil {
			fatal = err
			return backoff.Permanent(err)
		}
		last = t
		if math.Abs(t-sp) > tolerance {
			c.log.Debugw("waiting for temperature", "temperature", t, "setpoint", sp)
			return fmt.Errorf("temperature %.2f C is not within %.2f C of %.2f C", t, tolerance, sp)
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil {
		if fatal != nil {
			return fatal
		}
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "waiting for temperature")
		}
		return errors.Wrapf(err, "temperature did not settle within %s", maxWait)
	}
	c.log.Infow("temperature settled", "temperature", last, "setpoint", sp)
	return nil
}
