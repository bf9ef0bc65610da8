/*Package exposure runs a single CCD exposure from configuration through
completion and reads the frame out afterwards.

A Controller owns the state machine

	CONFIGURING -> EXPOSING -> {COMPLETED, ABORTED, TIMED_OUT}

of which only two statuses are visible to callers: OK for a completed
exposure and ABORTED for an aborted or timed out one.  The poll loop runs on
the calling goroutine and checks for cancellation once per iteration, so the
latency of an abort is bounded by PollInterval.

*/
package exposure

import (
	"context"
	"image"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is how long the poll loop sleeps between time-left queries
	DefaultPollInterval = 5 * time.Second

	// DefaultSettleDelay is how long the camera is given to recover after a fetch
	DefaultSettleDelay = 5 * time.Second

	// flushes is the number of sensor flushes performed before each exposure
	flushes = 1

	// maxSeconds is the longest exposure a time.Duration can carry
	maxSeconds = math.MaxInt64 / int64(time.Second)
)

// Adapter is the part of the camera hardware the controller drives.
// Calls are blocking and may be slow.
type Adapter interface {
	SetFlushes(int) error
	SetBinning(h, v int) error
	SetExposure(time.Duration, camera.FrameType) error
	StartExposure() error
	TimeLeft() (time.Duration, error)
	CancelExposure() error
	GetTemperature() (float64, error)
	FetchImage() (*image.Gray16, error)
}

// Status is the terminal status of an exposure
type Status int

const (
	// StatusOK means the hardware finished the exposure
	StatusOK Status = iota

	// StatusAborted means the exposure was cancelled or timed out
	StatusAborted
)

func (s Status) String() string {
	if s == StatusAborted {
		return "ABORTED"
	}
	return "OK"
}

// Request is the caller's intent for one exposure
type Request struct {
	// ExposureTime is in seconds; fractional seconds are truncated
	ExposureTime float64 `json:"exptime"`

	// Type is object, flat, skyflat, bias, or dark
	Type string `json:"type"`

	// Binning is of the form HxV, empty for 1x1
	Binning string `json:"binning"`

	// Window is the region of the binned frame to return, zero for the full frame
	Window camera.AOI `json:"window"`
}

// Seconds returns the exposure time truncated to whole seconds
func (r Request) Seconds() int {
	return int(r.ExposureTime)
}

// Session is the state of one exposure.  It is finalized when Expose returns
type Session struct {
	// Request is the request that started the session
	Request Request

	// Binning is the parsed binning of the request
	Binning camera.Binning

	// FrameType is the frame type pushed to the hardware
	FrameType camera.FrameType

	// StartTime is the UTC time the exposure was started
	StartTime time.Time

	// StartTemperature is the sensor temperature read just after the start
	StartTemperature float64

	// Deadline is the wall clock time past which the exposure is considered timed out
	Deadline time.Time

	// Status is the terminal status
	Status Status

	timedOut bool

	// readOut is set once a readout of the session has begun, guarded by the controller
	readOut bool
}

// TimedOut is true if the session was aborted because it ran past its deadline
func (s *Session) TimedOut() bool {
	return s.timedOut
}

// Metadata returns the frame metadata captured at the start of the exposure
func (s *Session) Metadata() FrameMetadata {
	return FrameMetadata{
		StartTime:   s.StartTime,
		Temperature: s.StartTemperature,
		Binning:     s.Binning,
	}
}

// Hooks are notifications sent during an exposure.  Nil hooks are skipped
type Hooks struct {
	// ExposeBegin is called after the hardware is configured, before the exposure starts
	ExposeBegin func(Request)

	// ExposeComplete is called exactly once per started exposure with its status
	ExposeComplete func(Request, Status)

	// ReadoutBegin is called before the frame is fetched
	ReadoutBegin func(Request)

	// ReadoutComplete is called after the frame is fetched and the camera has settled
	ReadoutComplete func(*Frame, Status)
}

// Controller runs exposures on an Adapter.  It is safe for concurrent use,
// but only one exposure or readout runs at a time.
type Controller struct {
	// Adapter is the hardware being driven
	Adapter Adapter

	// PollInterval is the wait between time-left queries
	PollInterval time.Duration

	// SettleDelay is the wait after a fetch before the hardware is ready again
	SettleDelay time.Duration

	// MinTimeout floors the timeout of short exposures, whose timeout is otherwise twice the exposure time
	MinTimeout time.Duration

	// Hooks receive notifications
	Hooks Hooks

	// Log is the logger.  Nil logs nowhere
	Log *zap.SugaredLogger

	// Now is the clock.  Nil uses time.Now
	Now camera.Clock

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	last   *Session
}

// NewController returns a controller with the default poll interval and settle delay
func NewController(a Adapter, log *zap.SugaredLogger) *Controller {
	return &Controller{
		Adapter:      a,
		PollInterval: DefaultPollInterval,
		SettleDelay:  DefaultSettleDelay,
		Log:          log,
	}
}

func (c *Controller) log() *zap.SugaredLogger {
	if c.Log == nil {
		return zap.NewNop().Sugar()
	}
	return c.Log
}

func (c *Controller) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

// acquire marks the controller busy.  It returns false if it already was
func (c *Controller) acquire(cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	c.cancel = cancel
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	c.cancel = nil
}

// Busy is true while an exposure or readout is running
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Abort cancels the exposure in flight, if any.  The poll loop observes it
// on its next iteration.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// SetHooks replaces the hooks.  It is safe to call while an exposure runs;
// the running exposure may see either set
func (c *Controller) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hooks = h
}

func (c *Controller) hooks() Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Hooks
}

// Last returns the most recently finalized session, or nil
func (c *Controller) Last() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Expose configures the hardware, starts an exposure and blocks until it
// completes, is aborted, or times out.  Cancelling ctx aborts the exposure.
//
// An abort that arrives while the hardware is being configured stops the
// remaining configuration; the exposure is never started and the session is
// ABORTED.
//
// An error means the session failed before a terminal status was reached;
// the hardware state is then unknown and nothing is retried.  Otherwise
// ExposeComplete has been called exactly once with the returned session's status.
func (c *Controller) Expose(ctx context.Context, req Request) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !c.acquire(cancel) {
		return nil, camera.ErrExposureInProgress
	}
	defer c.release()
	log := c.log()

	// CONFIGURING
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "exposure cancelled before it was configured")
	}
	if math.IsNaN(req.ExposureTime) || req.ExposureTime < 0 || req.ExposureTime >= float64(maxSeconds) {
		return nil, camera.ErrBadExposureTime
	}
	bin, err := ParseBinning(req.Binning)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		Request:   req,
		Binning:   bin,
		FrameType: FrameTypeFor(req.Type),
	}
	texp := time.Duration(req.Seconds()) * time.Second

	steps := []struct {
		msg string
		kv  []interface{}
		fn  func() error
	}{
		{"setting flushes", []interface{}{"n", flushes}, func() error { return c.Adapter.SetFlushes(flushes) }},
		{"setting binning", []interface{}{"binning", bin.HxV()}, func() error { return c.Adapter.SetBinning(bin.H, bin.V) }},
		{"setting exposure", []interface{}{"exptime", texp, "frametype", sess.FrameType}, func() error { return c.Adapter.SetExposure(texp, sess.FrameType) }},
	}
	for _, step := range steps {
		log.Debugw(step.msg, step.kv...)
		if err = step.fn(); err != nil {
			return nil, errors.Wrap(err, step.msg)
		}
		if ctx.Err() != nil {
			log.Infow("exposure aborted while configuring", "after", step.msg)
			sess.Status = StatusAborted
			return c.finalize(sess), nil
		}
	}

	hooks := c.hooks()
	if hooks.ExposeBegin != nil {
		hooks.ExposeBegin(req)
	}
	if ctx.Err() != nil {
		log.Info("exposure aborted before it started")
		sess.Status = StatusAborted
		return c.finalize(sess), nil
	}

	// EXPOSING
	log.Debug("starting exposure")
	if err = c.Adapter.StartExposure(); err != nil {
		return nil, errors.Wrap(err, "starting exposure")
	}
	sess.StartTime = c.now()
	sess.StartTemperature, err = c.Adapter.GetTemperature()
	if err != nil {
		c.cancelHardware()
		return nil, errors.Wrap(err, "reading temperature at exposure start")
	}
	timeout := 2 * texp
	if timeout < c.MinTimeout {
		timeout = c.MinTimeout
	}
	sess.Deadline = sess.StartTime.Add(timeout)

	for {
		// an abort seen before a query wins over whatever the query reports
		if ctx.Err() != nil {
			log.Info("exposure aborted")
			sess.Status = StatusAborted
			break
		}
		left, err := c.Adapter.TimeLeft()
		if err != nil {
			c.cancelHardware()
			return nil, errors.Wrap(err, "querying exposure time left")
		}
		if left <= 0 {
			sess.Status = StatusOK
			break
		}
		if ctx.Err() != nil {
			log.Infow("exposure aborted", "left", left)
			sess.Status = StatusAborted
			break
		}
		if c.now().Sub(sess.StartTime) > timeout {
			log.Warnw("exposure timed out", "timeout", timeout, "left", left)
			sess.Status = StatusAborted
			sess.timedOut = true
			break
		}
		log.Debugw("exposing", "left", left)
		sleep(ctx, c.PollInterval)
	}
	if sess.Status == StatusAborted {
		c.cancelHardware()
	}
	return c.finalize(sess), nil
}

// finalize records sess as the latest session and reports its status
func (c *Controller) finalize(sess *Session) *Session {
	c.mu.Lock()
	c.last = sess
	hook := c.Hooks.ExposeComplete
	c.mu.Unlock()
	if hook != nil {
		hook(sess.Request, sess.Status)
	}
	return sess
}

// cancelHardware stops an exposure the hardware may still be running.
// Failure is logged; the session's outcome does not change.
func (c *Controller) cancelHardware() {
	if err := c.Adapter.CancelExposure(); err != nil {
		c.log().Errorw("cancelling exposure on the camera", "err", err)
	}
}

// sleep waits for d or until ctx is done, whichever is first
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
