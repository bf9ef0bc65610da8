package exposure_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/nasa-jpl/golab-fli/exposure"
)

// scripted is an Adapter that plays back a list of time-left values and
// records every call made to it
type scripted struct {
	sync.Mutex
	calls    []string
	left     []time.Duration
	leftIdx  int
	temp     float64
	onLeft   func(n int)
	onCall   func(call string)
	failOn   string
	frame    *image.Gray16
	blockOne chan struct{}
}

func (s *scripted) record(call string) error {
	s.Lock()
	s.calls = append(s.calls, call)
	fail := s.failOn == call
	cb := s.onCall
	s.Unlock()
	if cb != nil {
		cb(call)
	}
	if fail {
		return fmt.Errorf("%s failed", call)
	}
	return nil
}

func (s *scripted) Calls() []string {
	s.Lock()
	defer s.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *scripted) count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (s *scripted) SetFlushes(n int) error {
	return s.record(fmt.Sprintf("SetFlushes(%d)", n))
}

func (s *scripted) SetBinning(h, v int) error {
	return s.record(fmt.Sprintf("SetBinning(%d,%d)", h, v))
}

func (s *scripted) SetExposure(d time.Duration, ft camera.FrameType) error {
	return s.record(fmt.Sprintf("SetExposure(%v,%v)", d, ft))
}

func (s *scripted) StartExposure() error {
	return s.record("StartExposure")
}

func (s *scripted) TimeLeft() (time.Duration, error) {
	if err := s.record("TimeLeft"); err != nil {
		return 0, err
	}
	if s.blockOne != nil {
		<-s.blockOne
		s.blockOne = nil
	}
	s.Lock()
	n := s.leftIdx
	var left time.Duration
	if n < len(s.left) {
		left = s.left[n]
	} else if len(s.left) > 0 {
		left = s.left[len(s.left)-1]
	}
	s.leftIdx++
	cb := s.onLeft
	s.Unlock()
	if cb != nil {
		cb(n)
	}
	return left, nil
}

func (s *scripted) CancelExposure() error {
	return s.record("CancelExposure")
}

func (s *scripted) GetTemperature() (float64, error) {
	if err := s.record("GetTemperature"); err != nil {
		return 0, err
	}
	s.Lock()
	defer s.Unlock()
	return s.temp, nil
}

func (s *scripted) FetchImage() (*image.Gray16, error) {
	if err := s.record("FetchImage"); err != nil {
		return nil, err
	}
	if s.frame != nil {
		return s.frame, nil
	}
	return image.NewGray16(image.Rect(0, 0, 8, 4)), nil
}

// countdown returns n, n-1, ... 0 seconds
func countdown(n int) []time.Duration {
	out := make([]time.Duration, 0, n+1)
	for i := n; i >= 0; i-- {
		out = append(out, time.Duration(i)*time.Second)
	}
	return out
}

// steppingClock advances by step every time it is read
type steppingClock struct {
	sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

type completions struct {
	sync.Mutex
	statuses []exposure.Status
}

func (c *completions) hook(_ exposure.Request, s exposure.Status) {
	c.Lock()
	defer c.Unlock()
	c.statuses = append(c.statuses, s)
}

func newController(a exposure.Adapter) (*exposure.Controller, *completions) {
	comp := &completions{}
	ctl := exposure.NewController(a, nil)
	ctl.PollInterval = time.Millisecond
	ctl.SettleDelay = 0
	ctl.Hooks.ExposeComplete = comp.hook
	return ctl, comp
}

func TestExposeCompletesOK(t *testing.T) {
	a := &scripted{left: countdown(10), temp: -20}
	ctl, comp := newController(a)
	req := exposure.Request{ExposureTime: 10, Type: "object", Binning: "2x2"}
	sess, err := ctl.Expose(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != exposure.StatusOK {
		t.Errorf("expected status OK got %v", sess.Status)
	}
	if sess.TimedOut() {
		t.Error("expected a completed session not to be timed out")
	}
	if diff := cmp.Diff([]exposure.Status{exposure.StatusOK}, comp.statuses); diff != "" {
		t.Errorf("completion hook mismatch (-want +got):\n%s", diff)
	}
	calls := a.Calls()
	expected := []string{"SetFlushes(1)", "SetBinning(2,2)", "SetExposure(10s,normal)", "StartExposure", "GetTemperature"}
	if diff := cmp.Diff(expected, calls[:len(expected)]); diff != "" {
		t.Errorf("configuration sequence mismatch (-want +got):\n%s", diff)
	}
	if n := a.count("TimeLeft"); n != 11 {
		t.Errorf("expected 11 time left queries got %d", n)
	}
	if n := a.count("CancelExposure"); n != 0 {
		t.Errorf("expected no cancel on a completed exposure, got %d", n)
	}
	if ctl.Busy() {
		t.Error("expected controller to be idle after the exposure")
	}

	frame, err := ctl.Readout(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Meta.Binning != (camera.Binning{H: 2, V: 2}) {
		t.Errorf("expected 2x2 binning in frame metadata got %s", frame.Meta.Binning.HxV())
	}
	if n := a.count("FetchImage"); n != 1 {
		t.Errorf("expected one fetch got %d", n)
	}
}

func TestExposeTruncatesAndPicksFrameType(t *testing.T) {
	a := &scripted{left: countdown(0)}
	ctl, _ := newController(a)
	_, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: 2.9, Type: "bias"})
	if err != nil {
		t.Fatal(err)
	}
	calls := a.Calls()
	expected := []string{"SetFlushes(1)", "SetBinning(1,1)", "SetExposure(2s,dark)"}
	if diff := cmp.Diff(expected, calls[:3]); diff != "" {
		t.Errorf("configuration mismatch (-want +got):\n%s", diff)
	}
}

func TestExposeAbortMidway(t *testing.T) {
	a := &scripted{left: countdown(10)}
	ctl, comp := newController(a)
	var abortedAt int
	a.onLeft = func(n int) {
		if n == 3 {
			abortedAt = len(a.Calls())
			ctl.Abort()
		}
	}
	sess, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: 10, Binning: "2x2"})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != exposure.StatusAborted {
		t.Errorf("expected ABORTED got %v", sess.Status)
	}
	if sess.TimedOut() {
		t.Error("expected a user abort not to be reported as a timeout")
	}
	if diff := cmp.Diff([]exposure.Status{exposure.StatusAborted}, comp.statuses); diff != "" {
		t.Errorf("completion hook mismatch (-want +got):\n%s", diff)
	}
	for _, call := range a.Calls()[abortedAt:] {
		switch call {
		case "TimeLeft", "CancelExposure":
		default:
			t.Errorf("unexpected call %s after abort", call)
		}
	}
	if n := a.count("CancelExposure"); n != 1 {
		t.Errorf("expected the hardware exposure to be cancelled once, got %d", n)
	}

	_, err = ctl.Readout(context.Background(), sess)
	if !errors.Is(err, camera.ErrAborted) {
		t.Errorf("expected ErrAborted from readout of an aborted session got %v", err)
	}
	if n := a.count("FetchImage"); n != 0 {
		t.Errorf("expected no fetch for an aborted session, got %d", n)
	}
}

func TestExposeContextCancel(t *testing.T) {
	a := &scripted{left: []time.Duration{time.Hour}}
	ctl, comp := newController(a)
	ctl.PollInterval = time.Hour // only cancellation can wake the loop
	ctx, cancel := context.WithCancel(context.Background())
	a.onLeft = func(n int) {
		if n == 0 {
			cancel()
		}
	}
	sess, err := ctl.Expose(ctx, exposure.Request{ExposureTime: 3600})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != exposure.StatusAborted {
		t.Errorf("expected ABORTED got %v", sess.Status)
	}
	if len(comp.statuses) != 1 {
		t.Errorf("expected exactly one completion got %d", len(comp.statuses))
	}
}

func TestExposeTimesOut(t *testing.T) {
	a := &scripted{left: []time.Duration{5 * time.Second}}
	ctl, comp := newController(a)
	clk := &steppingClock{t: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Second}
	ctl.Now = clk.Now
	sess, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: 1})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != exposure.StatusAborted || !sess.TimedOut() {
		t.Errorf("expected a timed out ABORTED session got %v timedOut=%v", sess.Status, sess.TimedOut())
	}
	if diff := cmp.Diff([]exposure.Status{exposure.StatusAborted}, comp.statuses); diff != "" {
		t.Errorf("completion hook mismatch (-want +got):\n%s", diff)
	}
	if !sess.Deadline.Equal(sess.StartTime.Add(2 * time.Second)) {
		t.Errorf("expected deadline 2s after start got %v", sess.Deadline.Sub(sess.StartTime))
	}
	if n := a.count("CancelExposure"); n != 1 {
		t.Errorf("expected the hardware exposure to be cancelled on timeout, got %d", n)
	}
}

func TestMinTimeoutFloorsShortExposures(t *testing.T) {
	a := &scripted{left: []time.Duration{time.Second, time.Second, time.Second, 0}}
	ctl, _ := newController(a)
	clk := &steppingClock{t: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Second}
	ctl.Now = clk.Now
	ctl.MinTimeout = 10 * time.Second
	sess, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: 0, Type: "bias"})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != exposure.StatusOK {
		t.Errorf("expected the floor to let a bias complete, got %v", sess.Status)
	}
}

func TestExposeConfigurationFailureIsFatal(t *testing.T) {
	a := &scripted{left: countdown(1), failOn: "SetBinning(3,3)"}
	ctl, comp := newController(a)
	_, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: 1, Binning: "3x3"})
	if err == nil {
		t.Fatal("expected an error when the adapter rejects the binning")
	}
	if n := a.count("StartExposure"); n != 0 {
		t.Errorf("expected no exposure to start after a configuration error, got %d", n)
	}
	if n := a.count("SetBinning(3,3)"); n != 1 {
		t.Errorf("expected no retry of the failing call, got %d calls", n)
	}
	if len(comp.statuses) != 0 {
		t.Errorf("expected no completion for a failed session got %v", comp.statuses)
	}
	if ctl.Busy() {
		t.Error("expected controller to be idle after a failed session")
	}
}

func TestExposeRejectsBadRequests(t *testing.T) {
	a := &scripted{}
	ctl, _ := newController(a)
	_, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: -1})
	if !errors.Is(err, camera.ErrBadExposureTime) {
		t.Errorf("expected ErrBadExposureTime got %v", err)
	}
	for _, secs := range []float64{1e10, math.NaN(), math.Inf(1)} {
		_, err = ctl.Expose(context.Background(), exposure.Request{ExposureTime: secs})
		if !errors.Is(err, camera.ErrBadExposureTime) {
			t.Errorf("%v: expected ErrBadExposureTime got %v", secs, err)
		}
	}
	_, err = ctl.Expose(context.Background(), exposure.Request{ExposureTime: 1, Binning: "two"})
	if !errors.Is(err, camera.ErrBadBinning) {
		t.Errorf("expected ErrBadBinning got %v", err)
	}
	if calls := a.Calls(); len(calls) != 0 {
		t.Errorf("expected no adapter calls for rejected requests got %v", calls)
	}
}

func TestExposeWhileBusy(t *testing.T) {
	block := make(chan struct{})
	a := &scripted{left: countdown(0), blockOne: block}
	ctl, _ := newController(a)
	done := make(chan error)
	go func() {
		_, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: 1})
		done <- err
	}()
	for !ctl.Busy() {
		time.Sleep(time.Millisecond)
	}
	_, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: 1})
	if !errors.Is(err, camera.ErrExposureInProgress) {
		t.Errorf("expected ErrExposureInProgress for a second exposure got %v", err)
	}
	close(block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestMetadataComesFromExposureStart(t *testing.T) {
	a := &scripted{left: countdown(2), temp: -25}
	ctl, _ := newController(a)
	sess, err := ctl.Expose(context.Background(), exposure.Request{ExposureTime: 2})
	if err != nil {
		t.Fatal(err)
	}
	a.Lock()
	a.temp = 10
	a.Unlock()
	time.Sleep(5 * time.Millisecond)
	frame, err := ctl.Readout(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Meta.Temperature != -25 {
		t.Errorf("expected temperature captured at start -25 got %f", frame.Meta.Temperature)
	}
	if !frame.Meta.StartTime.Equal(sess.StartTime) {
		t.Errorf("expected start time %v got %v", sess.StartTime, frame.Meta.StartTime)
	}
}

func TestReadoutFetchFailureIsFatal(t *testing.T) {
	a := &scripted{left: countdown(0), failOn: "FetchImage"}
	ctl, _ := newController(a)
	var readoutComplete int
	ctl.Hooks.ReadoutComplete = func(*exposure.Frame, exposure.Status) { readoutComplete++ }
	sess, err := ctl.Expose(context.Background(), exposure.Request{})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := ctl.Readout(context.Background(), sess)
	if err == nil || frame != nil {
		t.Errorf("expected no frame and an error, got %v, %v", frame, err)
	}
	if readoutComplete != 0 {
		t.Error("expected no readout completion after a failed fetch")
	}
}

func TestAbortWhileConfiguring(t *testing.T) {
	steps := []string{"SetFlushes(1)", "SetBinning(1,1)", "SetExposure(0s,normal)"}
	for i, step := range steps {
		t.Run(step, func(t *testing.T) {
			a := &scripted{left: countdown(0)}
			ctl, comp := newController(a)
			a.onCall = func(call string) {
				if call == step {
					ctl.Abort()
				}
			}
			sess, err := ctl.Expose(context.Background(), exposure.Request{})
			if err != nil {
				t.Fatal(err)
			}
			if sess.Status != exposure.StatusAborted {
				t.Errorf("expected ABORTED got %v", sess.Status)
			}
			if diff := cmp.Diff(steps[:i+1], a.Calls()); diff != "" {
				t.Errorf("expected configuration to stop at the abort (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]exposure.Status{exposure.StatusAborted}, comp.statuses); diff != "" {
				t.Errorf("completion hook mismatch (-want +got):\n%s", diff)
			}
			if _, err = ctl.Readout(context.Background(), sess); !errors.Is(err, camera.ErrAborted) {
				t.Errorf("expected ErrAborted got %v", err)
			}
		})
	}
}

func TestAbortInExposeBeginDoesNotStart(t *testing.T) {
	a := &scripted{left: countdown(0)}
	ctl, comp := newController(a)
	ctl.Hooks.ExposeBegin = func(exposure.Request) { ctl.Abort() }
	sess, err := ctl.Expose(context.Background(), exposure.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != exposure.StatusAborted {
		t.Errorf("expected ABORTED got %v", sess.Status)
	}
	if n := a.count("StartExposure"); n != 0 {
		t.Errorf("expected the exposure not to start, got %d starts", n)
	}
	if len(comp.statuses) != 1 {
		t.Errorf("expected exactly one completion got %v", comp.statuses)
	}
}

func TestAbortBeforeFirstPollWins(t *testing.T) {
	a := &scripted{left: countdown(0)}
	ctl, _ := newController(a)
	a.onCall = func(call string) {
		if call == "GetTemperature" {
			ctl.Abort()
		}
	}
	sess, err := ctl.Expose(context.Background(), exposure.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != exposure.StatusAborted {
		t.Errorf("expected ABORTED even though the hardware would report done, got %v", sess.Status)
	}
	if n := a.count("TimeLeft"); n != 0 {
		t.Errorf("expected no time left query after the abort, got %d", n)
	}
	if n := a.count("CancelExposure"); n != 1 {
		t.Errorf("expected the started exposure to be cancelled once, got %d", n)
	}
}

func TestReadoutSettlesWhenCancelled(t *testing.T) {
	a := &scripted{left: countdown(0)}
	ctl, _ := newController(a)
	ctl.SettleDelay = 50 * time.Millisecond
	sess, err := ctl.Expose(context.Background(), exposure.Request{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	busy := make(chan bool, 1)
	ctl.SetHooks(exposure.Hooks{ReadoutBegin: func(exposure.Request) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			busy <- ctl.Busy()
		}()
	}})
	start := time.Now()
	if _, err = ctl.Readout(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < ctl.SettleDelay {
		t.Errorf("expected readout to take at least the settle delay %v, took %v", ctl.SettleDelay, elapsed)
	}
	if !<-busy {
		t.Error("expected the controller to be busy while the camera settles")
	}
	if ctl.Busy() {
		t.Error("expected the controller to be idle after the settle delay")
	}
}

func TestReadoutRejectsStaleSessions(t *testing.T) {
	a := &scripted{left: countdown(0)}
	ctl, _ := newController(a)
	first, err := ctl.Expose(context.Background(), exposure.Request{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := ctl.Expose(context.Background(), exposure.Request{Binning: "2x2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = ctl.Readout(context.Background(), first); !errors.Is(err, camera.ErrStaleSession) {
		t.Errorf("expected ErrStaleSession for a superseded session got %v", err)
	}
	if n := a.count("FetchImage"); n != 0 {
		t.Errorf("expected no fetch for a superseded session, got %d", n)
	}
	frame, err := ctl.Readout(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Meta.Binning != (camera.Binning{H: 2, V: 2}) {
		t.Errorf("expected the latest session's metadata got %s", frame.Meta.Binning.HxV())
	}
	if _, err = ctl.Readout(context.Background(), second); !errors.Is(err, camera.ErrStaleSession) {
		t.Errorf("expected ErrStaleSession for a second readout got %v", err)
	}
	if n := a.count("FetchImage"); n != 1 {
		t.Errorf("expected exactly one fetch got %d", n)
	}
}
