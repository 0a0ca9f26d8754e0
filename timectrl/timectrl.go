package timectrl

import (
	"context"
	"sync"
	"time"
)

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners allow while still
	// stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// Frame identifies one update cycle.
type Frame struct {
	Index uint64
	Time  time.Time
}

// TimeController drives simulation frames and notifies registered listeners
// once per frame, in registration order.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	current   Frame
	listeners []func(Frame)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime: start,
		Tick:      tick,
		Mode:      mode,
		current:   Frame{Time: start},
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current.Time
}

// Frame returns the most recently completed frame.
func (tc *TimeController) Frame() Frame {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// SetTime moves simulation time without running a frame.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.current.Time = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked on every frame.
func (tc *TimeController) AddListener(fn func(Frame)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step advances exactly one frame and runs the listeners synchronously.
func (tc *TimeController) Step() Frame {
	tc.mu.Lock()
	tc.current = Frame{Index: tc.current.Index + 1, Time: tc.current.Time.Add(tc.Tick)}
	frame := tc.current
	listeners := append([]func(Frame){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(frame)
	}
	return frame
}

// Start runs frames for the specified duration of simulation time (forever
// when duration <= 0) in a separate goroutine. It returns a channel that is
// closed when the controller finishes or ctx is cancelled.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var ticks <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			ticks = ticker.C
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if ticks != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticks:
				}
			} else if ctx.Err() != nil {
				return
			}
			tc.Step()
			elapsed += tc.Tick
		}
	}()
	return done
}
