package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ActivityKind is one class of user interaction signal.
type ActivityKind string

const (
	ActivityPointer  ActivityKind = "pointer"
	ActivityKeyboard ActivityKind = "keyboard"
	ActivityScroll   ActivityKind = "scroll"
	ActivityTouch    ActivityKind = "touch"
)

// ActivityEvent is a single interaction signal delivered to the monitor.
type ActivityEvent struct {
	Kind ActivityKind
}

// Scheduler is the slice of Manager the idle monitor drives.
type Scheduler interface {
	RescheduleFromActivity()
	DisarmForIdle()
}

// IdleMonitor consumes interaction signals and keeps the refresh schedule
// in step with the user's presence. Activity re-arms the schedule,
// coalesced so a burst of events costs one reschedule; silence past the
// idle threshold disarms it so the access token lapses.
type IdleMonitor struct {
	sched       Scheduler
	events      <-chan ActivityEvent
	kinds       map[ActivityKind]bool
	throttle    time.Duration
	idleTimeout time.Duration
	clk         clock.Clock
	logger      zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// MonitorOption configures an IdleMonitor.
type MonitorOption func(*IdleMonitor)

func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(im *IdleMonitor) { im.clk = c }
}

func WithMonitorLogger(l zerolog.Logger) MonitorOption {
	return func(im *IdleMonitor) { im.logger = l }
}

// WithIdleTimeout enables disarm-on-idle after d of silence. Zero disables
// the threshold; activity then only ever extends the schedule.
func WithIdleTimeout(d time.Duration) MonitorOption {
	return func(im *IdleMonitor) { im.idleTimeout = d }
}

// WithActivityKinds restricts which signal kinds count as activity.
func WithActivityKinds(kinds ...ActivityKind) MonitorOption {
	return func(im *IdleMonitor) {
		im.kinds = make(map[ActivityKind]bool, len(kinds))
		for _, k := range kinds {
			im.kinds[k] = true
		}
	}
}

// WithThrottle sets the minimum interval between reschedules. Events
// inside the window still reset the idle threshold; they just skip the
// timer manipulation.
func WithThrottle(d time.Duration) MonitorOption {
	return func(im *IdleMonitor) { im.throttle = d }
}

func NewIdleMonitor(sched Scheduler, events <-chan ActivityEvent, opts ...MonitorOption) *IdleMonitor {
	im := &IdleMonitor{
		sched:    sched,
		events:   events,
		throttle: time.Second,
		clk:      clock.New(),
		logger:   zerolog.Nop(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		kinds: map[ActivityKind]bool{
			ActivityPointer:  true,
			ActivityKeyboard: true,
			ActivityScroll:   true,
			ActivityTouch:    true,
		},
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Start begins consuming activity events. It may be called once.
func (im *IdleMonitor) Start() error {
	started := false
	im.startOnce.Do(func() {
		started = true
		im.started.Store(true)
		go im.run()
	})
	if !started {
		return fmt.Errorf("idle monitor already started")
	}
	return nil
}

// Stop detaches the monitor and cancels its pending idle timer. It blocks
// until the run loop exits and is safe to call more than once. Callers
// must Stop on teardown so neither the goroutine nor the timer leaks.
func (im *IdleMonitor) Stop() {
	im.stopOnce.Do(func() {
		close(im.stopCh)
	})
	if im.started.Load() {
		<-im.doneCh
	}
}

func (im *IdleMonitor) run() {
	defer close(im.doneCh)

	var idleTimer *clock.Timer
	stopIdle := func() {
		if idleTimer != nil {
			idleTimer.Stop()
			idleTimer = nil
		}
	}
	armIdle := func() {
		stopIdle()
		if im.idleTimeout > 0 {
			idleTimer = im.clk.AfterFunc(im.idleTimeout, im.sched.DisarmForIdle)
		}
	}
	defer stopIdle()

	armIdle()
	var lastReschedule time.Time

	for {
		select {
		case <-im.stopCh:
			return
		case ev, ok := <-im.events:
			if !ok {
				return
			}
			if !im.kinds[ev.Kind] {
				continue
			}
			armIdle()
			now := im.clk.Now()
			if !lastReschedule.IsZero() && now.Sub(lastReschedule) < im.throttle {
				continue
			}
			lastReschedule = now
			im.sched.RescheduleFromActivity()
			im.logger.Debug().Str("kind", string(ev.Kind)).Msg("activity rescheduled refresh")
		}
	}
}
