package controlplane

import (
	"sync"
	"time"

	"github.com/zjrosen/conductor/internal/log"
)

// DefaultIdleDebounce is how long a child must stay idle before its reply is
// considered stable and forwarded.
const DefaultIdleDebounce = 5 * time.Second

// EventKind classifies host activity events fed into the debouncer.
type EventKind string

const (
	EventBusy  EventKind = "busy"
	EventIdle  EventKind = "idle"
	EventError EventKind = "error"
)

// Debouncer arms at most one timer per child. An idle event arms it, a busy
// event cancels it, and errors bypass it entirely.
type Debouncer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	delay  time.Duration

	// hasPending gates arming: idle children with nothing outstanding
	// never schedule a callback.
	hasPending   func(childID string) bool
	onStableIdle func(childID string)
	onError      func(childID, errMsg string)
}

// DebouncerConfig wires the debouncer's collaborators.
type DebouncerConfig struct {
	// Delay overrides the idle window; zero means DefaultIdleDebounce.
	Delay        time.Duration
	HasPending   func(childID string) bool
	OnStableIdle func(childID string)
	OnError      func(childID, errMsg string)
}

// NewDebouncer creates a debouncer with no armed timers.
func NewDebouncer(cfg DebouncerConfig) *Debouncer {
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultIdleDebounce
	}
	return &Debouncer{
		timers:       make(map[string]*time.Timer),
		delay:        delay,
		hasPending:   cfg.HasPending,
		onStableIdle: cfg.OnStableIdle,
		onError:      cfg.OnError,
	}
}

// OnEvent routes one host activity event for a child.
// errMsg is only meaningful for EventError.
func (d *Debouncer) OnEvent(childID string, kind EventKind, errMsg string) {
	switch kind {
	case EventBusy:
		d.cancel(childID)

	case EventIdle:
		d.cancel(childID)
		if d.hasPending != nil && !d.hasPending(childID) {
			return
		}
		d.arm(childID)

	case EventError:
		// Errors never wait out the idle window.
		d.cancel(childID)
		if d.onError != nil {
			d.onError(childID, errMsg)
		}
	}
}

// arm schedules the stable-idle callback for a child.
func (d *Debouncer) arm(childID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.timers[childID] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, childID)
		d.mu.Unlock()

		log.Debug(log.CatDebounce, "Stable idle reached", "child", childID)
		if d.onStableIdle != nil {
			d.onStableIdle(childID)
		}
	})
}

// cancel stops and forgets a child's timer, if any.
func (d *Debouncer) cancel(childID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.timers[childID]; ok {
		timer.Stop()
		delete(d.timers, childID)
	}
}

// Stop cancels every armed timer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for childID, timer := range d.timers {
		timer.Stop()
		delete(d.timers, childID)
	}
}

// Armed reports whether a timer is currently armed for a child.
func (d *Debouncer) Armed(childID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[childID]
	return ok
}
