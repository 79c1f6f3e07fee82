// Package debounce coalesces bursts of change notifications into one
// delayed trigger.
package debounce

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultDelay is how long the debouncer waits after the last signal
// before firing.
const DefaultDelay = 3 * time.Second

// Debouncer holds a single pending deadline. Signaling while armed
// replaces the deadline instead of stacking timers, so a burst of
// notifications produces exactly one trigger, delay after the burst
// ends. Source labels are collected for logging only; debouncing
// happens regardless of label.
type Debouncer struct {
	delay time.Duration
	fire  func(sources []string)

	mu      sync.Mutex
	timer   *time.Timer
	sources mapset.Set[string]
	stopped bool
}

func New(delay time.Duration, fire func(sources []string)) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Debouncer{
		delay:   delay,
		fire:    fire,
		sources: mapset.NewSet[string](),
	}
}

// Signal records one change notification and re-arms the deadline.
func (d *Debouncer) Signal(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.sources.Add(source)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fireNow)
	slog.Debug("change signal", "source", source, "pending", d.sources.Cardinality())
}

func (d *Debouncer) fireNow() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	labels := d.sources.ToSlice()
	d.sources = mapset.NewSet[string]()
	d.timer = nil
	d.mu.Unlock()

	sort.Strings(labels)
	slog.Info("debounced change trigger", "sources", labels)
	d.fire(labels)
}

// Armed reports whether a trigger is currently pending.
func (d *Debouncer) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.timer != nil
}

// Stop cancels any pending trigger and refuses further signals.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.sources = mapset.NewSet[string]()
}
