// Package dispatch implements OSC address-pattern routing: a handler
// table with a match cache (§4.2–§4.3), a timetag-aware bundle scheduler
// (§4.5), and the Dispatcher that ties decode, scheduling, matching,
// validation and invocation together (§4.4).
package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/halfline/oscpeer"
	"github.com/halfline/oscpeer/internal/oscpeerlog"
	"github.com/halfline/oscpeer/validate"
)

// Dispatcher routes decoded OSC packets to registered handlers. The zero
// value is not usable; construct one with New.
type Dispatcher struct {
	table          *handlerTable
	scheduler      *scheduler
	log            *slog.Logger
	matchCacheSize int
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithLogger sets the base logger the dispatcher (and its scheduler)
// derive their subsystem loggers from.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMatchCacheSize bounds the handler-table match cache to at most n
// addresses, evicted least-recently-used (spec.md §4.3). n <= 0 leaves the
// cache unbounded, which is the default.
func WithMatchCacheSize(n int) Option {
	return func(d *Dispatcher) { d.matchCacheSize = n }
}

// New builds a Dispatcher ready to accept handler registrations and
// dispatch packets. The scheduler's worker is not started until the first
// bundle actually needs scheduling.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, o := range opts {
		o(d)
	}
	d.table = newHandlerTable(d.matchCacheSize)
	d.scheduler = newScheduler(d.log, d.dispatchBundleNow)
	return d
}

// AddHandler registers h on pattern, with an optional validator. Multiple
// handlers may share a pattern. A malformed pattern is rejected and not
// stored.
func (d *Dispatcher) AddHandler(pattern string, h Handler, validator validate.Validator) error {
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for pattern %q", pattern)
	}
	if err := d.table.add(pattern, h, validator); err != nil {
		return fmt.Errorf("dispatch: add handler: %w", err)
	}
	return nil
}

// RemoveHandler removes every handler registered for the exact pattern
// string. Removing an absent pattern is a no-op.
func (d *Dispatcher) RemoveHandler(pattern string) {
	d.table.remove(pattern)
}

// AddDefaultHandler sets the single fallback handler, invoked when no
// pattern matches an incoming address. It replaces any prior default.
func (d *Dispatcher) AddDefaultHandler(h Handler, validator validate.Validator) {
	d.table.addDefault(h, validator)
}

// Dispatch is the entry point from a transport's receive loop. packet is
// either a decoded *osc.Message or *osc.Bundle.
func (d *Dispatcher) Dispatch(packet osc.Packet) {
	switch p := packet.(type) {
	case *osc.Message:
		d.dispatchMessage(p)
	case *osc.Bundle:
		d.dispatchBundle(p, time.Now())
	default:
		d.logger().Warn("dispatch: unknown packet type", slog.Any("type", packet))
	}
}

func (d *Dispatcher) dispatchBundle(b *osc.Bundle, now time.Time) {
	if b.TimeTag.Immediate() || !b.TimeTag.Time.After(now) {
		// Immediate, or a past-but-non-zero timetag: spec.md §4.4 chooses
		// "fire now" over dropping it.
		d.dispatchBundleNow(b)
		return
	}
	// Convert the wall-clock timetag into a deadline on now's monotonic
	// clock, once, here at scheduling time.
	fireAt := now.Add(b.TimeTag.Time.Sub(now))
	d.scheduler.start()
	d.scheduler.schedule(b, fireAt)
}

// dispatchBundleNow recursively dispatches every element of b in order. It
// is also the scheduler's delivery callback, invoked from the worker
// goroutine once fireAt has passed.
func (d *Dispatcher) dispatchBundleNow(b *osc.Bundle) {
	for _, el := range b.Elements {
		switch v := el.(type) {
		case *osc.Message:
			d.dispatchMessage(v)
		case *osc.Bundle:
			d.dispatchBundle(v, time.Now())
		}
	}
}

func (d *Dispatcher) dispatchMessage(msg *osc.Message) {
	entries := d.table.matches(msg.Address)
	for _, e := range entries {
		if e.validator != nil {
			if err := e.validator.Validate(msg); err != nil {
				d.logger().Debug("validator rejected message", slog.String("address", msg.Address), slog.Any("err", err))
				continue
			}
		}
		d.invoke(e, msg)
	}
}

// invoke calls a single handler, recovering from and logging any panic so
// one bad handler never prevents the others (or later messages) from
// running.
func (d *Dispatcher) invoke(e *entry, msg *osc.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Error("handler panicked",
				slog.String("pattern", e.pattern),
				slog.String("address", msg.Address),
				slog.Any("recovered", r))
		}
	}()
	e.handler(msg)
}

// Stop stops the bundle scheduler, discarding any entries still pending.
// It does not clear registered handlers; a Dispatcher may be reused after
// Stop by scheduling another bundle, which restarts the worker.
func (d *Dispatcher) Stop() {
	d.scheduler.stop()
}

func (d *Dispatcher) logger() *slog.Logger {
	return oscpeerlog.For(d.log, oscpeerlog.Dispatch)
}
