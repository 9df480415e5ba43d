// Package call implements the synchronous request/response layer described
// in spec.md §4.6: it correlates an outgoing message with an expected
// reply on a return address, enforces a per-call timeout, and is safe
// under concurrent callers. A Handler is itself a dispatch.Handler — it is
// typically installed as the dispatcher's default handler, or on a
// specific return address.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halfline/oscpeer"
	"github.com/halfline/oscpeer/internal/oscpeerlog"
	"github.com/halfline/oscpeer/validate"
)

// Sender is the subset of peer.Peer a Handler needs to make an outgoing
// call. It is a narrow interface so call can be tested without a real
// transport.
type Sender interface {
	Send(p osc.Packet) error
}

// DuplicatePolicy selects what happens when a second Call is made on a
// return address that already has a pending call. spec.md §4.6 leaves this
// implementer-policy; both are implemented here. See SPEC_FULL.md's Open
// Question decisions.
type DuplicatePolicy int

const (
	// Replace supersedes any prior pending call on the same return
	// address; the superseded caller's Call returns ErrSuperseded. This
	// is the default.
	Replace DuplicatePolicy = iota
	// Queue lets concurrent calls on the same return address queue
	// FIFO; each is satisfied by a reply in turn.
	Queue
)

var (
	// ErrNoReply is returned when a Call's deadline passes with no
	// matching reply.
	ErrNoReply = errors.New("call: no reply before deadline")
	// ErrSuperseded is returned to a caller whose pending call was
	// replaced by a newer call on the same return address (Replace
	// policy only).
	ErrSuperseded = errors.New("call: superseded by a later call on the same return address")
)

// ValidationError wraps a validator's rejection of an incoming reply.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return fmt.Sprintf("call: reply failed validation: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// outcome is delivered on a pending call's single-shot channel.
type outcome struct {
	msg *osc.Message
	err error
}

// pending is one entry in the registry, §3 "Pending call".
type pending struct {
	id        string
	validator validate.Validator
	result    chan outcome
}

// Handler is the call-handler registry keyed by return address.
type Handler struct {
	sender Sender
	policy DuplicatePolicy
	log    *slog.Logger

	mu      sync.Mutex
	byAddr  map[string][]*pending // single entry for Replace, FIFO queue for Queue
}

// Option configures a Handler at construction time.
type Option func(*Handler)

// WithDuplicatePolicy sets the policy applied when two calls share a
// return address concurrently. Default is Replace.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(h *Handler) { h.policy = p }
}

// WithLogger sets the base logger the handler derives its subsystem logger
// from.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New builds a call Handler that sends outgoing calls via sender.
func New(sender Sender, opts ...Option) *Handler {
	h := &Handler{sender: sender, byAddr: map[string][]*pending{}}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Call sends msg, then blocks until a reply arrives on returnAddr, timeout
// elapses, or ctx is cancelled. It satisfies property 4 of spec.md §8:
// exactly one of {delivered, timed-out} is observed for a given call.
func (h *Handler) Call(ctx context.Context, msg *osc.Message, returnAddr string, timeout time.Duration, validator validate.Validator) (*osc.Message, error) {
	p := &pending{
		id:        uuid.NewString(),
		validator: validator,
		result:    make(chan outcome, 1),
	}
	h.register(returnAddr, p)

	if err := h.sender.Send(msg); err != nil {
		h.remove(returnAddr, p)
		return nil, fmt.Errorf("call: sending to %q: %w", msg.Address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case o := <-p.result:
		return o.msg, o.err
	case <-ctx.Done():
		h.remove(returnAddr, p)
		h.logger().Debug("call timed out", slog.String("return_addr", returnAddr), slog.String("call_id", p.id))
		return nil, ErrNoReply
	}
}

func (h *Handler) register(addr string, p *pending) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.policy {
	case Queue:
		h.byAddr[addr] = append(h.byAddr[addr], p)
	default: // Replace
		if existing := h.byAddr[addr]; len(existing) > 0 {
			old := existing[0]
			select {
			case old.result <- outcome{err: ErrSuperseded}:
			default:
			}
		}
		h.byAddr[addr] = []*pending{p}
	}
}

// remove deletes p from the registry if it is still present, so a pending
// call is removed exactly once: either here (the timeout path) or in
// Handle (the reply-delivery path), never both.
func (h *Handler) remove(addr string, p *pending) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.byAddr[addr]
	for i, e := range q {
		if e == p {
			h.byAddr[addr] = append(q[:i], q[i+1:]...)
			if len(h.byAddr[addr]) == 0 {
				delete(h.byAddr, addr)
			}
			return
		}
	}
}

// Handle implements dispatch.Handler: it is called by the Dispatcher for
// every incoming message routed to it (typically as the default handler).
// If no call is pending on msg.Address, the message is dropped — not an
// error, since unsolicited messages are ordinary OSC traffic.
func (h *Handler) Handle(msg *osc.Message) {
	p := h.popFront(msg.Address)
	if p == nil {
		return
	}

	if p.validator != nil {
		if err := p.validator.Validate(msg); err != nil {
			p.result <- outcome{err: &ValidationError{Err: err}}
			return
		}
	}
	p.result <- outcome{msg: msg}
}

func (h *Handler) popFront(addr string) *pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.byAddr[addr]
	if len(q) == 0 {
		return nil
	}
	p := q[0]
	h.byAddr[addr] = q[1:]
	if len(h.byAddr[addr]) == 0 {
		delete(h.byAddr, addr)
	}
	return p
}

func (h *Handler) logger() *slog.Logger {
	return oscpeerlog.For(h.log, oscpeerlog.Call)
}
