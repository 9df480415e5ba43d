package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halfline/oscpeer"
	"github.com/halfline/oscpeer/validate"
)

// fakeSender stands in for a peer: it lets the test simulate "the other
// side" replying by calling the handler's Handle method directly.
type fakeSender struct {
	mu   sync.Mutex
	sent []*osc.Message
	fn   func(msg *osc.Message)
}

func (f *fakeSender) Send(p osc.Packet) error {
	msg, _ := p.(*osc.Message)
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
	return nil
}

// S6 — call success.
func TestCallSuccess(t *testing.T) {
	h := New(nil)
	sender := &fakeSender{}
	h.sender = sender
	sender.fn = func(msg *osc.Message) {
		go h.Handle(osc.NewMessage("/pong", osc.AsString("pong!")))
	}

	reply, err := h.Call(context.Background(), osc.NewMessage("/ping"), "/pong", time.Second, nil)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "/pong", reply.Address)
}

// S7 — call timeout.
func TestCallTimeout(t *testing.T) {
	h := New(&fakeSender{}) // never replies
	start := time.Now()
	reply, err := h.Call(context.Background(), osc.NewMessage("/ping"), "/pong", 150*time.Millisecond, nil)
	elapsed := time.Since(start)

	assert.Nil(t, reply)
	assert.ErrorIs(t, err, ErrNoReply)
	assert.InDelta(t, 150*time.Millisecond, elapsed, float64(100*time.Millisecond))
}

func TestCallValidationFailure(t *testing.T) {
	h := New(nil)
	sender := &fakeSender{}
	h.sender = sender
	sender.fn = func(msg *osc.Message) {
		go h.Handle(osc.NewMessage("/pong", osc.AsInt32(1)))
	}

	reply, err := h.Call(context.Background(), osc.NewMessage("/ping"), "/pong", time.Second, validate.ArgCount(2))
	assert.Nil(t, reply)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCallUnsolicitedReplyDropped(t *testing.T) {
	h := New(&fakeSender{})
	assert.NotPanics(t, func() {
		h.Handle(osc.NewMessage("/nobody/is/waiting"))
	})
}

func TestCallDuplicateReplacePolicy(t *testing.T) {
	h := New(&fakeSender{}, WithDuplicatePolicy(Replace))

	firstDone := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), osc.NewMessage("/ping"), "/pong", 2*time.Second, nil)
		firstDone <- err
	}()
	// Give the first call time to register before the second supersedes it.
	time.Sleep(50 * time.Millisecond)

	go h.Handle(osc.NewMessage("/pong"))
	secondReply, err := h.Call(context.Background(), osc.NewMessage("/ping"), "/pong", time.Second, nil)
	require.NoError(t, err)
	require.NotNil(t, secondReply)

	select {
	case firstErr := <-firstDone:
		assert.ErrorIs(t, firstErr, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("first call never returned after being superseded")
	}
}

func TestCallDuplicateQueuePolicy(t *testing.T) {
	h := New(&fakeSender{}, WithDuplicatePolicy(Queue))

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			reply, err := h.Call(context.Background(), osc.NewMessage("/ping"), "/pong", 2*time.Second, nil)
			if err != nil {
				results <- "err:" + err.Error()
				return
			}
			results <- reply.Address
		}()
	}
	time.Sleep(50 * time.Millisecond)

	h.Handle(osc.NewMessage("/pong"))
	h.Handle(osc.NewMessage("/pong"))

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			assert.Equal(t, "/pong", r)
		case <-time.After(time.Second):
			t.Fatal("queued call never returned")
		}
	}
}
