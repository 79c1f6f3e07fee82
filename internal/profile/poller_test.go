package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gavindi/gnoming-profiles-sub000/internal/tokencache"
)

func TestPollOnce_TriState(t *testing.T) {
	fb := newFakeBackend()
	tokens := tokencache.New()
	p := NewPoller(fb, tokens, time.Minute)

	var notified []RemoteChange
	p.OnRemoteChange = func(rc RemoteChange) { notified = append(notified, rc) }

	// no change
	got := p.PollOnce(context.Background())
	assert.Equal(t, tokencache.PollNoChange, got)
	assert.Equal(t, tokencache.PollNoChange, tokens.LastResult())
	assert.Empty(t, notified)

	// change fires the callback
	fb.pollChanged = true
	got = p.PollOnce(context.Background())
	assert.Equal(t, tokencache.PollChanged, got)
	assert.Len(t, notified, 1)
	assert.Equal(t, "fake", notified[0].Backend)

	// error is never reported as no-change
	fb.pollErr = errors.New("server unreachable")
	got = p.PollOnce(context.Background())
	assert.Equal(t, tokencache.PollError, got)
	assert.Equal(t, tokencache.PollError, tokens.LastResult())
	assert.Len(t, notified, 1)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	fb := newFakeBackend()
	p := NewPoller(fb, tokencache.New(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
