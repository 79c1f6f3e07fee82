package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fires [][]string
}

func (r *recorder) fire(sources []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, sources)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *recorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fires) == 0 {
		return nil
	}
	return r.fires[len(r.fires)-1]
}

func TestDebouncer_BurstCoalescesToOneTrigger(t *testing.T) {
	rec := &recorder{}
	d := New(30*time.Millisecond, rec.fire)
	defer d.Stop()

	d.Signal("settings")
	d.Signal("file:a.txt")
	d.Signal("settings") // duplicate label coalesces

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"file:a.txt", "settings"}, rec.last())
	assert.False(t, d.Armed())

	// no second trigger from the same burst
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestDebouncer_SignalWhileArmedReplacesDeadline(t *testing.T) {
	rec := &recorder{}
	d := New(50*time.Millisecond, rec.fire)
	defer d.Stop()

	d.Signal("a")
	time.Sleep(30 * time.Millisecond)
	d.Signal("b") // pushes the deadline out
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first signal, but only 30ms after the second
	assert.Zero(t, rec.count())

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, rec.last())
}

func TestDebouncer_StopCancelsPendingTrigger(t *testing.T) {
	rec := &recorder{}
	d := New(20*time.Millisecond, rec.fire)

	d.Signal("a")
	d.Stop()
	d.Signal("after-stop")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())
	assert.False(t, d.Armed())
}
