// internal/game/round_timer_test.go
package game

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type firings struct {
	mu   sync.Mutex
	gens []uint64
}

func (f *firings) fire(gen uint64) {
	f.mu.Lock()
	f.gens = append(f.gens, gen)
	f.mu.Unlock()
}

func (f *firings) get() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.gens...)
}

func TestTimerFiresWithGeneration(t *testing.T) {
	f := &firings{}
	rt := newRoundTimer(f.fire)

	gen := rt.Arm(5 * time.Millisecond)
	assert.True(t, rt.Active())
	assert.Eventually(t, func() bool { return len(f.get()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{gen}, f.get())
	assert.Equal(t, gen, rt.Generation())
}

func TestShrinkOncePerRound(t *testing.T) {
	rt := newRoundTimer(func(uint64) {})
	defer rt.Stop()

	assert.False(t, rt.Shrink(time.Second), "nothing armed")

	first := rt.Arm(time.Hour)
	assert.True(t, rt.Shrink(time.Hour))
	assert.Greater(t, rt.Generation(), first, "shrinking invalidates the old firing")
	assert.False(t, rt.Shrink(time.Hour))

	rt.Arm(time.Hour)
	assert.True(t, rt.Shrink(time.Hour), "a new round may shrink again")
}

func TestStopInvalidatesGeneration(t *testing.T) {
	f := &firings{}
	rt := newRoundTimer(f.fire)

	gen := rt.Arm(time.Hour)
	rt.Stop()
	assert.False(t, rt.Active())
	assert.NotEqual(t, gen, rt.Generation())

	// A firing that raced the stop still reports the old generation, which
	// the room compares against the current one.
	rt.fire(gen)
	assert.NotEqual(t, rt.Generation(), f.get()[0])
}
