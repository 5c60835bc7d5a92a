// internal/game/round_timer.go
package game

import "time"

// roundTimer is the one-shot deadline of an active round. Every arm, shrink
// or stop bumps the generation; a firing carries the generation it was armed
// with so the room can discard stale ones. Callers hold the room lock.
type roundTimer struct {
	timer  *time.Timer
	gen    uint64
	shrunk bool
	fire   func(gen uint64)
}

func newRoundTimer(fire func(gen uint64)) *roundTimer {
	return &roundTimer{fire: fire}
}

// Arm starts a fresh deadline d from now, replacing any running one.
func (t *roundTimer) Arm(d time.Duration) uint64 {
	t.Stop()
	t.shrunk = false
	return t.schedule(d)
}

// Shrink moves the deadline to d from now. It succeeds once per armed round.
func (t *roundTimer) Shrink(d time.Duration) bool {
	if t.timer == nil || t.shrunk {
		return false
	}
	t.timer.Stop()
	t.shrunk = true
	t.schedule(d)
	return true
}

// Stop disposes the timer and invalidates any firing already in flight.
func (t *roundTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *roundTimer) Active() bool {
	return t.timer != nil
}

func (t *roundTimer) Generation() uint64 {
	return t.gen
}

func (t *roundTimer) schedule(d time.Duration) uint64 {
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
	return gen
}
