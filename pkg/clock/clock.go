package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into rules and rate limiters.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	NewTimer(d time.Duration) Timer
}

// Timer mirrors time.Timer. Callers that stop waiting early must call Stop.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realClock struct{}

func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }

func (r realTimer) Stop() bool { return r.t.Stop() }

// Fake is a manually driven clock. Sleep and timers advance the fake time
// instead of blocking, which keeps timing tests deterministic.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	stopped int
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
}

// NewTimer advances the fake time by d and returns a timer that has already
// fired.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.Sleep(d)
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return &fakeTimer{clock: f, c: ch}
}

type fakeTimer struct {
	clock *Fake
	c     chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.clock.stopped++
	return false
}

// Stopped reports how many times Stop was called on the fake's timers.
func (f *Fake) Stopped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Sleeps returns every duration passed to Sleep or NewTimer, in call order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}
