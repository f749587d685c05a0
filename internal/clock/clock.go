// Package clock provides the epoch-millisecond time source the agent reads
// once per doWork invocation (spec.md §3 "epoch clock", §4.1 step 1).
//
// Wrapping clockwork rather than calling time.Now() directly lets agent
// tests drive deadlines (progress timeout, cool-down, query interval)
// deterministically instead of sleeping real wall-clock time.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the epoch clock collaborator of spec.md §3/§4.1/§5.
type Clock interface {
	// NowMs returns the current time as milliseconds since the Unix epoch.
	NowMs() int64
}

type realClock struct {
	c clockwork.Clock
}

// New returns a Clock backed by the real wall clock.
func New() Clock {
	return realClock{c: clockwork.NewRealClock()}
}

func (r realClock) NowMs() int64 {
	return r.c.Now().UnixMilli()
}

// Fake wraps a clockwork.FakeClock for deterministic tests. Advance moves
// the clock forward; NowMs reads the current fake time.
type Fake struct {
	clockwork.FakeClock
}

// NewFake returns a Fake clock started at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{FakeClock: clockwork.NewFakeClock()}
}

// NowMs implements Clock.
func (f *Fake) NowMs() int64 {
	return f.Now().UnixMilli()
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.FakeClock.Advance(d)
}
