package ratelimit

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestWindowLimitsPerKey(t *testing.T) {
	c := qt.New(t)
	w := NewWindow(3, time.Minute)

	for range 3 {
		ok, _ := w.Allow("alice")
		c.Assert(ok, qt.IsTrue)
	}
	ok, wait := w.Allow("alice")
	c.Assert(ok, qt.IsFalse)
	c.Assert(wait > 0, qt.IsTrue)
	c.Assert(wait <= time.Minute, qt.IsTrue)

	// Other keys are unaffected.
	ok, _ = w.Allow("bob")
	c.Assert(ok, qt.IsTrue)
}

func TestWindowSlides(t *testing.T) {
	c := qt.New(t)
	w := NewWindow(2, 50*time.Millisecond)

	ok, _ := w.Allow("k")
	c.Assert(ok, qt.IsTrue)
	ok, _ = w.Allow("k")
	c.Assert(ok, qt.IsTrue)
	ok, _ = w.Allow("k")
	c.Assert(ok, qt.IsFalse)

	time.Sleep(60 * time.Millisecond)
	ok, _ = w.Allow("k")
	c.Assert(ok, qt.IsTrue)
}

func TestSweepDropsIdleKeys(t *testing.T) {
	c := qt.New(t)
	w := NewWindow(1, 10*time.Millisecond)

	w.Allow("one-shot")
	time.Sleep(20 * time.Millisecond)
	// The next call triggers the sweep and drops the idle key.
	w.Allow("other")

	w.mu.Lock()
	_, exists := w.events["one-shot"]
	w.mu.Unlock()
	c.Assert(exists, qt.IsFalse)
}
