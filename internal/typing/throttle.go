// Package typing limits how often "user is typing" notifications are sent.
package typing

import (
	"sync"
	"time"
)

// DefaultInterval is the minimum gap between two notifications.
const DefaultInterval = 3 * time.Second

// Notifier emits the actual notification, e.g. a key-press note on a topic.
type Notifier interface {
	NoteKeyPress()
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func()

// NoteKeyPress calls f.
func (f NotifierFunc) NoteKeyPress() { f() }

// Throttle gates typing notifications. It is Idle until the first event and
// then Suppressed until the interval after the last emission has passed.
// Use one Throttle per conversation.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	notifier Notifier
	now      func() time.Time
	until    time.Time
	idle     bool
}

// Option customises a Throttle.
type Option func(*Throttle)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a throttle. A non-positive interval selects DefaultInterval.
func New(interval time.Duration, notifier Notifier, opts ...Option) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Throttle{
		interval: interval,
		notifier: notifier,
		now:      time.Now,
		idle:     true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Keypress records a typing event at the current time.
func (t *Throttle) Keypress() bool {
	return t.Observe(t.now())
}

// Observe records a typing event at now and reports whether a notification
// was emitted.
func (t *Throttle) Observe(now time.Time) bool {
	t.mu.Lock()
	if !t.idle && now.Before(t.until) {
		t.mu.Unlock()
		return false
	}
	t.idle = false
	t.until = now.Add(t.interval)
	t.mu.Unlock()

	if t.notifier != nil {
		t.notifier.NoteKeyPress()
	}
	return true
}

// Reset returns the throttle to Idle, e.g. after the draft was sent.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.idle = true
	t.until = time.Time{}
	t.mu.Unlock()
}
