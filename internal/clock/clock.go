// Package clock lets the retry loop and the recorder run on a controllable
// time source. Production code uses Real; tests drive a Mock.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source of the bridge
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// After sends the current time on the returned channel once d has elapsed
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the time package
type Real struct{}

// NewReal creates a Real clock
func NewReal() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Mock is a Clock whose time only moves through Advance and Set
type Mock struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMock creates a Mock starting at start
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// After registers a waiter released by the Advance that reaches its deadline.
// A non-positive d fires immediately.
func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.current
		return ch
	}
	m.waiters = append(m.waiters, waiter{deadline: m.current.Add(d), ch: ch})
	return ch
}

// Pending returns the number of waiters not yet released
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Advance moves the clock forward by d and releases expired waiters
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current

	remaining := m.waiters[:0]
	var fired []waiter
	for _, w := range m.waiters {
		if w.deadline.After(now) {
			remaining = append(remaining, w)
		} else {
			fired = append(fired, w)
		}
	}
	m.waiters = remaining
	m.mu.Unlock()

	// Channels are buffered, sends never block.
	for _, w := range fired {
		w.ch <- now
	}
}

// Set moves the clock to t. Moving backwards releases nothing.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	current := m.current
	if !t.After(current) {
		m.current = t
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.Advance(t.Sub(current))
}
