package scheduler

import (
	"sync"
	"time"
)

// ManualClock is a Clock whose time only moves when Advance is called.
// Delay and ticker tasks fire synchronously inside Advance, in due-time
// order, which makes timer-driven state machines fully deterministic in
// tests.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	delays  map[string]*manualDelay
	tickers map[string]*manualTicker
}

type manualDelay struct {
	due time.Time
	fn  TaskFn
}

type manualTicker struct {
	next     time.Time
	interval time.Duration
	fn       TaskFn
}

// NewManualClock creates a ManualClock starting at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		now:     start,
		delays:  make(map[string]*manualDelay),
		tickers: make(map[string]*manualTicker),
	}
}

// Now returns the clock's current instant.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AddTicker registers a repeating task. Replaces any task with the same name.
func (c *ManualClock) AddTicker(name string, interval time.Duration, fn TaskFn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.delays, name)
	c.tickers[name] = &manualTicker{next: c.now.Add(interval), interval: interval, fn: fn}
}

// AddDelay registers a one-shot task. Replaces any task with the same name.
func (c *ManualClock) AddDelay(name string, delay time.Duration, fn TaskFn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tickers, name)
	c.delays[name] = &manualDelay{due: c.now.Add(delay), fn: fn}
}

// Remove cancels the named task.
func (c *ManualClock) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.delays, name)
	delete(c.tickers, name)
}

// Pending reports whether a task with the given name is registered.
func (c *ManualClock) Pending(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, d := c.delays[name]
	_, t := c.tickers[name]
	return d || t
}

// Advance moves time forward by d, firing every task that comes due, in
// chronological order. Tasks run without the clock lock held, so they may
// schedule or cancel other tasks.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		name, fn, due, isTicker := c.nextDueLocked(target)
		if fn == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = due
		if isTicker {
			c.tickers[name].next = due.Add(c.tickers[name].interval)
		} else {
			delete(c.delays, name)
		}
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
}

// nextDueLocked finds the earliest task due at or before target.
func (c *ManualClock) nextDueLocked(target time.Time) (name string, fn TaskFn, due time.Time, isTicker bool) {
	for n, dl := range c.delays {
		if dl.due.After(target) {
			continue
		}
		if fn == nil || dl.due.Before(due) {
			name, fn, due, isTicker = n, dl.fn, dl.due, false
		}
	}
	for n, tk := range c.tickers {
		if tk.next.After(target) {
			continue
		}
		if fn == nil || tk.next.Before(due) {
			name, fn, due, isTicker = n, tk.fn, tk.next, true
		}
	}
	return name, fn, due, isTicker
}
