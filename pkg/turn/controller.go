// Package turn implements the per-VM turn queue: exclusive input focus
// granted to one user at a time with bounded duration, FIFO successors,
// pause/resume, and forfeit on removal.
package turn

import "time"

// Controller is the turn state machine for one channel. It is not safe for
// concurrent use; the owning channel's executor serializes all calls. Timer
// expiry re-enters the owner through the dispatch function, so a stale
// timer callback observes the current state and does nothing.
type Controller[T comparable] struct {
	turnTime func() time.Duration
	dispatch func(func())
	onChange func()
	now      func() time.Time

	hasHolder bool
	holder    T
	queue     []T
	deadline  time.Time
	paused    bool
	remaining time.Duration
	timer     *time.Timer
	gen       uint64
}

// New creates a controller. turnTime is read at each grant so settings
// changes apply to the next turn. dispatch re-enters the owning executor;
// onChange fires after every observable transition.
func New[T comparable](turnTime func() time.Duration, dispatch func(func()), onChange func()) *Controller[T] {
	return &Controller[T]{
		turnTime: turnTime,
		dispatch: dispatch,
		onChange: onChange,
		now:      time.Now,
	}
}

// SetClock injects a clock for tests.
func (c *Controller[T]) SetClock(now func() time.Time) {
	c.now = now
}

// Holder returns the current turn holder, if any.
func (c *Controller[T]) Holder() (T, bool) {
	return c.holder, c.hasHolder
}

// Queue returns the users waiting behind the holder, in order.
func (c *Controller[T]) Queue() []T {
	out := make([]T, len(c.queue))
	copy(out, c.queue)
	return out
}

// Paused reports whether the turn timer is frozen.
func (c *Controller[T]) Paused() bool {
	return c.paused
}

// Remaining returns the time left on the current turn.
func (c *Controller[T]) Remaining() time.Duration {
	if !c.hasHolder {
		return 0
	}
	if c.paused {
		return c.remaining
	}
	d := c.deadline.Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}

// Request grants the turn immediately when idle, otherwise queues the
// user. Requesting while holding or while queued is a no-op.
func (c *Controller[T]) Request(user T) {
	if c.hasHolder {
		if c.holder == user {
			return
		}
		for _, queued := range c.queue {
			if queued == user {
				return
			}
		}
		c.queue = append(c.queue, user)
		c.onChange()
		return
	}
	c.grant(user)
	c.onChange()
}

// End releases the turn if user currently holds it.
func (c *Controller[T]) End(user T) {
	if !c.hasHolder || c.holder != user {
		return
	}
	c.advance()
	c.onChange()
}

// Remove purges user from both the holder slot and the queue, advancing
// the turn if the holder left.
func (c *Controller[T]) Remove(user T) {
	if c.hasHolder && c.holder == user {
		c.advance()
		c.onChange()
		return
	}
	for i, queued := range c.queue {
		if queued == user {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.onChange()
			return
		}
	}
}

// Pause freezes the current turn's remaining time.
func (c *Controller[T]) Pause() {
	if !c.hasHolder || c.paused {
		return
	}
	c.remaining = c.Remaining()
	c.paused = true
	c.stopTimer()
	c.onChange()
}

// Resume unfreezes a paused turn.
func (c *Controller[T]) Resume() {
	if !c.paused {
		return
	}
	c.paused = false
	if c.hasHolder {
		c.deadline = c.now().Add(c.remaining)
		c.arm(c.remaining)
	}
	c.onChange()
}

// Clear drops the holder and the whole queue without granting a successor.
func (c *Controller[T]) Clear() {
	c.stopTimer()
	var zero T
	c.holder = zero
	c.hasHolder = false
	c.queue = nil
	c.paused = false
	c.onChange()
}

func (c *Controller[T]) grant(user T) {
	c.holder = user
	c.hasHolder = true
	tt := c.turnTime()
	c.deadline = c.now().Add(tt)
	if c.paused {
		// Admin froze the timer; the new holder starts frozen with a
		// full turn.
		c.remaining = tt
		return
	}
	c.arm(tt)
}

func (c *Controller[T]) advance() {
	c.stopTimer()
	if len(c.queue) == 0 {
		var zero T
		c.holder = zero
		c.hasHolder = false
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.grant(next)
}

func (c *Controller[T]) arm(d time.Duration) {
	c.stopTimer()
	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		c.dispatch(func() {
			c.expire(gen)
		})
	})
}

func (c *Controller[T]) stopTimer() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller[T]) expire(gen uint64) {
	if gen != c.gen || !c.hasHolder || c.paused {
		return
	}
	c.advance()
	c.onChange()
}
