package brokercluster

import (
	"sync"
	"time"
)

// CoalesceChan merges bursts of Wake calls into a single tick on C, sent at
// least delay after the first Wake of the burst. Wake never blocks.
type CoalesceChan struct {
	C     <-chan time.Time
	c     chan time.Time
	wake  chan time.Time
	close chan struct{}
	once  sync.Once
}

func NewCoalesceChan(delay time.Duration) *CoalesceChan {
	ch := make(chan time.Time)
	c := &CoalesceChan{
		C:     ch,
		c:     ch,
		wake:  make(chan time.Time, 1),
		close: make(chan struct{}),
	}
	go c.run(delay)
	return c
}

func (c *CoalesceChan) run(delay time.Duration) {
	defer close(c.c)
	for {
		var t time.Time
		select {
		case t = <-c.wake:
		case <-c.close:
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.close:
				return
			}
		}
		select {
		case c.c <- t:
		case <-c.close:
			return
		}
	}
}

func (c *CoalesceChan) Wake() {
	select {
	case c.wake <- time.Now():
	default:
	}
}

func (c *CoalesceChan) Close() {
	c.once.Do(func() { close(c.close) })
}
