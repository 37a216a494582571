package brokercluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalesceChan(t *testing.T) {
	c := NewCoalesceChan(50 * time.Millisecond)
	defer c.Close()

	start := time.Now()
	for i := 0; i < 10; i++ {
		c.Wake()
	}
	select {
	case <-c.C:
		assert.True(t, time.Since(start) >= 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("no tick after wake")
	}

	// the burst produced at most one extra tick
	ticks := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-c.C:
			ticks++
		case <-timeout:
			break loop
		}
	}
	assert.LessOrEqual(t, ticks, 1)
}

func TestCoalesceChanClose(t *testing.T) {
	c := NewCoalesceChan(0)
	c.Close()
	c.Close()
	c.Wake()
	select {
	case _, ok := <-c.C:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
