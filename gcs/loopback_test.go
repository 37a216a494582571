package gcs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubConfigChanges(t *testing.T) {
	hub := NewHub()
	a, b := hub.Group(), hub.Group()

	chA, err := a.Join("b-node")
	require.NoError(t, err)
	assert.Equal(t, Event{Type: ConfigChange, Addresses: "b-node"}, next(t, chA))

	chB, err := b.Join("a-node")
	require.NoError(t, err)
	assert.Equal(t, "a-node,b-node", next(t, chA).Addresses)
	assert.Equal(t, "a-node,b-node", next(t, chB).Addresses)

	_, err = a.Join("again")
	assert.Equal(t, ErrAlreadyJoined, err)
	_, err = hub.Group().Join("a-node")
	assert.Equal(t, ErrAlreadyJoined, err)

	b.Leave()
	assert.Equal(t, "b-node", next(t, chA).Addresses)
	_, ok := <-chB
	assert.False(t, ok)
}

func TestHubTotalOrder(t *testing.T) {
	hub := NewHub()
	groups := []Group{hub.Group(), hub.Group(), hub.Group()}
	chans := make([]<-chan Event, len(groups))
	for i, g := range groups {
		ch, err := g.Join(string(rune('a' + i)))
		require.NoError(t, err)
		chans[i] = ch
	}
	// drain config changes: endpoint i saw len(groups)-i of them
	for i, ch := range chans {
		for j := i; j < len(groups); j++ {
			require.Equal(t, ConfigChange, next(t, ch).Type)
		}
	}

	done := make(chan struct{})
	for i, g := range groups {
		go func(i int, g Group) {
			for n := 0; n < 20; n++ {
				assert.NoError(t, g.Multicast([]byte{byte(i), byte(n)}))
			}
			done <- struct{}{}
		}(i, g)
	}
	for range groups {
		<-done
	}

	var orders [][]string
	for _, ch := range chans {
		var order []string
		for n := 0; n < 60; n++ {
			ev := next(t, ch)
			require.Equal(t, Deliver, ev.Type)
			order = append(order, ev.Sender+string(ev.Payload))
		}
		orders = append(orders, order)
	}
	assert.Equal(t, orders[0], orders[1])
	assert.Equal(t, orders[0], orders[2])
}

func TestHubMessageSize(t *testing.T) {
	hub := NewHub()
	g := hub.Group()
	assert.Equal(t, ErrNotJoined, g.Multicast([]byte("x")))
	_, err := g.Join("a")
	require.NoError(t, err)
	assert.Equal(t, ErrMessageTooLarge, g.Multicast(make([]byte, DefaultMaxMessageSize+1)))
}

func TestHubPartition(t *testing.T) {
	hub := NewHub()
	a, b := hub.Group(), hub.Group()
	chA, _ := a.Join("a")
	next(t, chA)
	chB, _ := b.Join("b")
	next(t, chA)
	next(t, chB)

	hub.Partition("b")
	assert.Equal(t, "a", next(t, chA).Addresses)
	assert.Equal(t, ErrNotJoined, b.Multicast([]byte("lost")))

	hub.Heal(b)
	assert.Equal(t, Reset, next(t, chB).Type)
	assert.Equal(t, "a,b", next(t, chB).Addresses)
	assert.Equal(t, "a,b", next(t, chA).Addresses)
}

func TestFormatAddresses(t *testing.T) {
	assert.Equal(t, "", FormatAddresses(nil))
	ids := []string{"c", "a", "b"}
	assert.Equal(t, "a,b,c", FormatAddresses(ids))
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}
