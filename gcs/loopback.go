package gcs

import (
	"sync"
)

// Hub is an in-process group. Every endpoint sees the same order of events.
type Hub struct {
	mu             sync.Mutex
	endpoints      map[string]*endpoint
	order          []string
	maxMessageSize int
}

func NewHub() *Hub {
	return &Hub{
		endpoints:      make(map[string]*endpoint),
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// Group returns a handle that can join the hub once.
func (h *Hub) Group() Group {
	return &loopbackGroup{hub: h}
}

// Partition removes id from the group as if its connection had dropped. The
// endpoint keeps its channel open and gets a Reset once Heal is called.
func (h *Hub) Partition(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[id]; !ok {
		return
	}
	h.removeLocked(id)
	h.broadcastConfigLocked()
}

// Heal puts a partitioned endpoint back into the group.
func (h *Hub) Heal(g Group) {
	lg, ok := g.(*loopbackGroup)
	if !ok || lg.ep == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[lg.self]; ok {
		return
	}
	h.endpoints[lg.self] = lg.ep
	h.order = append(h.order, lg.self)
	lg.ep.push(Event{Type: Reset})
	h.broadcastConfigLocked()
}

func (h *Hub) removeLocked(id string) {
	delete(h.endpoints, id)
	for i, o := range h.order {
		if o == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *Hub) broadcastConfigLocked() {
	addrs := FormatAddresses(h.order)
	for _, id := range h.order {
		h.endpoints[id].push(Event{Type: ConfigChange, Addresses: addrs})
	}
}

func (h *Hub) multicast(sender string, payload []byte) error {
	if len(payload) > h.maxMessageSize {
		return ErrMessageTooLarge
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[sender]; !ok {
		return ErrNotJoined
	}
	for _, id := range h.order {
		h.endpoints[id].push(Event{Type: Deliver, Sender: sender, Payload: payload})
	}
	return nil
}

type loopbackGroup struct {
	hub  *Hub
	self string
	ep   *endpoint
}

func (g *loopbackGroup) Join(self string) (<-chan Event, error) {
	g.hub.mu.Lock()
	defer g.hub.mu.Unlock()
	if g.ep != nil {
		return nil, ErrAlreadyJoined
	}
	if _, ok := g.hub.endpoints[self]; ok {
		return nil, ErrAlreadyJoined
	}
	g.self = self
	g.ep = newEndpoint()
	g.hub.endpoints[self] = g.ep
	g.hub.order = append(g.hub.order, self)
	g.hub.broadcastConfigLocked()
	return g.ep.out, nil
}

func (g *loopbackGroup) Multicast(payload []byte) error {
	if g.ep == nil {
		return ErrNotJoined
	}
	return g.hub.multicast(g.self, payload)
}

func (g *loopbackGroup) Leave() {
	if g.ep == nil {
		return
	}
	g.hub.mu.Lock()
	if _, ok := g.hub.endpoints[g.self]; ok {
		g.hub.removeLocked(g.self)
		g.hub.broadcastConfigLocked()
	}
	g.hub.mu.Unlock()
	g.ep.close()
}

// endpoint queues events without bound so that a slow consumer never blocks
// the hub, and pumps them to out in order.
type endpoint struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	out    chan Event
	done   chan struct{}
}

func newEndpoint() *endpoint {
	e := &endpoint{
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.pump()
	return e
}

func (e *endpoint) push(ev Event) {
	e.mu.Lock()
	if !e.closed {
		e.queue = append(e.queue, ev)
		e.cond.Signal()
	}
	e.mu.Unlock()
}

func (e *endpoint) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.done)
		e.cond.Signal()
	}
	e.mu.Unlock()
}

func (e *endpoint) pump() {
	defer close(e.out)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		select {
		case e.out <- ev:
		case <-e.done:
			return
		}
	}
}
