package membership

import (
	"fmt"
	"strings"
)

// Status is the join status of a peer.
type Status int

const (
	// Unknown peers are in neither the joiner nor the member map.
	Unknown Status = iota
	// Joiner peers asked to join and wait for an update.
	Joiner
	// Member peers are fully admitted.
	Member
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Joiner:
		return "joiner"
	case Member:
		return "member"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type transition int

const (
	request transition = iota
	ready
)

// transitions[from][event] is the status a peer ends up in. A peer holds a
// single status, so it can never be a joiner and a member at once.
var transitions = [...][2]Status{
	Unknown: {request: Joiner, ready: Member},
	Joiner:  {request: Joiner, ready: Member},
	Member:  {request: Member, ready: Member},
}

type peer struct {
	status Status
	url    URL
}

// Map is a node's view of the cluster: joiners waiting for an update,
// established members, peers the group layer reports alive, and the sequence
// number stamped on outgoing snapshots.
//
// A Map has no locking. It must be mutated by a single goroutine.
type Map struct {
	peers    map[MemberID]peer
	alive    Set
	frameSeq uint64
}

func NewMap() *Map {
	return &Map{
		peers: make(map[MemberID]peer),
		alive: make(Set),
	}
}

// NewMapWithMember seeds a map with the local node, as a member when ready is
// set and as a joiner otherwise. The node is considered alive.
func NewMapWithMember(id MemberID, url URL, ready bool) *Map {
	m := NewMap()
	if ready {
		m.peers[id] = peer{status: Member, url: url}
	} else {
		m.peers[id] = peer{status: Joiner, url: url}
	}
	m.alive[id] = struct{}{}
	return m
}

func (m *Map) apply(id MemberID, url URL, t transition) (from, to Status) {
	p, ok := m.peers[id]
	if ok {
		from = p.status
	}
	to = transitions[from][t]
	if from == Member && t == request {
		return from, to
	}
	m.peers[id] = peer{status: to, url: url}
	return from, to
}

// FrameSeq returns the sequence number of the last snapshot this node emitted.
func (m *Map) FrameSeq() uint64 {
	return m.frameSeq
}

// IncrementFrameSeq advances the frame sequence. Call it exactly once per
// outgoing snapshot.
func (m *Map) IncrementFrameSeq() uint64 {
	m.frameSeq++
	return m.frameSeq
}

// ClearStatus forgets every joiner and member and keeps the alive set.
func (m *Map) ClearStatus() {
	m.peers = make(map[MemberID]peer)
}

func (m *Map) String() string {
	var b strings.Builder
	b.WriteString("joiners:")
	for _, e := range m.entries(Joiner) {
		fmt.Fprintf(&b, " %s(%s)", e.ID, e.URL)
	}
	b.WriteString(" members:")
	for _, e := range m.entries(Member) {
		fmt.Fprintf(&b, " %s(%s)", e.ID, e.URL)
	}
	fmt.Fprintf(&b, " alive: %v frameSeq: %d", m.alive, m.frameSeq)
	return b.String()
}
