// Package gcs adapts group communication backends to the stream of events a
// cluster node consumes: configuration changes listing the peers currently in
// the group, and application messages delivered in one order to every peer.
package gcs

import (
	"errors"
	"sort"
	"strings"
)

var ErrAlreadyJoined = errors.New("already joined group")
var ErrNotJoined = errors.New("not a member of the group")
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// DefaultMaxMessageSize matches the default znode data limit of zookeeper.
const DefaultMaxMessageSize = 1 << 20

type EventType int

const (
	// ConfigChange carries the ids of every peer currently in the group.
	ConfigChange EventType = iota
	// Deliver carries a message multicast by Sender.
	Deliver
	// Reset means the group lost this node's context (session expiry, lease
	// loss). The node has been re-registered but anything it knew about the
	// group may be stale.
	Reset
)

func (t EventType) String() string {
	switch t {
	case ConfigChange:
		return "CONFIG_CHANGE"
	case Deliver:
		return "DELIVER"
	case Reset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

type Event struct {
	Type      EventType
	Addresses string
	Sender    string
	Payload   []byte
}

// Group is a totally ordered multicast group.
//
// Events are delivered on the channel returned by Join, which is closed after
// Leave. Every member receives Deliver events in the same order, including its
// own messages.
type Group interface {
	Join(self string) (<-chan Event, error)
	Multicast(payload []byte) error
	Leave()
}

// FormatAddresses renders peer ids as the address list carried by a
// ConfigChange event.
func FormatAddresses(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
