package brokercluster

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/nemosupremo/brokercluster/membership"
)

var ErrMalformedMessage = errors.New("malformed protocol message")

type MessageType string

const (
	REQUEST  MessageType = "REQUEST"
	OFFER    MessageType = "OFFER"
	SNAPSHOT MessageType = "SNAPSHOT"
	READY    MessageType = "READY"
)

// Message is one step of the join protocol as multicast to the group.
type Message struct {
	Type MessageType `json:"type"`

	// REQUEST, READY
	ID  membership.MemberID `json:"id,omitempty"`
	URL membership.URL      `json:"url,omitempty"`

	// OFFER
	From membership.MemberID `json:"from,omitempty"`
	To   membership.MemberID `json:"to,omitempty"`

	// SNAPSHOT; an empty target advertises the sender's view to everyone.
	Target   membership.MemberID  `json:"target,omitempty"`
	Snapshot *membership.Snapshot `json:"snapshot,omitempty"`
}

func encodeMessage(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func decodeMessage(payload []byte) (Message, error) {
	var m Message
	b, err := snappy.Decode(nil, payload)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch m.Type {
	case REQUEST, READY:
		if !membership.ValidID(m.ID) {
			return m, fmt.Errorf("%w: %s with invalid id %q", ErrMalformedMessage, m.Type, m.ID)
		}
	case OFFER:
		if !membership.ValidID(m.From) || !membership.ValidID(m.To) {
			return m, fmt.Errorf("%w: offer from %q to %q", ErrMalformedMessage, m.From, m.To)
		}
	case SNAPSHOT:
		if m.Snapshot == nil {
			return m, fmt.Errorf("%w: snapshot without body", ErrMalformedMessage)
		}
	default:
		return m, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	return m, nil
}
