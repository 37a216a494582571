package membership

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Delimiter separates member ids in the address-list text delivered with a
// configuration change.
const Delimiter = ","

var ErrMalformedAddressList = errors.New("malformed address list")
var ErrMalformedSnapshot = errors.New("malformed membership snapshot")

// FormatError reports wire data that could not be decoded. It usually means
// the peers run incompatible versions.
type FormatError struct {
	Err    error
	Input  string
	Offset int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%v at offset %d: %s (input %q)", e.Err, e.Offset, e.Reason, e.Input)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Decode parses an address list into a set of member ids. Any malformed token
// fails the whole list.
func Decode(text string) (Set, error) {
	set := make(Set)
	if text == "" {
		return set, nil
	}
	offset := 0
	for _, token := range strings.Split(text, Delimiter) {
		if token == "" {
			return nil, &FormatError{ErrMalformedAddressList, text, offset, "empty member id"}
		}
		if i := strings.IndexFunc(token, invalidIDRune); i >= 0 {
			return nil, &FormatError{ErrMalformedAddressList, text, offset + i, "invalid character in member id"}
		}
		set[MemberID(token)] = struct{}{}
		offset += len(token) + len(Delimiter)
	}
	return set, nil
}

// Encode renders a set in the address-list format, in MemberID order.
func Encode(s Set) string {
	ids := s.Sorted()
	b := make([]string, len(ids))
	for i, id := range ids {
		b[i] = string(id)
	}
	return strings.Join(b, Delimiter)
}

func invalidIDRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar
}

// ValidID reports whether id can travel in an address list.
func ValidID(id MemberID) bool {
	return id != "" && !strings.Contains(string(id), Delimiter) && strings.IndexFunc(string(id), invalidIDRune) < 0
}

// Snapshot is the structured body multicast to advertise a view and to seed a
// node that is catching up.
type Snapshot struct {
	Joiners  Entries `json:"joiners"`
	Members  Entries `json:"members"`
	FrameSeq uint64  `json:"frame_seq"`
}

// Snapshot encodes the current joiners, members and frame sequence.
func (m *Map) Snapshot() Snapshot {
	s := Snapshot{
		Joiners:  m.entries(Joiner),
		Members:  m.entries(Member),
		FrameSeq: m.frameSeq,
	}
	return s
}

// NewMapFromSnapshot rebuilds a view from a received snapshot. The alive set
// starts empty; the caller feeds it from its own configuration changes.
func NewMapFromSnapshot(s Snapshot) (*Map, error) {
	m := NewMap()
	m.frameSeq = s.FrameSeq
	load := func(entries Entries, status Status, list string) error {
		for i, e := range entries {
			if !ValidID(e.ID) {
				return &FormatError{ErrMalformedSnapshot, string(e.ID), i, "invalid " + list + " id"}
			}
			if _, ok := m.peers[e.ID]; ok {
				return &FormatError{ErrMalformedSnapshot, string(e.ID), i, "duplicate id in " + list}
			}
			m.peers[e.ID] = peer{status: status, url: e.URL}
		}
		return nil
	}
	if err := load(s.Joiners, Joiner, "joiners"); err != nil {
		return nil, err
	}
	if err := load(s.Members, Member, "members"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) entries(status Status) Entries {
	out := Entries{}
	for id, p := range m.peers {
		if p.status == status {
			out = append(out, Entry{ID: id, URL: p.url})
		}
	}
	sort.Sort(out)
	return out
}
