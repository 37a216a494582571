// Package membership keeps a node's view of the cluster: joiners, members,
// peers the group layer reports alive, and the snapshot frame sequence.
package membership

import (
	"sort"
	"strings"
)

// MemberID identifies a cluster node. IDs are totally ordered by their byte
// representation; that order drives FirstJoiner and every ordered listing.
type MemberID string

func (id MemberID) String() string {
	return string(id)
}

// URL is the connection address advertised by a member. It is an attribute of
// a MemberID and never used as a key.
type URL string

func (u URL) String() string {
	return string(u)
}

func (u URL) IsEmpty() bool {
	return u == ""
}

// Entry pairs a member with its advertised address.
type Entry struct {
	ID  MemberID `json:"id"`
	URL URL      `json:"url"`
}

type Entries []Entry

func (a Entries) Len() int           { return len(a) }
func (a Entries) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a Entries) Less(i, j int) bool { return a[i].ID < a[j].ID }

type Set map[MemberID]struct{}

func NewSet(ids ...MemberID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Contains(id MemberID) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

// Sorted returns the ids in MemberID order.
func (s Set) Sorted() []MemberID {
	ids := make([]MemberID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Contains(id) {
			return false
		}
	}
	return true
}

func (s Set) Clone() Set {
	c := make(Set, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

func (s Set) String() string {
	ids := s.Sorted()
	b := make([]string, len(ids))
	for i, id := range ids {
		b[i] = string(id)
	}
	return "{" + strings.Join(b, " ") + "}"
}

// Intersection returns the ids present in both a and b.
func Intersection(a, b Set) Set {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(Set)
	for id := range a {
		if b.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}
