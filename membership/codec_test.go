package membership

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setOf(ids []string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[MemberID(id)] = struct{}{}
	}
	return s
}

func TestDecode(t *testing.T) {
	tests := []struct {
		in   string
		want Set
		err  bool
	}{
		{"", NewSet(), false},
		{"nodeA", NewSet("nodeA"), false},
		{"nodeA,nodeB", NewSet("nodeA", "nodeB"), false},
		{"b,a,b", NewSet("a", "b"), false},
		{"1a.2f,7.100", NewSet("1a.2f", "7.100"), false},
		{",", nil, true},
		{"a,", nil, true},
		{",a", nil, true},
		{"a,,b", nil, true},
		{"a, b", nil, true},
		{"a\tb", nil, true},
		{"a\x00", nil, true},
	}
	for _, tt := range tests {
		got, err := Decode(tt.in)
		if tt.err {
			require.Error(t, err, "Decode(%q)", tt.in)
			assert.True(t, errors.Is(err, ErrMalformedAddressList))
			var fe *FormatError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.in, fe.Input)
			continue
		}
		require.NoError(t, err, "Decode(%q)", tt.in)
		assert.True(t, got.Equal(tt.want), "Decode(%q) = %v, want %v", tt.in, got, tt.want)
	}
}

func TestFormatErrorOffset(t *testing.T) {
	_, err := Decode("abc,d e")
	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 5, fe.Offset)
}

func TestEncodeOrder(t *testing.T) {
	assert.Equal(t, "a,b,c", Encode(NewSet("c", "a", "b")))
	assert.Equal(t, "", Encode(NewSet()))
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := NewMap()
	m.Ready("m2", "tcp://m2")
	m.Ready("m1", "tcp://m1")
	m.UpdateRequest("j1", "tcp://j1")
	m.IncrementFrameSeq()
	m.IncrementFrameSeq()

	snap := m.Snapshot()
	assert.Equal(t, Entries{{"j1", "tcp://j1"}}, snap.Joiners)
	assert.Equal(t, Entries{{"m1", "tcp://m1"}, {"m2", "tcp://m2"}}, snap.Members)
	assert.Equal(t, uint64(2), snap.FrameSeq)

	b, err := json.Marshal(snap)
	require.NoError(t, err)
	var wire Snapshot
	require.NoError(t, json.Unmarshal(b, &wire))

	rebuilt, err := NewMapFromSnapshot(wire)
	require.NoError(t, err)
	if diff := cmp.Diff(snap, rebuilt.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, rebuilt.AliveCount())
	assert.Equal(t, uint64(3), rebuilt.IncrementFrameSeq())
}

func TestNewMapFromSnapshotRejects(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
	}{
		{"empty id", Snapshot{Members: Entries{{"", "tcp://x"}}}},
		{"delimiter in id", Snapshot{Joiners: Entries{{"a,b", "tcp://x"}}}},
		{"duplicate member", Snapshot{Members: Entries{{"a", "1"}, {"a", "2"}}}},
		{"joiner and member", Snapshot{Joiners: Entries{{"a", "1"}}, Members: Entries{{"a", "1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMapFromSnapshot(tt.snap)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, ErrMalformedSnapshot), "got %v", err)
		})
	}
}

func TestCodecProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(s)) == s", prop.ForAll(
		func(ids []string) bool {
			s := setOf(ids)
			got, err := Decode(Encode(s))
			return err == nil && got.Equal(s)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("config change is idempotent", prop.ForAll(
		func(ids []string) bool {
			m := NewMap()
			text := Encode(setOf(ids))
			first, err1 := m.ConfigChange(text)
			alive := m.Alive()
			second, err2 := m.ConfigChange(text)
			return err1 == nil && err2 == nil &&
				first == (len(setOf(ids)) > 0) && !second &&
				m.Alive().Equal(alive)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("snapshot is invertible", prop.ForAll(
		func(joiners, members []string, seq uint64) bool {
			m := NewMap()
			for _, id := range members {
				m.Ready(MemberID(id), URL("tcp://"+id))
			}
			for _, id := range joiners {
				m.UpdateRequest(MemberID(id), URL("tcp://"+id+"/j"))
			}
			snap := m.Snapshot()
			snap.FrameSeq = seq
			rebuilt, err := NewMapFromSnapshot(snap)
			return err == nil && cmp.Equal(snap, rebuilt.Snapshot())
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}

func TestSetProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("intersection is commutative", prop.ForAll(
		func(a, b []string) bool {
			return Intersection(setOf(a), setOf(b)).Equal(Intersection(setOf(b), setOf(a)))
		},
		gen.SliceOf(gen.RegexMatch("^[a-e]$")),
		gen.SliceOf(gen.RegexMatch("^[a-e]$")),
	))

	properties.Property("intersection with self and with empty", prop.ForAll(
		func(a []string) bool {
			s := setOf(a)
			return Intersection(s, s).Equal(s) && Intersection(s, NewSet()).Len() == 0
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("joiners and members stay disjoint", prop.ForAll(
		func(ops []int, ids []string) bool {
			if len(ids) == 0 {
				return true
			}
			m := NewMapWithMember("seed", "tcp://seed", true)
			for i, op := range ops {
				id := MemberID(ids[i%len(ids)])
				switch op % 4 {
				case 0:
					m.UpdateRequest(id, "tcp://r")
				case 1:
					m.UpdateOffer("seed", id)
				case 2:
					m.Ready(id, "tcp://m")
				case 3:
					m.ClearStatus()
				}
				if Intersection(m.Joiners(), m.Members()).Len() != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("first joiner depends only on joiner keys", prop.ForAll(
		func(ids []string) bool {
			a, b := NewMap(), NewMap()
			for i := range ids {
				a.UpdateRequest(MemberID(ids[i]), "x")
				b.UpdateRequest(MemberID(ids[len(ids)-1-i]), "y")
			}
			fa, oka := a.FirstJoiner()
			fb, okb := b.FirstJoiner()
			return fa == fb && oka == okb
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
