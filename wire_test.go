package brokercluster

import (
	"errors"
	"testing"

	"github.com/golang/snappy"
	"github.com/google/go-cmp/cmp"
	"github.com/nemosupremo/brokercluster/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncoding(t *testing.T) {
	view := membership.NewMapWithMember("m1", "tcp://m1:5672", true)
	view.UpdateRequest("j1", "tcp://j1:5672")
	snap := view.Snapshot()

	msgs := []Message{
		{Type: REQUEST, ID: "j1", URL: "tcp://j1:5672"},
		{Type: OFFER, From: "m1", To: "j1"},
		{Type: SNAPSHOT, Target: "j1", Snapshot: &snap},
		{Type: READY, ID: "j1", URL: "tcp://j1:5672"},
	}
	for _, m := range msgs {
		b, err := encodeMessage(m)
		require.NoError(t, err)
		got, err := decodeMessage(b)
		require.NoError(t, err)
		if diff := cmp.Diff(m, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", m.Type, diff)
		}
	}
}

func TestMessageDecodingRejects(t *testing.T) {
	raw := func(s string) []byte { return snappy.Encode(nil, []byte(s)) }
	payloads := map[string][]byte{
		"not snappy":         []byte("\xff\xff\xff\xff"),
		"not json":           raw("{"),
		"unknown type":       raw(`{"type":"JOIN"}`),
		"request without id": raw(`{"type":"REQUEST","url":"tcp://x"}`),
		"offer without to":   raw(`{"type":"OFFER","from":"a"}`),
		"bare snapshot":      raw(`{"type":"SNAPSHOT","target":"a"}`),
		"id with delimiter":  raw(`{"type":"READY","id":"a,b"}`),
	}
	for name, p := range payloads {
		_, err := decodeMessage(p)
		assert.True(t, errors.Is(err, ErrMalformedMessage), "%s: %v", name, err)
	}
}
