package brokercluster

import (
	"errors"
	"testing"

	"github.com/nemosupremo/brokercluster/gcs"
	"github.com/nemosupremo/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGroupUri(t *testing.T) {
	tests := []struct {
		uri   string
		kind  GroupKind
		hosts []string
		path  string
		err   bool
	}{
		{"zk://localhost:2181/brokers", GroupZookeeper, []string{"localhost:2181"}, "/brokers", false},
		{"zk://h1:2181,h2:2181/a/b/", GroupZookeeper, []string{"h1:2181", "h2:2181"}, "/a/b", false},
		{"zk://h1:2181", GroupZookeeper, []string{"h1:2181"}, DefaultGroupPath, false},
		{"etcd://e1:2379,e2:2379/cluster", GroupEtcd, []string{"e1:2379", "e2:2379"}, "/cluster", false},
		{"http://localhost/x", "", nil, "", true},
		{"zk:///path", "", nil, "", true},
	}
	for _, tt := range tests {
		kind, hosts, path, err := parseGroupUri(tt.uri)
		if tt.err {
			assert.Error(t, err, tt.uri)
			continue
		}
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.kind, kind, tt.uri)
		assert.Equal(t, tt.hosts, hosts, tt.uri)
		assert.Equal(t, tt.path, path, tt.uri)
	}
}

func TestEngineConfigValidate(t *testing.T) {
	var c EngineConfig
	c.Hostname = "broker1"
	c.Group.Uri = "etcd://localhost:2379/x"
	require.NoError(t, c.Validate())
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "tcp://broker1:5672", c.URL)
	assert.Equal(t, GroupEtcd, c.Group.Kind)
	assert.Equal(t, "/x", c.Group.Path)
	assert.Equal(t, DefaultSessionTimeout, c.SessionTimeout)
	assert.Equal(t, DefaultJoinRetryInterval, c.JoinRetryInterval)
	assert.Equal(t, uint64(gcs.DefaultMaxMessageSize), c.MaxMessageSize.Bytes())

	for _, id := range []string{"a,b", "a/b", "a b"} {
		c := EngineConfig{ID: id, URL: "tcp://a:5672"}
		assert.True(t, errors.Is(c.Validate(), ErrInvalidID), id)
	}

	assert.Error(t, (&EngineConfig{ID: "a"}).Validate())
}

func TestParseByteSize(t *testing.T) {
	b, err := ParseByteSize("512KB")
	require.NoError(t, err)
	assert.Equal(t, 512*datasize.KB, b)

	_, err = ParseByteSize("lots")
	assert.Error(t, err)
}
