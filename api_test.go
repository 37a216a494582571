package brokercluster

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nemosupremo/brokercluster/gcs"
	"github.com/nemosupremo/brokercluster/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes(t *testing.T) {
	hub := gcs.NewHub()
	a := startNode(t, hub, "a")
	waitMember(t, a)

	srv := httptest.NewServer(a.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	var pong Pong
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pong))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, pong.OK)
	assert.True(t, pong.IsMember())

	resp, err = http.Get(srv.URL + "/members")
	require.NoError(t, err)
	var members struct {
		Members membership.Entries    `json:"members"`
		Alive   []membership.MemberID `json:"alive"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&members))
	resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, membership.Entries{{ID: "a", URL: brokerURL("a")}}, members.Members)
	assert.Equal(t, []membership.MemberID{"a"}, members.Alive)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "brokercluster_members")
	assert.Contains(t, string(body), "brokercluster_http_requests_total")

	a.Shutdown()
	resp, err = http.Get(srv.URL + "/members")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
