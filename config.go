package brokercluster

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nemosupremo/brokercluster/gcs"
	"github.com/nemosupremo/brokercluster/membership"
	"github.com/nemosupremo/datasize"
	"github.com/segmentio/ksuid"
)

const (
	DefaultGroupPath         = "/brokercluster"
	DefaultSessionTimeout    = 10 * time.Second
	DefaultJoinRetryInterval = 2 * time.Second
	DefaultBroadcastDelay    = 250 * time.Millisecond
)

var ErrInvalidID = errors.New("invalid node id")

type GroupKind string

const (
	GroupZookeeper GroupKind = "zk"
	GroupEtcd      GroupKind = "etcd"
)

type EngineConfig struct {
	// ID names this node in the group. A ksuid is generated when empty.
	ID string
	// URL is the address other brokers use to reach this node.
	URL      string
	Hostname string
	Listen   string

	Group struct {
		Uri   string
		Kind  GroupKind
		Hosts []string
		Path  string
	}

	SessionTimeout    time.Duration
	JoinRetryInterval time.Duration
	BroadcastDelay    time.Duration
	MaxMessageSize    datasize.ByteSize
}

// Validate fills in defaults and checks the fields NewEngine depends on.
func (c *EngineConfig) Validate() error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	if !membership.ValidID(membership.MemberID(c.ID)) || strings.Contains(c.ID, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidID, c.ID)
	}
	if c.URL == "" {
		if c.Hostname == "" {
			return errors.New("Either url or hostname must be set.")
		}
		c.URL = "tcp://" + c.Hostname + ":5672"
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("Invalid url %q: %v", c.URL, err)
	}

	if c.Group.Uri != "" {
		kind, hosts, path, err := parseGroupUri(c.Group.Uri)
		if err != nil {
			return err
		}
		c.Group.Kind, c.Group.Hosts, c.Group.Path = kind, hosts, path
	}
	if c.Group.Path == "" {
		c.Group.Path = DefaultGroupPath
	}

	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.JoinRetryInterval <= 0 {
		c.JoinRetryInterval = DefaultJoinRetryInterval
	}
	if c.BroadcastDelay < 0 {
		c.BroadcastDelay = DefaultBroadcastDelay
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = datasize.ByteSize(gcs.DefaultMaxMessageSize)
	}
	return nil
}

// ParseByteSize reads sizes like "512KB" or "1MB".
func ParseByteSize(s string) (datasize.ByteSize, error) {
	var b datasize.ByteSize
	if err := b.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("Invalid size %q: %v", s, err)
	}
	return b, nil
}

func parseGroupUri(uri string) (GroupKind, []string, string, error) {
	if u, err := url.Parse(uri); err == nil {
		var kind GroupKind
		switch u.Scheme {
		case "zk":
			kind = GroupZookeeper
		case "etcd":
			kind = GroupEtcd
		default:
			return "", nil, "", fmt.Errorf("Invalid scheme %v for group setting.", u.Scheme)
		}
		if u.Host == "" {
			return "", nil, "", fmt.Errorf("No hosts provided for group setting.")
		}
		groupPath := strings.TrimSuffix(u.Path, "/")
		if groupPath == "" {
			groupPath = DefaultGroupPath
		} else if groupPath[0] != '/' {
			groupPath = "/" + groupPath
		}
		return kind, strings.Split(u.Host, ","), groupPath, nil
	} else {
		return "", nil, "", fmt.Errorf("Invalid uri passed for group setting.")
	}
}
