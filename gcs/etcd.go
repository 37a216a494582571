package gcs

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdGroup struct {
	cli            *clientv3.Client
	prefix         string
	ttl            int64
	maxMessageSize int

	self    string
	leaseMu sync.Mutex
	lease   clientv3.LeaseID
	members map[string]struct{}

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running int32
}

type EtcdGroupOpt func(*etcdGroup) error

func WithEtcdClient(cli *clientv3.Client) EtcdGroupOpt {
	return func(g *etcdGroup) error {
		g.cli = cli
		return nil
	}
}

func WithEtcdEndpoints(endpoints []string, dialTimeout time.Duration) EtcdGroupOpt {
	return func(g *etcdGroup) error {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   endpoints,
			DialTimeout: dialTimeout,
		})
		if err != nil {
			return err
		}
		g.cli = cli
		return nil
	}
}

func WithEtcdPrefix(prefix string) EtcdGroupOpt {
	return func(g *etcdGroup) error {
		g.prefix = strings.TrimSuffix(prefix, "/")
		return nil
	}
}

// WithEtcdLeaseTTL sets how long, in seconds, a silent peer stays in the group.
func WithEtcdLeaseTTL(ttl int64) EtcdGroupOpt {
	return func(g *etcdGroup) error {
		g.ttl = ttl
		return nil
	}
}

func WithEtcdMaxMessageSize(n int) EtcdGroupOpt {
	return func(g *etcdGroup) error {
		g.maxMessageSize = n
		return nil
	}
}

// NewEtcdGroup builds a group on top of etcd. Peers register keys under
// <prefix>/members bound to a lease and multicast by writing keys under
// <prefix>/log. A single prefix watch yields member changes and messages in
// revision order.
func NewEtcdGroup(connectOpt EtcdGroupOpt, options ...EtcdGroupOpt) (Group, error) {
	g := &etcdGroup{
		ttl:            10,
		maxMessageSize: DefaultMaxMessageSize,
		members:        make(map[string]struct{}),
		events:         make(chan Event, 64),
	}
	if err := connectOpt(g); err != nil {
		return nil, err
	}
	for _, opt := range options {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.cli == nil {
		panic("NewEtcdGroup called without any etcd connection parameters.")
	}
	if g.prefix == "" {
		g.prefix = "/brokercluster"
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

func (g *etcdGroup) membersPrefix() string { return g.prefix + "/members/" }
func (g *etcdGroup) logPrefix() string     { return g.prefix + "/log/" }

func (g *etcdGroup) Join(self string) (<-chan Event, error) {
	if !atomic.CompareAndSwapInt32(&g.running, 0, 1) {
		return nil, ErrAlreadyJoined
	}
	g.self = self
	if err := g.register(); err != nil {
		atomic.StoreInt32(&g.running, 0)
		return nil, err
	}
	rev, err := g.loadMembers()
	if err != nil {
		atomic.StoreInt32(&g.running, 0)
		return nil, err
	}
	g.wg.Add(1)
	go g.watch(rev)
	return g.events, nil
}

func (g *etcdGroup) Multicast(payload []byte) error {
	if atomic.LoadInt32(&g.running) == 0 {
		return ErrNotJoined
	}
	if len(payload) > g.maxMessageSize {
		return ErrMessageTooLarge
	}
	g.leaseMu.Lock()
	lease := g.lease
	g.leaseMu.Unlock()
	key := g.logPrefix() + g.self + "/" + ksuid.New().String()
	_, err := g.cli.Put(g.ctx, key, string(payload), clientv3.WithLease(lease))
	return err
}

func (g *etcdGroup) Leave() {
	if !atomic.CompareAndSwapInt32(&g.running, 1, 0) {
		return
	}
	g.leaseMu.Lock()
	lease := g.lease
	g.leaseMu.Unlock()
	g.cancel()
	g.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.cli.Revoke(ctx, lease); err != nil {
		log.Warnf("Group: Failed to revoke lease for %s: %v", g.self, err)
	}
	close(g.events)
}

func (g *etcdGroup) register() error {
	lease, err := g.cli.Grant(g.ctx, g.ttl)
	if err != nil {
		return err
	}
	if _, err := g.cli.Put(g.ctx, g.membersPrefix()+g.self, g.self, clientv3.WithLease(lease.ID)); err != nil {
		return err
	}
	ka, err := g.cli.KeepAlive(g.ctx, lease.ID)
	if err != nil {
		return err
	}
	g.leaseMu.Lock()
	g.lease = lease.ID
	g.leaseMu.Unlock()

	g.wg.Add(1)
	go g.keepAlive(ka)
	return nil
}

func (g *etcdGroup) keepAlive(ka <-chan *clientv3.LeaseKeepAliveResponse) {
	defer g.wg.Done()
	for range ka {
	}
	if g.ctx.Err() != nil {
		return
	}
	log.Warnf("Group: Lost etcd lease for %s, registering again", g.self)
	for {
		if err := g.register(); err == nil {
			break
		} else {
			log.Warnf("Group: Failed to register member key: %v", err)
		}
		select {
		case <-time.After(time.Second):
		case <-g.ctx.Done():
			return
		}
	}
	g.emit(Event{Type: Reset})
}

func (g *etcdGroup) loadMembers() (int64, error) {
	resp, err := g.cli.Get(g.ctx, g.membersPrefix(), clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	members := make(map[string]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members[strings.TrimPrefix(string(kv.Key), g.membersPrefix())] = struct{}{}
	}
	g.members = members
	return resp.Header.Revision, nil
}

func (g *etcdGroup) addresses() string {
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	return FormatAddresses(ids)
}

func (g *etcdGroup) emit(ev Event) bool {
	select {
	case g.events <- ev:
		return true
	case <-g.ctx.Done():
		return false
	}
}

func (g *etcdGroup) watch(rev int64) {
	defer g.wg.Done()
	for {
		if !g.emit(Event{Type: ConfigChange, Addresses: g.addresses()}) {
			return
		}
		wch := g.cli.Watch(g.ctx, g.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				log.Warnf("Group: Watch failed: %v", err)
				break
			}
			for _, ev := range wresp.Events {
				if !g.apply(ev) {
					return
				}
			}
		}
		if g.ctx.Err() != nil {
			return
		}
		// Messages may have been compacted away. Start over from the current
		// membership and tell the node its view may be stale.
		var err error
		if rev, err = g.loadMembers(); err != nil {
			log.Warnf("Group: Failed to reload members: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-g.ctx.Done():
				return
			}
			continue
		}
		if !g.emit(Event{Type: Reset}) {
			return
		}
	}
}

func (g *etcdGroup) apply(ev *clientv3.Event) bool {
	key := string(ev.Kv.Key)
	switch {
	case strings.HasPrefix(key, g.membersPrefix()):
		id := strings.TrimPrefix(key, g.membersPrefix())
		if ev.Type == clientv3.EventTypePut {
			g.members[id] = struct{}{}
		} else {
			delete(g.members, id)
		}
		return g.emit(Event{Type: ConfigChange, Addresses: g.addresses()})
	case strings.HasPrefix(key, g.logPrefix()) && ev.Type == clientv3.EventTypePut:
		sender, ok := parseLogKey(strings.TrimPrefix(key, g.logPrefix()))
		if !ok {
			log.Warnf("Group: Invalid log key %v", key)
			return true
		}
		return g.emit(Event{Type: Deliver, Sender: sender, Payload: ev.Kv.Value})
	}
	return true
}

// parseLogKey returns the sender of a "<sender>/<id>" log key.
func parseLogKey(key string) (string, bool) {
	i := strings.IndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", false
	}
	return key[:i], true
}
