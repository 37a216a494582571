package gcs

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

const zkSeqLen = 10

type zkGroup struct {
	conn           *zk.Conn
	session        <-chan zk.Event
	path           string
	maxMessageSize int

	self    string
	lastSeq int

	events chan Event
	stop   chan struct{}
	status sync.WaitGroup

	running int32
}

type ZkGroupOpt func(*zkGroup) error

// WithZkConnection uses an existing connection. The session channel returned by
// zk.Connect lets the group notice session expiry; it may be nil.
func WithZkConnection(c *zk.Conn, session <-chan zk.Event) ZkGroupOpt {
	return func(z *zkGroup) error {
		z.conn = c
		z.session = session
		return nil
	}
}

func WithZkServers(servers []string, sessionTimeout time.Duration) ZkGroupOpt {
	return func(z *zkGroup) error {
		if c, session, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false), zk.WithLogger(zkLogger{})); err == nil {
			z.conn = c
			z.session = session
			return nil
		} else {
			return err
		}
	}
}

func WithZkPath(p string) ZkGroupOpt {
	return func(z *zkGroup) error {
		z.path = p
		return nil
	}
}

func WithZkMaxMessageSize(n int) ZkGroupOpt {
	return func(z *zkGroup) error {
		z.maxMessageSize = n
		return nil
	}
}

// NewZkGroup builds a group on top of zookeeper. Peers register ephemeral
// nodes under <path>/members, and multicast by creating sequential nodes under
// <path>/log which every peer reads in sequence order.
func NewZkGroup(connectOpt ZkGroupOpt, options ...ZkGroupOpt) (Group, error) {
	z := &zkGroup{
		maxMessageSize: DefaultMaxMessageSize,
		stop:           make(chan struct{}),
		events:         make(chan Event, 64),
	}
	if err := connectOpt(z); err != nil {
		return nil, err
	}
	for _, opt := range options {
		if err := opt(z); err != nil {
			return nil, err
		}
	}
	if z.conn == nil {
		panic("NewZkGroup called without any zookeeper connection parameters.")
	}
	if z.path == "" || z.path == "/" {
		z.path = "/brokercluster"
	}
	return z, nil
}

func (z *zkGroup) membersPath() string { return path.Join(z.path, "members") }
func (z *zkGroup) logPath() string     { return path.Join(z.path, "log") }

func (z *zkGroup) Join(self string) (<-chan Event, error) {
	if !atomic.CompareAndSwapInt32(&z.running, 0, 1) {
		return nil, ErrAlreadyJoined
	}
	z.self = self
	for _, p := range []string{z.membersPath(), z.logPath()} {
		if err := z.createPath(p); err != nil {
			atomic.StoreInt32(&z.running, 0)
			return nil, err
		}
	}
	// Deliver only what is multicast after we joined. The tail is read before
	// registering so nothing sent once our member node exists is skipped.
	children, _, err := z.conn.Children(z.logPath())
	if err != nil {
		atomic.StoreInt32(&z.running, 0)
		return nil, err
	}
	z.lastSeq = logTail(children)
	if err := z.register(); err != nil {
		atomic.StoreInt32(&z.running, 0)
		return nil, err
	}

	z.status.Add(2)
	go z.watch(z.onMembersChange)
	go z.watch(z.onLogChange)
	if z.session != nil {
		z.status.Add(1)
		go z.watchSession()
	}
	return z.events, nil
}

func (z *zkGroup) Multicast(payload []byte) error {
	if atomic.LoadInt32(&z.running) == 0 {
		return ErrNotJoined
	}
	if len(payload) > z.maxMessageSize {
		return ErrMessageTooLarge
	}
	_, err := z.conn.Create(path.Join(z.logPath(), "msg-"+z.self+"-"), payload, zk.FlagSequence, zk.WorldACL(zk.PermAll))
	return err
}

func (z *zkGroup) Leave() {
	if !atomic.CompareAndSwapInt32(&z.running, 1, 0) {
		return
	}
	close(z.stop)
	z.status.Wait()
	if err := z.conn.Delete(path.Join(z.membersPath(), z.self), -1); err != nil && err != zk.ErrNoNode {
		log.Warnf("Group: Failed to remove member node for %s: %v", z.self, err)
	}
	close(z.events)
	// TODO: prune log nodes once every member has delivered them; for now they
	// accumulate until the group path is removed.
}

func (z *zkGroup) createPath(p string) error {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i := 1; i <= len(parts); i++ {
		newpath := "/" + strings.Join(parts[:i], "/")
		if _, err := z.conn.Create(newpath, []byte{}, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

func (z *zkGroup) register() error {
	node := path.Join(z.membersPath(), z.self)
	_, err := z.conn.Create(node, []byte(z.self), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		// left over from an expired session of ours
		log.Debugf("Group: Replacing stale member node %s", node)
		if err := z.conn.Delete(node, -1); err != nil && err != zk.ErrNoNode {
			return err
		}
		_, err = z.conn.Create(node, []byte(z.self), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	}
	return err
}

func (z *zkGroup) emit(ev Event) bool {
	select {
	case z.events <- ev:
		return true
	case <-z.stop:
		return false
	}
}

func (z *zkGroup) watch(onChange func() (<-chan zk.Event, error)) {
	defer z.status.Done()
	for {
		if ch, err := onChange(); err == nil {
			select {
			case <-ch:
			case <-z.stop:
				return
			}
		} else {
			log.Warnf("Group: Error watching children: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-z.stop:
				return
			}
		}
	}
}

func (z *zkGroup) onMembersChange() (<-chan zk.Event, error) {
	children, _, ch, err := z.conn.ChildrenW(z.membersPath())
	if err != nil {
		return nil, err
	}
	log.Debugf("Group: Members %v", children)
	z.emit(Event{Type: ConfigChange, Addresses: FormatAddresses(children)})
	return ch, nil
}

type logNode struct {
	name   string
	sender string
	seq    int
}

func (z *zkGroup) onLogChange() (<-chan zk.Event, error) {
	children, _, ch, err := z.conn.ChildrenW(z.logPath())
	if err != nil {
		return nil, err
	}
	var pending []logNode
	for _, child := range children {
		sender, seq, ok := parseLogNode(child)
		if !ok {
			log.Warnf("Group: Invalid log node %v", child)
			continue
		}
		if seq > z.lastSeq {
			pending = append(pending, logNode{child, sender, seq})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	for _, n := range pending {
		data, _, err := z.conn.Get(path.Join(z.logPath(), n.name))
		if err == zk.ErrNoNode {
			log.Warnf("Group: Log node %v vanished before delivery", n.name)
			z.lastSeq = n.seq
			continue
		} else if err != nil {
			return nil, err
		}
		if !z.emit(Event{Type: Deliver, Sender: n.sender, Payload: data}) {
			return ch, nil
		}
		z.lastSeq = n.seq
	}
	return ch, nil
}

func (z *zkGroup) watchSession() {
	defer z.status.Done()
	for {
		select {
		case ev, ok := <-z.session:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession || ev.State != zk.StateExpired {
				continue
			}
			log.Warnf("Group: Zookeeper session expired, registering %s again", z.self)
			for {
				if err := z.register(); err == nil {
					break
				} else {
					log.Warnf("Group: Failed to register member node: %v", err)
				}
				select {
				case <-time.After(time.Second):
				case <-z.stop:
					return
				}
			}
			if !z.emit(Event{Type: Reset}) {
				return
			}
		case <-z.stop:
			return
		}
	}
}

// parseLogNode splits "msg-<sender>-<seq>" as created by Multicast.
// logTail returns the highest sequence among the log nodes, or -1 for an
// empty log.
func logTail(children []string) int {
	tail := -1
	for _, child := range children {
		if _, seq, ok := parseLogNode(child); ok && seq > tail {
			tail = seq
		}
	}
	return tail
}

func parseLogNode(name string) (string, int, bool) {
	if !strings.HasPrefix(name, "msg-") || len(name) < len("msg-")+zkSeqLen+2 {
		return "", 0, false
	}
	seq, err := strconv.Atoi(name[len(name)-zkSeqLen:])
	if err != nil {
		return "", 0, false
	}
	if name[len(name)-zkSeqLen-1] != '-' {
		return "", 0, false
	}
	return name[len("msg-") : len(name)-zkSeqLen-1], seq, true
}

type zkLogger struct{}

func (z zkLogger) Printf(format string, args ...interface{}) {
	log.Warnf("Zookeeper Client: "+format, args...)
}
