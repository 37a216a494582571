package brokercluster

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/nemosupremo/brokercluster/gcs"
	"github.com/nemosupremo/brokercluster/membership"
	"github.com/nemosupremo/brokercluster/telemetry"
	log "github.com/sirupsen/logrus"
)

var ErrGroupClosed = errors.New("group event stream closed")

// Engine runs the join protocol for one node. Run owns the membership view;
// every other method talks to it over channels.
type Engine struct {
	Group  gcs.Group
	ID     membership.MemberID
	URL    membership.URL
	Listen string

	config  EngineConfig
	version string
	started time.Time

	view      *membership.Map
	addresses string
	// backlog holds the latest request and ready per peer seen while joining.
	// They are replayed on top of the snapshot that admits us.
	backlog    []Message
	backlogIdx map[backlogKey]int
	// offering is the joiner this node has offered membership to, offered is
	// set once that offer came back through the group.
	offering membership.MemberID
	offered  bool
	// rejoining holds members that asked to join again after losing their
	// group context. They cannot make offers until they are ready again.
	rejoining membership.Set
	peerSeq   map[membership.MemberID]uint64
	retry     joinRetry

	ping    chan chan<- Pong
	wg      sync.WaitGroup
	quit    chan struct{}
	hasQuit int32
}

type Pong struct {
	OK       bool                  `json:"ok"`
	ID       membership.MemberID   `json:"id"`
	URL      membership.URL        `json:"url"`
	Status   string                `json:"status"`
	Offerer  bool                  `json:"offerer"`
	Version  string                `json:"version"`
	Uptime   time.Duration         `json:"uptime"`
	FrameSeq uint64                `json:"frame_seq"`
	Alive    []membership.MemberID `json:"alive"`
	Members  membership.Entries    `json:"members"`
	Joiners  membership.Entries    `json:"joiners"`
}

func (p Pong) IsMember() bool {
	return p.Status == membership.Member.String()
}

func NewEngine(config EngineConfig) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	group, err := newGroup(config)
	if err != nil {
		return nil, err
	}
	return newEngine(group, config), nil
}

func newEngine(group gcs.Group, config EngineConfig) *Engine {
	return &Engine{
		Group:  group,
		ID:     membership.MemberID(config.ID),
		URL:    membership.URL(config.URL),
		Listen: config.Listen,

		config:    config,
		view:      membership.NewMap(),
		rejoining: membership.NewSet(),
		peerSeq:   make(map[membership.MemberID]uint64),
		ping:      make(chan chan<- Pong),
		quit:      make(chan struct{}),
	}
}

func newGroup(config EngineConfig) (gcs.Group, error) {
	maxSize := int(config.MaxMessageSize.Bytes())
	switch config.Group.Kind {
	case GroupZookeeper:
		return gcs.NewZkGroup(
			gcs.WithZkServers(config.Group.Hosts, config.SessionTimeout),
			gcs.WithZkPath(config.Group.Path),
			gcs.WithZkMaxMessageSize(maxSize),
		)
	case GroupEtcd:
		ttl := int64(config.SessionTimeout / time.Second)
		if ttl < 1 {
			ttl = 1
		}
		return gcs.NewEtcdGroup(
			gcs.WithEtcdEndpoints(config.Group.Hosts, config.SessionTimeout),
			gcs.WithEtcdPrefix(config.Group.Path),
			gcs.WithEtcdLeaseTTL(ttl),
			gcs.WithEtcdMaxMessageSize(maxSize),
		)
	default:
		return nil, fmt.Errorf("No group configured.")
	}
}

func (e *Engine) SetVersion(v string) {
	e.version = v
}

func (e *Engine) Run() error {
	e.wg.Add(1)
	defer e.wg.Done()

	events, err := e.Group.Join(string(e.ID))
	if err != nil {
		e.tryShutdown()
		return err
	}
	e.started = time.Now()
	broadcast := NewCoalesceChan(e.config.BroadcastDelay)

	defer log.Warn("Exiting Engine Run")
	defer e.Group.Leave()
	defer broadcast.Close()
	defer e.retry.stop()
	defer e.tryShutdown()

	if e.Listen != "" {
		srv := &http.Server{Addr: e.Listen, Handler: e.Routes()}
		go e.Serve(srv)
		defer srv.Close()
	}

	log.Infof("Joining cluster as %v (%v)...", e.ID, e.URL)
	// the ticker fires once right away, which sends the first request
	e.retry.start(e.joinBackOff())
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if atomic.LoadInt32(&e.hasQuit) == 1 {
					return nil
				}
				return ErrGroupClosed
			}
			changed, err := e.handle(ev)
			if err != nil {
				return err
			}
			if changed && e.view.IsMember(e.ID) {
				broadcast.Wake()
			}
			e.maybeOffer()
			e.updateMetrics()
		case _, ok := <-e.retry.C:
			if !ok || e.view.IsMember(e.ID) {
				e.retry.stop()
				continue
			}
			log.Debugf("Requesting to join as %v", e.ID)
			e.send(Message{Type: REQUEST, ID: e.ID, URL: e.URL})
		case <-broadcast.C:
			if e.view.IsMember(e.ID) {
				e.view.IncrementFrameSeq()
				snap := e.view.Snapshot()
				e.send(Message{Type: SNAPSHOT, Snapshot: &snap})
				e.updateMetrics()
			}
		case pong := <-e.ping:
			pong <- e.status()
		case <-e.quit:
			return nil
		}
	}
}

func (e *Engine) handle(ev gcs.Event) (bool, error) {
	switch ev.Type {
	case gcs.ConfigChange:
		return e.onConfigChange(ev.Addresses)
	case gcs.Deliver:
		m, err := decodeMessage(ev.Payload)
		if err != nil {
			log.Errorf("Failed to decode message from %v: %v", ev.Sender, err)
			return false, err
		}
		return e.onMessage(membership.MemberID(ev.Sender), m)
	case gcs.Reset:
		e.onReset()
		return true, nil
	default:
		log.Warnf("Unknown group event: %v", ev.Type)
		return false, nil
	}
}

func (e *Engine) onConfigChange(addresses string) (bool, error) {
	changed, err := e.view.ConfigChange(addresses)
	if err != nil {
		return false, fmt.Errorf("configuration change: %w", err)
	}
	e.addresses = addresses
	if !changed {
		return false, nil
	}
	telemetry.ConfigChanges.Inc()
	log.Debugf("Alive peers: %v", e.view.Alive())

	if e.shouldBootstrap() {
		log.Infof("%v is alone in the group, admitting itself.", e.ID)
		e.send(Message{Type: READY, ID: e.ID, URL: e.URL})
	}
	return true, nil
}

// shouldBootstrap is true for a lone node that no live member can admit.
func (e *Engine) shouldBootstrap() bool {
	if e.view.IsMember(e.ID) || e.view.AliveCount() != 1 || !e.view.IsAlive(e.ID) {
		return false
	}
	return membership.Intersection(e.view.Alive(), e.view.Members()).Len() == 0
}

func (e *Engine) onMessage(sender membership.MemberID, m Message) (bool, error) {
	log.Debugf("%v from %v", m.Type, sender)
	switch m.Type {
	case REQUEST:
		return e.onRequest(m), nil
	case OFFER:
		return e.onOffer(m), nil
	case SNAPSHOT:
		return e.onSnapshot(sender, m)
	case READY:
		return e.onReady(m), nil
	}
	return false, nil
}

func (e *Engine) onRequest(m Message) bool {
	if !e.view.IsMember(e.ID) {
		e.record(m)
	}
	if e.view.UpdateRequest(m.ID, m.URL) {
		e.count(REQUEST, "accepted")
		log.Infof("%v (%v) asked to join", m.ID, m.URL)
		return true
	}
	e.count(REQUEST, "ignored")
	if m.ID != e.ID && e.view.IsMember(m.ID) {
		e.rejoining[m.ID] = struct{}{}
		// its frame sequence restarts from whatever view it adopts
		delete(e.peerSeq, m.ID)
	}

	if m.ID == e.ID || !e.view.IsAlive(m.ID) || !e.isOfferer() {
		return false
	}
	switch {
	case e.view.IsMember(m.ID):
		// a member that lost its group context asks again
		log.Debugf("%v is already a member, sending it our view", m.ID)
		e.sendSnapshot(m.ID)
	case m.ID == e.offering && e.offered:
		e.sendSnapshot(m.ID)
	case m.ID == e.offering:
		e.send(Message{Type: OFFER, From: e.ID, To: m.ID})
	}
	return false
}

func (e *Engine) onOffer(m Message) bool {
	url, ok := e.view.UpdateOffer(m.From, m.To)
	if !ok {
		e.count(OFFER, "rejected")
		if m.From == e.ID && m.To == e.offering {
			e.clearOffer()
		}
		return false
	}
	e.count(OFFER, "accepted")
	if m.From == e.ID {
		log.Infof("Offering membership to %v (%v)", m.To, url)
		e.offering, e.offered = m.To, true
		e.sendSnapshot(m.To)
	} else if m.To == e.ID {
		log.Infof("%v offered us membership", m.From)
	}
	return false
}

func (e *Engine) onSnapshot(sender membership.MemberID, m Message) (bool, error) {
	if m.Target == "" {
		e.checkSnapshot(sender, *m.Snapshot)
		return false, nil
	}
	if m.Target != e.ID {
		return false, nil
	}
	if e.view.IsMember(e.ID) {
		// our earlier ready may have raced a repeated request
		e.count(SNAPSHOT, "ignored")
		e.send(Message{Type: READY, ID: e.ID, URL: e.URL})
		return false, nil
	}
	if err := e.adopt(*m.Snapshot); err != nil {
		return false, err
	}
	e.count(SNAPSHOT, "adopted")
	log.Infof("Adopted cluster view from %v: %v", sender, e.view)
	e.send(Message{Type: READY, ID: e.ID, URL: e.URL})
	return true, nil
}

// adopt replaces the view with the snapshot, then replays what this node has
// seen since it asked to join. Replaying events already folded into the
// snapshot leaves it unchanged.
func (e *Engine) adopt(s membership.Snapshot) error {
	if seq := e.view.FrameSeq(); s.FrameSeq < seq {
		s.FrameSeq = seq
	}
	view, err := membership.NewMapFromSnapshot(s)
	if err != nil {
		return fmt.Errorf("adopting snapshot: %w", err)
	}
	if _, err := view.ConfigChange(e.addresses); err != nil {
		return fmt.Errorf("adopting snapshot: %w", err)
	}
	for _, m := range e.backlog {
		switch m.Type {
		case REQUEST:
			view.UpdateRequest(m.ID, m.URL)
		case READY:
			view.Ready(m.ID, m.URL)
		}
	}
	e.view = view
	if view.IsMember(e.ID) {
		e.clearBacklog()
	}
	return nil
}

type backlogKey struct {
	id membership.MemberID
	t  MessageType
}

// record keeps the latest message per peer and type. Transitions only move
// forward, so older copies add nothing to the replay.
func (e *Engine) record(m Message) {
	k := backlogKey{m.ID, m.Type}
	if i, ok := e.backlogIdx[k]; ok {
		e.backlog[i] = m
		return
	}
	if e.backlogIdx == nil {
		e.backlogIdx = make(map[backlogKey]int)
	}
	e.backlogIdx[k] = len(e.backlog)
	e.backlog = append(e.backlog, m)
}

func (e *Engine) clearBacklog() {
	e.backlog, e.backlogIdx = nil, nil
}

func (e *Engine) checkSnapshot(sender membership.MemberID, s membership.Snapshot) {
	if sender == e.ID || !e.view.IsMember(e.ID) {
		return
	}
	if last, ok := e.peerSeq[sender]; ok && s.FrameSeq <= last {
		log.Tracef("Stale snapshot %d from %v, already saw %d", s.FrameSeq, sender, last)
		e.count(SNAPSHOT, "stale")
		return
	}
	e.peerSeq[sender] = s.FrameSeq

	ours := e.view.Snapshot()
	if diff := cmp.Diff(ours, s, cmpopts.EquateEmpty(), cmpopts.IgnoreFields(membership.Snapshot{}, "FrameSeq")); diff != "" {
		log.Debugf("View of %v differs from ours (-ours +theirs):\n%s", sender, diff)
		e.count(SNAPSHOT, "diverged")
		return
	}
	e.count(SNAPSHOT, "matched")
}

func (e *Engine) onReady(m Message) bool {
	if !e.view.IsMember(e.ID) {
		e.record(m)
	}
	delete(e.rejoining, m.ID)
	if !e.view.Ready(m.ID, m.URL) {
		e.count(READY, "ignored")
		return false
	}
	e.count(READY, "accepted")
	log.Infof("%v (%v) admitted to the cluster", m.ID, m.URL)
	if m.ID == e.offering {
		e.clearOffer()
	}
	if m.ID == e.ID {
		e.clearBacklog()
		e.retry.stop()
	}
	return true
}

func (e *Engine) onReset() {
	log.Warnf("Group lost our context, discarding membership and rejoining")
	e.view.ClearStatus()
	e.clearBacklog()
	e.clearOffer()
	e.rejoining = membership.NewSet()
	e.peerSeq = make(map[membership.MemberID]uint64)
	e.retry.start(e.joinBackOff())
}

// isOfferer is true when this node is the live member with the least id,
// leaving out members that are rejoining.
func (e *Engine) isOfferer() bool {
	live := membership.Intersection(e.view.Alive(), e.view.Members())
	for id := range e.rejoining {
		delete(live, id)
	}
	ids := live.Sorted()
	return len(ids) > 0 && ids[0] == e.ID
}

func (e *Engine) nextJoiner() (membership.MemberID, bool) {
	if j, ok := e.view.FirstJoiner(); ok && e.view.IsAlive(j) {
		return j, true
	}
	if ids := membership.Intersection(e.view.Alive(), e.view.Joiners()).Sorted(); len(ids) > 0 {
		return ids[0], true
	}
	return "", false
}

// maybeOffer keeps at most one offer outstanding.
func (e *Engine) maybeOffer() {
	if e.offering != "" {
		if e.isOfferer() && e.view.IsJoiner(e.offering) && e.view.IsAlive(e.offering) {
			return
		}
		e.clearOffer()
	}
	if !e.isOfferer() {
		return
	}
	if j, ok := e.nextJoiner(); ok {
		e.offering = j
		e.send(Message{Type: OFFER, From: e.ID, To: j})
	}
}

func (e *Engine) clearOffer() {
	e.offering, e.offered = "", false
}

func (e *Engine) sendSnapshot(to membership.MemberID) {
	seq := e.view.IncrementFrameSeq()
	snap := e.view.Snapshot()
	log.Debugf("Sending snapshot %d to %v", seq, to)
	e.send(Message{Type: SNAPSHOT, Target: to, Snapshot: &snap})
}

func (e *Engine) send(m Message) {
	b, err := encodeMessage(m)
	if err == nil {
		err = e.Group.Multicast(b)
	}
	if err != nil {
		log.Warnf("Failed to multicast %v: %v", m.Type, err)
	}
}

func (e *Engine) count(t MessageType, outcome string) {
	telemetry.ProtocolMessages.WithLabelValues(string(t), outcome).Inc()
}

func (e *Engine) updateMetrics() {
	telemetry.AliveMembers.Set(float64(e.view.AliveCount()))
	telemetry.Members.Set(float64(e.view.MemberCount()))
	telemetry.Joiners.Set(float64(e.view.JoinerCount()))
	telemetry.FrameSeq.Set(float64(e.view.FrameSeq()))
	telemetry.IsMember.Set(telemetry.Bool(e.view.IsMember(e.ID)))
}

func (e *Engine) status() Pong {
	snap := e.view.Snapshot()
	return Pong{
		OK:       true,
		ID:       e.ID,
		URL:      e.URL,
		Status:   e.view.Status(e.ID).String(),
		Offerer:  e.isOfferer(),
		Version:  e.version,
		Uptime:   time.Since(e.started),
		FrameSeq: snap.FrameSeq,
		Alive:    e.view.Alive().Sorted(),
		Members:  snap.Members,
		Joiners:  snap.Joiners,
	}
}

// Status asks the run loop for the current view. It returns a zero Pong once
// the engine has stopped.
func (e *Engine) Status() Pong {
	p := make(chan Pong, 1)
	select {
	case e.ping <- p:
		return <-p
	case <-e.quit:
		return Pong{ID: e.ID, URL: e.URL}
	}
}

func (e *Engine) tryShutdown() {
	if atomic.CompareAndSwapInt32(&e.hasQuit, 0, 1) {
		close(e.quit)
	}
}

func (e *Engine) Shutdown() {
	e.tryShutdown()
	e.wg.Wait()
}

func (e *Engine) joinBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.config.JoinRetryInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         8 * e.config.JoinRetryInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// joinRetry re-sends join requests until the node is admitted.
type joinRetry struct {
	t *backoff.Ticker
	C <-chan time.Time
}

func (r *joinRetry) start(b backoff.BackOff) {
	r.stop()
	r.t = backoff.NewTicker(b)
	r.C = r.t.C
}

func (r *joinRetry) stop() {
	if r.t != nil {
		r.t.Stop()
	}
	r.t, r.C = nil, nil
}
