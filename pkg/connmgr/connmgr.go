// Package connmgr owns every connection of the node. It deduplicates dials,
// reference counts connections, closes idle ones after a grace period and
// keeps peers that keep failing in a cooldown list that the routing table
// consults before admitting them.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/metrics"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/transport"
	"github.com/agenthands/blobnet/pkg/wire"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// ProtocolID names the protocol spoken on a stream. It is sent as the first
// frame of every stream.
type ProtocolID string

const maxProtocolIDLen = 256

// StreamHandler serves one inbound stream. The handler owns s and must close
// or reset it.
type StreamHandler func(ctx context.Context, from peer.ID, s transport.Stream)

// Notifiee observes connection lifecycle events. Callbacks run on their own
// goroutine.
type Notifiee struct {
	Connected    func(ai peer.AddrInfo)
	Disconnected func(p peer.ID)
}

// Conn is a managed connection.
type Conn struct {
	transport.Conn
	refs    int // guarded by Manager.mu
	idle    *clock.Timer
	inbound bool
}

func (c *Conn) Inbound() bool { return c.inbound }

type dialState struct {
	failures int
	next     time.Time
}

type dialCall struct {
	done chan struct{}
	conn *Conn
	err  error
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

// WithMaxMessageSize bounds the protocol header frame and is handed to
// protocol handlers through MaxMessageSize.
func WithMaxMessageSize(n int) Option { return func(m *Manager) { m.maxMsg = n } }

type Manager struct {
	cfg     core.ConnConfig
	tr      transport.Transport
	local   peer.ID
	log     *zap.Logger
	metrics *metrics.Metrics
	clk     clock.Clock
	maxMsg  int

	mu       sync.Mutex
	conns    map[peer.ID]*Conn
	dials    map[peer.ID]*dialCall
	backoff  map[peer.ID]*dialState
	addrs    map[peer.ID][]ma.Multiaddr
	notifees []Notifiee
	closed   bool

	unreachable *expirable.LRU[peer.ID, time.Time]

	hmu      sync.RWMutex
	handlers map[ProtocolID]StreamHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(local peer.ID, tr transport.Transport, cfg core.ConnConfig, opts ...Option) *Manager {
	def := core.DefaultConnConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		tr:       tr,
		local:    local,
		log:      zap.NewNop(),
		clk:      clock.New(),
		maxMsg:   wire.DefaultMaxMessageSize,
		conns:    make(map[peer.ID]*Conn),
		dials:    make(map[peer.ID]*dialCall),
		backoff:  make(map[peer.ID]*dialState),
		addrs:    make(map[peer.ID][]ma.Multiaddr),
		handlers: make(map[ProtocolID]StreamHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unreachable = expirable.NewLRU[peer.ID, time.Time](4096, nil, cfg.Cooldown)
	return m
}

func (m *Manager) LocalPeer() peer.ID { return m.local }

func (m *Manager) ListenAddrs() []ma.Multiaddr { return m.tr.ListenAddrs() }

func (m *Manager) MaxMessageSize() int { return m.maxMsg }

// SetHandler registers h for proto, replacing any previous handler.
func (m *Manager) SetHandler(proto ProtocolID, h StreamHandler) {
	m.hmu.Lock()
	m.handlers[proto] = h
	m.hmu.Unlock()
}

func (m *Manager) RemoveHandler(proto ProtocolID) {
	m.hmu.Lock()
	delete(m.handlers, proto)
	m.hmu.Unlock()
}

func (m *Manager) Notify(n Notifiee) {
	m.mu.Lock()
	m.notifees = append(m.notifees, n)
	m.mu.Unlock()
}

// Start accepts inbound connections until Close.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.acceptLoop()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		tc, err := m.tr.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, core.ErrClosed) {
				return
			}
			m.log.Debug("accept failed", zap.Error(err))
			continue
		}
		m.adopt(tc, true)
	}
}

// AddAddrs records addresses for p, used when a stream is opened without a
// live connection.
func (m *Manager) AddAddrs(p peer.ID, addrs []ma.Multiaddr) {
	if len(addrs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs[p] = mergeAddrs(m.addrs[p], addrs)
}

// Addrs returns the known addresses of p.
func (m *Manager) Addrs(p peer.ID) []ma.Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ma.Multiaddr(nil), m.addrs[p]...)
}

// IsReachable reports whether p is outside its failure cooldown.
func (m *Manager) IsReachable(p peer.ID) bool {
	return !m.unreachable.Contains(p)
}

// Connected reports whether a live connection to p exists.
func (m *Manager) Connected(p peer.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[p]
	return ok
}

func (m *Manager) Peers() []peer.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]peer.ID, 0, len(m.conns))
	for p := range m.conns {
		out = append(out, p)
	}
	return out
}

func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Connect returns the live connection to ai.ID, dialing when needed.
// Concurrent calls for one peer share a single dial.
func (m *Manager) Connect(ctx context.Context, ai peer.AddrInfo) (*Conn, error) {
	if ai.ID == m.local {
		return nil, fmt.Errorf("%w: refusing to dial self", core.ErrInvalidInput)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, core.ErrClosed
	}
	if c, ok := m.conns[ai.ID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.addrs[ai.ID] = mergeAddrs(m.addrs[ai.ID], ai.Addrs)
	if call, ok := m.dials[ai.ID]; ok {
		m.mu.Unlock()
		return waitDial(ctx, call)
	}
	if len(m.addrs[ai.ID]) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no known addresses for %s", core.ErrConnection, ai.ID.ShortString())
	}
	if err := m.checkDialLocked(ai.ID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	call := &dialCall{done: make(chan struct{})}
	m.dials[ai.ID] = call
	target := peer.AddrInfo{ID: ai.ID, Addrs: append([]ma.Multiaddr(nil), m.addrs[ai.ID]...)}
	m.mu.Unlock()

	go m.dial(target, call)
	return waitDial(ctx, call)
}

func waitDial(ctx context.Context, call *dialCall) (*Conn, error) {
	select {
	case <-call.done:
		return call.conn, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) checkDialLocked(p peer.ID) error {
	if m.unreachable.Contains(p) {
		return fmt.Errorf("%w: %s is cooling down after repeated failures", core.ErrConnection, p.ShortString())
	}
	if st, ok := m.backoff[p]; ok && m.clk.Now().Before(st.next) {
		return fmt.Errorf("%w: %s backing off until %s", core.ErrConnection, p.ShortString(), st.next.Format(time.RFC3339))
	}
	return nil
}

// dial runs detached from any caller context so that one impatient caller
// does not fail the dial for the others.
func (m *Manager) dial(ai peer.AddrInfo, call *dialCall) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()

	tc, err := m.tr.Dial(ctx, ai)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: dial %s: %v", core.ErrTimeout, ai.ID.ShortString(), err)
	}

	var c *Conn
	if err == nil {
		c = m.adopt(tc, false)
	} else {
		m.recordFailure(ai.ID, err)
	}

	m.mu.Lock()
	delete(m.dials, ai.ID)
	m.mu.Unlock()
	call.conn, call.err = c, err
	close(call.done)
}

func (m *Manager) recordFailure(p peer.ID, err error) {
	m.metrics.DialFailed()
	m.mu.Lock()
	st, ok := m.backoff[p]
	if !ok {
		st = &dialState{}
		m.backoff[p] = st
	}
	st.failures++
	st.next = m.clk.Now().Add(m.backoffFor(st.failures))
	failures := st.failures
	if failures >= m.cfg.FailureThreshold {
		m.unreachable.Add(p, m.clk.Now())
		delete(m.backoff, p)
	}
	m.mu.Unlock()

	m.log.Debug("dial failed",
		zap.String("peer", p.ShortString()),
		zap.Int("failures", failures),
		zap.Error(err))
	if failures >= m.cfg.FailureThreshold {
		m.log.Info("peer marked unreachable",
			zap.String("peer", p.ShortString()),
			zap.Duration("cooldown", m.cfg.Cooldown))
	}
}

// backoffFor returns base * 2^(failures-1), capped at BackoffMax.
func (m *Manager) backoffFor(failures int) time.Duration {
	d := float64(m.cfg.BackoffBase) * math.Pow(2, float64(failures-1))
	if d > float64(m.cfg.BackoffMax) {
		return m.cfg.BackoffMax
	}
	return time.Duration(d)
}

// adopt registers tc. The first connection to a peer wins; a later duplicate
// still serves inbound streams until the remote closes it.
func (m *Manager) adopt(tc transport.Conn, inbound bool) *Conn {
	c := &Conn{Conn: tc, inbound: inbound}
	p := tc.RemotePeer()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = tc.Close()
		return c
	}
	existing, dup := m.conns[p]
	if !dup {
		m.conns[p] = c
		delete(m.backoff, p)
		m.unreachable.Remove(p)
		if !inbound {
			m.addrs[p] = mergeAddrs(m.addrs[p], []ma.Multiaddr{tc.RemoteAddr()})
		}
		m.armIdleLocked(c)
	}
	count := len(m.conns)
	notifees := append([]Notifiee(nil), m.notifees...)
	addrs := append([]ma.Multiaddr(nil), m.addrs[p]...)
	m.wg.Add(2)
	m.mu.Unlock()

	go m.serveConn(c)
	go m.watchConn(c)

	if dup {
		m.clk.AfterFunc(m.cfg.GracePeriod, func() { _ = tc.Close() })
		return existing
	}
	m.metrics.SetPeers(count)
	m.log.Debug("connected",
		zap.String("peer", p.ShortString()),
		zap.Bool("inbound", inbound))
	ai := peer.AddrInfo{ID: p, Addrs: addrs}
	for _, n := range notifees {
		if n.Connected != nil {
			go n.Connected(ai)
		}
	}
	return c
}

func (m *Manager) watchConn(c *Conn) {
	defer m.wg.Done()
	select {
	case <-c.Done():
	case <-m.ctx.Done():
		return
	}
	p := c.RemotePeer()
	m.mu.Lock()
	if m.conns[p] != c {
		m.mu.Unlock()
		return
	}
	delete(m.conns, p)
	if c.idle != nil {
		c.idle.Stop()
	}
	count := len(m.conns)
	notifees := append([]Notifiee(nil), m.notifees...)
	m.mu.Unlock()

	m.metrics.SetPeers(count)
	m.log.Debug("disconnected", zap.String("peer", p.ShortString()))
	for _, n := range notifees {
		if n.Disconnected != nil {
			go n.Disconnected(p)
		}
	}
}

// armIdleLocked starts the grace timer of an unreferenced connection.
func (m *Manager) armIdleLocked(c *Conn) {
	if c.refs > 0 {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = m.clk.AfterFunc(m.cfg.GracePeriod, func() {
		m.mu.Lock()
		if c.refs > 0 || m.conns[c.RemotePeer()] != c {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.log.Debug("closing idle connection", zap.String("peer", c.RemotePeer().ShortString()))
		_ = c.Close()
	})
}

// Acquire pins the connection to p open. It returns false when no
// connection exists.
func (m *Manager) Acquire(p peer.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[p]
	if !ok {
		return false
	}
	m.acquireLocked(c)
	return true
}

func (m *Manager) acquireLocked(c *Conn) {
	c.refs++
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

// Release drops one reference taken by Acquire. The connection closes once
// it stays unreferenced for the grace period.
func (m *Manager) Release(p peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[p]; ok {
		m.releaseLocked(c)
	}
}

func (m *Manager) releaseLocked(c *Conn) {
	if c.refs == 0 {
		return
	}
	c.refs--
	if c.refs == 0 && m.conns[c.RemotePeer()] == c {
		m.armIdleLocked(c)
	}
}

// Refs reports the reference count of the connection to p.
func (m *Manager) Refs(p peer.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[p]; ok {
		return c.refs
	}
	return 0
}

// OpenStream opens a stream for proto to p, connecting through known
// addresses when needed. The connection stays referenced until the stream
// is closed or reset.
func (m *Manager) OpenStream(ctx context.Context, p peer.ID, proto ProtocolID) (transport.Stream, error) {
	c, err := m.Connect(ctx, peer.AddrInfo{ID: p})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.acquireLocked(c)
	m.mu.Unlock()

	s, err := c.OpenStream(ctx)
	if err != nil {
		m.release(c)
		return nil, fmt.Errorf("%w: open stream to %s: %v", core.ErrConnection, p.ShortString(), err)
	}
	if err := wire.NewWriter(s).WriteFrame([]byte(proto)); err != nil {
		s.Reset()
		m.release(c)
		return nil, fmt.Errorf("%w: protocol header to %s: %v", core.ErrConnection, p.ShortString(), err)
	}
	return &managedStream{Stream: s, release: func() { m.release(c) }}, nil
}

func (m *Manager) release(c *Conn) {
	m.mu.Lock()
	m.releaseLocked(c)
	m.mu.Unlock()
}

func (m *Manager) serveConn(c *Conn) {
	defer m.wg.Done()
	for {
		s, err := c.AcceptStream(m.ctx)
		if err != nil {
			return
		}
		m.wg.Add(1)
		go m.handleStream(c, s)
	}
}

func (m *Manager) handleStream(c *Conn, s transport.Stream) {
	defer m.wg.Done()
	from := c.RemotePeer()

	_ = s.SetDeadline(time.Now().Add(m.cfg.DialTimeout))
	header, err := wire.NewReader(s, maxProtocolIDLen).ReadFrame()
	if err != nil {
		s.Reset()
		return
	}
	_ = s.SetDeadline(time.Time{})
	proto := ProtocolID(header)

	m.hmu.RLock()
	h, ok := m.handlers[proto]
	m.hmu.RUnlock()
	if !ok {
		m.log.Debug("no handler for protocol",
			zap.String("peer", from.ShortString()),
			zap.String("protocol", string(proto)))
		s.Reset()
		return
	}

	m.mu.Lock()
	m.acquireLocked(c)
	m.mu.Unlock()
	defer m.release(c)
	h(m.ctx, from, s)
}

// ClosePeer drops the connection to p regardless of references.
func (m *Manager) ClosePeer(p peer.ID) error {
	m.mu.Lock()
	c, ok := m.conns[p]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		if c.idle != nil {
			c.idle.Stop()
		}
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	err := m.tr.Close()
	m.wg.Wait()
	return err
}

type managedStream struct {
	transport.Stream
	once    sync.Once
	release func()
}

func (s *managedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(s.release)
	return err
}

func (s *managedStream) Reset() {
	s.Stream.Reset()
	s.once.Do(s.release)
}

func mergeAddrs(have, add []ma.Multiaddr) []ma.Multiaddr {
	for _, a := range add {
		if a == nil {
			continue
		}
		dup := false
		for _, h := range have {
			if h.Equal(a) {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, a)
		}
	}
	return have
}
