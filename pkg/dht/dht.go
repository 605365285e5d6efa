// Package dht implements a Kademlia DHT used to announce and discover
// providers of content and to publish small signed key/value records.
//
// A node in server mode answers RPCs and is added to the routing tables of
// the peers it talks to. A node in client mode only issues queries.
package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/connmgr"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/kbucket"
	"github.com/agenthands/blobnet/pkg/metrics"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/transport"
	"github.com/agenthands/blobnet/pkg/wire"
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProtocolID is the stream protocol of DHT RPCs.
const ProtocolID connmgr.ProtocolID = "/blobnet/kad/1.0.0"

type Option func(*DHT)

func WithLogger(l *zap.Logger) Option { return func(d *DHT) { d.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *DHT) { d.metrics = m } }

// WithClock sets the clock used for record expiry and background schedules.
func WithClock(c clock.Clock) Option { return func(d *DHT) { d.clk = c } }

// WithDatastore persists records in store instead of an in-memory map.
func WithDatastore(store ds.Batching) Option { return func(d *DHT) { d.store = store } }

type DHT struct {
	ident   *peer.Identity
	self    peer.ID
	cfg     core.DHTConfig
	cm      *connmgr.Manager
	rt      *kbucket.Table
	store   ds.Batching
	clk     clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	providers *ProviderStore
	values    *valueStore

	mu        sync.Mutex
	bootstrap []peer.AddrInfo
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ident *peer.Identity, cm *connmgr.Manager, cfg core.DHTConfig, opts ...Option) (*DHT, error) {
	def := core.DefaultDHTConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Mode != core.DHTModeServer && cfg.Mode != core.DHTModeClient {
		return nil, fmt.Errorf("%w: unknown dht mode %q", core.ErrConfig, cfg.Mode)
	}
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = def.RoundTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.ProviderTTL <= 0 {
		cfg.ProviderTTL = def.ProviderTTL
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = def.SweepEvery
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.ProvideRetries <= 0 {
		cfg.ProvideRetries = def.ProvideRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DHT{
		ident:  ident,
		self:   ident.ID,
		cfg:    cfg,
		cm:     cm,
		clk:    clock.New(),
		log:    zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.store == nil {
		d.store = dssync.MutexWrap(ds.NewMapDatastore())
	}
	d.rt = kbucket.New(d.self,
		kbucket.WithBucketSize(cfg.K),
		kbucket.WithClock(d.clk),
		kbucket.WithFilter(cm.IsReachable))
	d.providers = NewProviderStore(d.store, cfg.ProviderTTL, d.clk)
	d.values = &valueStore{store: d.store}
	return d, nil
}

func (d *DHT) Mode() core.DHTMode { return d.cfg.Mode }

func (d *DHT) RoutingTable() *kbucket.Table { return d.rt }

func (d *DHT) Providers() *ProviderStore { return d.providers }

// Start registers the RPC handler in server mode and launches the
// background sweep and refresh loops.
func (d *DHT) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	if d.cfg.Mode == core.DHTModeServer {
		d.cm.SetHandler(ProtocolID, d.handleStream)
	}
	d.wg.Add(2)
	go d.sweepLoop()
	go d.refreshLoop()
}

func (d *DHT) Close() error {
	d.cm.RemoveHandler(ProtocolID)
	d.cancel()
	d.wg.Wait()
	return nil
}

func (d *DHT) selfInfo() *wire.PeerInfo {
	pi := wire.FromAddrInfo(peer.AddrInfo{ID: d.self, Addrs: d.cm.ListenAddrs()})
	return &pi
}

// request sends one RPC to ai and waits for the response. Responders are
// servers by definition and are added to the routing table.
func (d *DHT) request(ctx context.Context, ai peer.AddrInfo, req *wire.DHTMessage) (*wire.DHTMessage, error) {
	d.cm.AddAddrs(ai.ID, ai.Addrs)
	s, err := d.cm.OpenStream(ctx, ai.ID, ProtocolID)
	if err != nil {
		d.rt.RecordFailure(ai.ID)
		return nil, err
	}
	defer s.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(d.cfg.RoundTimeout)
	}
	_ = s.SetDeadline(deadline)

	if d.cfg.Mode == core.DHTModeServer {
		req.Server = true
		req.Sender = d.selfInfo()
	}
	if err := wire.NewWriter(s).WriteMsg(req); err != nil {
		s.Reset()
		d.rt.RecordFailure(ai.ID)
		return nil, fmt.Errorf("%w: send %s to %s: %v", core.ErrConnection, req.Type, ai.ID.ShortString(), err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, fmt.Errorf("%w: %v", core.ErrConnection, err)
	}
	var resp wire.DHTMessage
	if err := wire.NewReader(s, d.cm.MaxMessageSize()).ReadMsg(&resp); err != nil {
		s.Reset()
		d.rt.RecordFailure(ai.ID)
		return nil, fmt.Errorf("%w: read %s from %s: %v", core.ErrConnection, req.Type, ai.ID.ShortString(), err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s rejected %s: %s", core.ErrConnection, ai.ID.ShortString(), req.Type, resp.Error)
	}
	d.rt.Insert(peer.AddrInfo{ID: ai.ID, Addrs: d.cm.Addrs(ai.ID)})
	return &resp, nil
}

// Ping checks that ai answers DHT RPCs.
func (d *DHT) Ping(ctx context.Context, ai peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RoundTimeout)
	defer cancel()
	_, err := d.request(ctx, ai, &wire.DHTMessage{Type: wire.Ping})
	return err
}

// Bootstrap remembers peers, pings them and runs a self lookup to populate
// the routing table. It fails only when no bootstrap peer answered.
func (d *DHT) Bootstrap(ctx context.Context, peers []peer.AddrInfo) error {
	d.mu.Lock()
	if len(peers) > 0 {
		d.bootstrap = append([]peer.AddrInfo(nil), peers...)
	}
	peers = append([]peer.AddrInfo(nil), d.bootstrap...)
	d.mu.Unlock()
	if len(peers) == 0 {
		return nil
	}

	var (
		mu sync.Mutex
		ok int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ai := range peers {
		ai := ai
		g.Go(func() error {
			if err := d.Ping(gctx, ai); err != nil {
				d.log.Warn("bootstrap peer unreachable",
					zap.String("peer", ai.ID.ShortString()),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if ok == 0 {
		return fmt.Errorf("%w: no bootstrap peer answered", core.ErrConnection)
	}
	_, err := d.FindClosestPeers(ctx, []byte(d.self))
	if errors.Is(err, core.ErrTimeout) {
		return nil
	}
	return err
}

// FindClosestPeers runs a FIND_NODE lookup for the keyspace point of key.
func (d *DHT) FindClosestPeers(ctx context.Context, key []byte) ([]peer.AddrInfo, error) {
	res, err := d.Lookup(ctx, kbucket.KeyFor(key))
	return res.Closest, err
}

// Lookup runs the FIND_NODE state machine towards target. FIND_NODE carries
// the keyspace point itself, so arbitrary targets such as random bucket keys
// can be looked up.
func (d *DHT) Lookup(ctx context.Context, target kbucket.Key) (LookupResult, error) {
	l := d.newLookup(target, wire.DHTMessage{Type: wire.FindNode, Key: target[:]}, nil)
	return l.run(ctx)
}

func providerKey(c cid.Cid) []byte { return c.Hash() }

// Provide stores a local provider record for c and announces it to the k
// closest peers. Per-peer failures are retried and then logged.
func (d *DHT) Provide(ctx context.Context, c cid.Cid) error {
	if !c.Defined() {
		return fmt.Errorf("%w: undefined cid", core.ErrInvalidInput)
	}
	key := providerKey(c)
	self := peer.AddrInfo{ID: d.self, Addrs: d.cm.ListenAddrs()}
	if err := d.providers.AddProvider(ctx, key, self); err != nil {
		return err
	}

	closest, err := d.FindClosestPeers(ctx, key)
	if err != nil && !errors.Is(err, core.ErrTimeout) {
		return err
	}
	if len(closest) == 0 {
		return nil
	}

	req := wire.DHTMessage{
		Type:          wire.AddProvider,
		Key:           key,
		ProviderPeers: []wire.PeerInfo{wire.FromAddrInfo(self)},
	}
	var (
		mu    sync.Mutex
		acked int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ai := range closest {
		ai := ai
		g.Go(func() error {
			if err := d.sendWithRetry(gctx, ai, req); err != nil {
				d.log.Debug("add provider failed",
					zap.String("peer", ai.ID.ShortString()),
					zap.Stringer("cid", c),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			acked++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Debug("provided",
		zap.Stringer("cid", c),
		zap.Int("peers", len(closest)),
		zap.Int("acked", acked))
	return nil
}

func (d *DHT) sendWithRetry(ctx context.Context, ai peer.AddrInfo, req wire.DHTMessage) error {
	var err error
	for attempt := 0; attempt < d.cfg.ProvideRetries; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, d.cfg.RoundTimeout)
		r := req
		_, err = d.request(rctx, ai, &r)
		cancel()
		if err == nil || ctx.Err() != nil || !errors.Is(err, core.ErrConnection) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}

// FindProviders streams providers of c: local records first, then those
// found by a GET_PROVIDERS lookup. count <= 0 means no limit. The channel
// closes when the lookup ends or count providers were sent; it is not
// restartable.
func (d *DHT) FindProviders(ctx context.Context, c cid.Cid, count int) <-chan peer.AddrInfo {
	out := make(chan peer.AddrInfo)
	go func() {
		defer close(out)
		key := providerKey(c)
		seen := make(map[peer.ID]struct{})
		var mu sync.Mutex
		done := false

		emit := func(ai peer.AddrInfo) bool {
			mu.Lock()
			defer mu.Unlock()
			if done {
				return false
			}
			if _, ok := seen[ai.ID]; ok || ai.ID.Validate() != nil {
				return true
			}
			seen[ai.ID] = struct{}{}
			if ai.ID != d.self {
				d.cm.AddAddrs(ai.ID, ai.Addrs)
			}
			select {
			case out <- ai:
			case <-ctx.Done():
				done = true
				return false
			}
			if count > 0 && len(seen) >= count {
				done = true
				return false
			}
			return true
		}

		local, err := d.providers.GetProviders(ctx, key)
		if err != nil {
			d.log.Warn("read local providers", zap.Error(err))
		}
		for _, ai := range local {
			if !emit(ai) {
				return
			}
		}

		l := d.newLookup(kbucket.KeyFor(key), wire.DHTMessage{Type: wire.GetProviders, Key: key},
			func(_ peer.ID, resp *wire.DHTMessage) bool {
				for _, ai := range peerInfos(resp.ProviderPeers) {
					if !emit(ai) {
						return true
					}
				}
				return false
			})
		if _, err := l.run(ctx); err != nil && ctx.Err() == nil {
			d.log.Debug("provider lookup ended early", zap.Stringer("cid", c), zap.Error(err))
		}
	}()
	return out
}

// PutValue signs value under key, stores it locally and sends it to the k
// closest peers.
func (d *DHT) PutValue(ctx context.Context, key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", core.ErrInvalidInput)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", core.ErrInvalidInput, len(value), MaxValueSize)
	}
	rec := NewRecord(d.ident, key, value, d.clk.Now().UnixNano())
	if _, err := d.values.put(ctx, rec); err != nil {
		return err
	}

	closest, err := d.FindClosestPeers(ctx, key)
	if err != nil && !errors.Is(err, core.ErrTimeout) {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, ai := range closest {
		ai := ai
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, d.cfg.RoundTimeout)
			defer cancel()
			if _, err := d.request(rctx, ai, &wire.DHTMessage{Type: wire.PutValue, Key: key, Record: rec}); err != nil {
				d.log.Debug("put value failed", zap.String("peer", ai.ID.ShortString()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// GetValue returns the best valid record for key among the local store and
// the peers visited by a GET_VALUE lookup.
func (d *DHT) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	rec, err := d.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (d *DHT) GetRecord(ctx context.Context, key []byte) (*wire.ValueRecord, error) {
	best, err := d.values.get(ctx, key)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	var mu sync.Mutex
	l := d.newLookup(kbucket.KeyFor(key), wire.DHTMessage{Type: wire.GetValue, Key: key},
		func(from peer.ID, resp *wire.DHTMessage) bool {
			if resp.Record == nil {
				return false
			}
			if err := VerifyRecord(key, resp.Record); err != nil {
				d.log.Debug("discarding invalid record", zap.String("peer", from.ShortString()), zap.Error(err))
				return false
			}
			mu.Lock()
			if Better(resp.Record, best) {
				best = resp.Record
			}
			mu.Unlock()
			return false
		})
	if _, err := l.run(ctx); err != nil && !errors.Is(err, core.ErrTimeout) {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if best == nil {
		return nil, fmt.Errorf("%w: no record for key", core.ErrNotFound)
	}
	if _, err := d.values.put(ctx, best); err != nil {
		d.log.Debug("caching fetched record", zap.Error(err))
	}
	return best, nil
}

func (d *DHT) handleStream(ctx context.Context, from peer.ID, s transport.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(d.cfg.RoundTimeout))

	var req wire.DHTMessage
	if err := wire.NewReader(s, d.cm.MaxMessageSize()).ReadMsg(&req); err != nil {
		d.log.Debug("bad dht request", zap.String("peer", from.ShortString()), zap.Error(err))
		s.Reset()
		return
	}
	if req.Server {
		d.learnSender(from, req.Sender)
	}

	resp := d.handleRequest(ctx, from, &req)
	if err := wire.NewWriter(s).WriteMsg(resp); err != nil {
		d.log.Debug("dht response failed", zap.String("peer", from.ShortString()), zap.Error(err))
		s.Reset()
	}
}

func (d *DHT) learnSender(from peer.ID, sender *wire.PeerInfo) {
	if sender == nil {
		return
	}
	ai, err := sender.AddrInfo()
	if err != nil || ai.ID != from {
		return
	}
	d.cm.AddAddrs(ai.ID, ai.Addrs)
	d.rt.Insert(ai)
}

func (d *DHT) handleRequest(ctx context.Context, from peer.ID, req *wire.DHTMessage) *wire.DHTMessage {
	resp := &wire.DHTMessage{Type: req.Type, Key: req.Key}
	closer := func(target kbucket.Key) {
		var peers []peer.AddrInfo
		for _, ai := range d.rt.ClosestPeers(target, d.cfg.K+1) {
			if ai.ID != from && len(peers) < d.cfg.K {
				peers = append(peers, ai)
			}
		}
		resp.CloserPeers = wire.FromAddrInfos(peers)
	}

	switch req.Type {
	case wire.Ping:
	case wire.FindNode:
		if len(req.Key) != len(kbucket.Key{}) {
			resp.Error = "find node key is not a keyspace point"
			break
		}
		closer(kbucket.Key(req.Key))
	case wire.GetProviders:
		provs, err := d.providers.GetProviders(ctx, req.Key)
		if err != nil {
			d.log.Warn("read providers", zap.Error(err))
		}
		resp.ProviderPeers = wire.FromAddrInfos(provs)
		closer(kbucket.KeyFor(req.Key))
	case wire.AddProvider:
		for _, ai := range peerInfos(req.ProviderPeers) {
			if ai.ID != from {
				continue
			}
			if len(ai.Addrs) == 0 {
				ai.Addrs = d.cm.Addrs(from)
			}
			if err := d.providers.AddProvider(ctx, req.Key, ai); err != nil {
				resp.Error = "store failed"
				d.log.Warn("store provider", zap.Error(err))
			}
		}
	case wire.PutValue:
		if req.Record == nil || !bytesEqual(req.Record.Key, req.Key) {
			resp.Error = "record key mismatch"
			break
		}
		if _, err := d.values.put(ctx, req.Record); err != nil {
			resp.Error = err.Error()
		}
	case wire.GetValue:
		if rec, err := d.values.get(ctx, req.Key); err == nil {
			resp.Record = rec
		}
		closer(kbucket.KeyFor(req.Key))
	default:
		resp.Error = "unknown message type"
	}
	return resp
}

func bytesEqual(a, b []byte) bool { return string(a) == string(b) }

func (d *DHT) sweepLoop() {
	defer d.wg.Done()
	t := d.clk.Ticker(d.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			removed, remaining, err := d.providers.Sweep(d.ctx)
			if err != nil {
				d.log.Warn("provider sweep failed", zap.Error(err))
				continue
			}
			d.metrics.SetProviders(remaining)
			if removed > 0 {
				d.log.Debug("swept provider records", zap.Int("removed", removed), zap.Int("remaining", remaining))
			}
		}
	}
}

func (d *DHT) refreshLoop() {
	defer d.wg.Done()
	t := d.clk.Ticker(d.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.Refresh(d.ctx)
		}
	}
}

// Refresh re-bootstraps an empty table, looks up a random key in every
// stale bucket and, with random walk enabled, one uniformly random key.
func (d *DHT) Refresh(ctx context.Context) {
	if d.rt.Size() == 0 {
		if err := d.Bootstrap(ctx, nil); err != nil {
			d.log.Debug("re-bootstrap failed", zap.Error(err))
		}
	}
	for _, i := range d.rt.StaleBuckets(d.cfg.RefreshInterval) {
		if _, err := d.Lookup(ctx, d.rt.RandomKeyInBucket(i)); err != nil {
			d.log.Debug("bucket refresh", zap.Int("bucket", i), zap.Error(err))
		}
		d.rt.MarkRefreshed(i)
	}
	if d.cfg.RandomWalk {
		if _, err := d.Lookup(ctx, kbucket.RandomKey()); err != nil {
			d.log.Debug("random walk", zap.Error(err))
		}
	}
}
