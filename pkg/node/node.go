// Package node wires the block store, connection manager, DHT and block
// exchange into a single facade. HTTP front-ends and the daemon talk to the
// node only through the methods defined here.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/blockstore"
	"github.com/agenthands/blobnet/pkg/chunker"
	"github.com/agenthands/blobnet/pkg/codec"
	"github.com/agenthands/blobnet/pkg/connmgr"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/dht"
	"github.com/agenthands/blobnet/pkg/exchange"
	"github.com/agenthands/blobnet/pkg/gc"
	"github.com/agenthands/blobnet/pkg/manifest"
	"github.com/agenthands/blobnet/pkg/metrics"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/transport"
	"github.com/benbjohnson/clock"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultKeyFile is the identity key location relative to the repo root.
const DefaultKeyFile = "identity.key"

type Option func(*options)

type options struct {
	log       *zap.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	ident     *peer.Identity
	transport transport.Transport
}

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithClock drives the reprovider, the GC runner and uptime from clk.
func WithClock(clk clock.Clock) Option { return func(o *options) { o.clock = clk } }

// WithIdentity uses ident instead of the key file under the repo.
func WithIdentity(ident *peer.Identity) Option { return func(o *options) { o.ident = ident } }

// WithTransport replaces the QUIC transport built from the listen addresses.
func WithTransport(t transport.Transport) Option { return func(o *options) { o.transport = t } }

type Node struct {
	cfg     core.Config
	ident   *peer.Identity
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	store     *blockstore.Store
	codecs    *codec.Registry
	manifests manifest.Codec
	chunker   *chunker.Chunker
	conns     *connmgr.Manager
	dht       *dht.DHT
	exchange  *exchange.Engine
	gc        *gc.Runner

	provMu   sync.Mutex
	provided map[cid.Cid]struct{}

	startMu sync.Mutex
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New opens the repo under cfg.Dir and assembles the node. Nothing talks to
// the network until Start.
func New(cfg core.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: zap.NewNop(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	ident := o.ident
	if ident == nil {
		keyFile := cfg.Identity.KeyFile
		if keyFile == "" {
			keyFile = filepath.Join(cfg.Dir, DefaultKeyFile)
		}
		var err error
		if ident, err = peer.LoadOrCreateIdentity(keyFile); err != nil {
			return nil, err
		}
	}

	ch, err := chunker.New(cfg.Chunking)
	if err != nil {
		return nil, err
	}

	codecs := codec.DefaultRegistry(cfg.Limits)
	store, err := blockstore.Open(cfg,
		blockstore.WithLogger(o.log.Named("blockstore")),
		blockstore.WithMetrics(o.metrics),
		blockstore.WithCodecs(codecs),
	)
	if err != nil {
		return nil, err
	}

	tr := o.transport
	if tr == nil {
		addrs, err := peer.AddrsFromStrings(cfg.Network.ListenAddrs)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("%w: listen addresses: %v", core.ErrConfig, err)
		}
		if tr, err = transport.NewQUIC(ident, addrs, o.log.Named("quic")); err != nil {
			store.Close()
			return nil, err
		}
	}

	connOpts := []connmgr.Option{
		connmgr.WithLogger(o.log.Named("connmgr")),
		connmgr.WithMetrics(o.metrics),
	}
	if cfg.Limits.MaxWireMessageSize > 0 {
		connOpts = append(connOpts, connmgr.WithMaxMessageSize(int(cfg.Limits.MaxWireMessageSize)))
	}
	conns := connmgr.New(ident.ID, tr, cfg.Conn, connOpts...)

	d, err := dht.New(ident, conns, cfg.DHT,
		dht.WithLogger(o.log.Named("dht")),
		dht.WithMetrics(o.metrics),
	)
	if err != nil {
		conns.Close()
		store.Close()
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		ident:     ident,
		log:       o.log,
		metrics:   o.metrics,
		clock:     o.clock,
		store:     store,
		codecs:    codecs,
		manifests: manifest.NewCodec(cfg.Limits),
		chunker:   ch,
		conns:     conns,
		dht:       d,
		provided:  make(map[cid.Cid]struct{}),
	}
	n.exchange = exchange.New(ident.ID, store, conns, d, cfg.Exchange,
		exchange.WithLogger(o.log.Named("exchange")),
		exchange.WithMetrics(o.metrics),
	)
	n.gc = gc.NewRunner(cfg.GC, store.RunGC, o.clock, o.log.Named("gc"))
	conns.Notify(connmgr.Notifiee{
		Connected: func(ai peer.AddrInfo) {
			n.log.Debug("peer connected", zap.String("peer", ai.ID.ShortString()))
		},
		Disconnected: func(p peer.ID) {
			n.log.Debug("peer disconnected", zap.String("peer", p.ShortString()))
		},
	})
	return n, nil
}

// Start begins accepting connections and serving the DHT and block
// exchange, then bootstraps from the configured peers in the background.
func (n *Node) Start(ctx context.Context) error {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if n.closed {
		return core.ErrClosed
	}
	if n.ctx != nil {
		return nil
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.started = n.clock.Now()

	n.conns.Start()
	n.dht.Start()
	n.exchange.Start()
	n.gc.Start(n.ctx)

	var peers []peer.AddrInfo
	for _, s := range n.cfg.Network.BootstrapPeers {
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			n.log.Warn("skipping bootstrap peer", zap.String("addr", s), zap.Error(err))
			continue
		}
		peers = append(peers, ai)
	}
	if len(peers) > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.Bootstrap(n.ctx, peers); err != nil {
				n.log.Warn("bootstrap failed", zap.Error(err))
			}
		}()
	}

	n.wg.Add(1)
	go n.reprovideLoop()

	n.log.Info("node started",
		zap.Stringer("peer", n.ident.ID),
		zap.Strings("addrs", n.AddrInfo().StringAddrs()),
		zap.String("dht_mode", string(n.dht.Mode())))
	return nil
}

// Close stops every component and releases the repo.
func (n *Node) Close() error {
	n.startMu.Lock()
	if n.closed {
		n.startMu.Unlock()
		return nil
	}
	n.closed = true
	cancel := n.cancel
	n.startMu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.gc.Stop()
	n.wg.Wait()
	return multierr.Combine(
		n.exchange.Close(),
		n.dht.Close(),
		n.conns.Close(),
		n.store.Close(),
	)
}

func (n *Node) ID() peer.ID { return n.ident.ID }

func (n *Node) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: n.ident.ID, Addrs: n.conns.ListenAddrs()}
}

// Store exposes the local block store.
func (n *Node) Store() *blockstore.Store { return n.store }

// DHT exposes the routing engine.
func (n *Node) DHT() *dht.DHT { return n.dht }

// Bootstrap joins the network through peers.
func (n *Node) Bootstrap(ctx context.Context, peers []peer.AddrInfo) error {
	return n.dht.Bootstrap(ctx, peers)
}

// Get returns the block for c from the local store or the network. Content
// that cannot be located on any peer is reported as ErrNotFound whatever the
// underlying network failure was.
func (n *Node) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	blk, err := n.exchange.WantBlock(ctx, c)
	if err == nil {
		return blk, nil
	}
	return nil, notFound(ctx, c, err)
}

func notFound(ctx context.Context, c cid.Cid, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrClosed), errors.Is(err, core.ErrNotFound):
		return err
	case errors.Is(err, core.ErrTimeout), errors.Is(err, core.ErrConnection), errors.Is(err, core.ErrIntegrity):
		return fmt.Errorf("%w: %s: %v", core.ErrNotFound, c, err)
	}
	return err
}

// Put verifies and stores blk.
func (n *Node) Put(ctx context.Context, blk blocks.Block) error {
	return n.store.Put(ctx, blk)
}

// Has reports whether c is stored locally.
func (n *Node) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return n.store.Has(ctx, c)
}

// Stat returns the payload size of c, fetching it when needed.
func (n *Node) Stat(ctx context.Context, c cid.Cid) (int, error) {
	size, err := n.store.GetSize(ctx, c)
	if err == nil {
		return size, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return 0, err
	}
	blk, err := n.Get(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(blk.RawData()), nil
}

// Provide announces that this node holds c. The block must be stored
// locally. Announced CIDs are re-announced by the reprovider.
func (n *Node) Provide(ctx context.Context, c cid.Cid) error {
	ok, err := n.store.Has(ctx, c)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cannot provide absent block %s", core.ErrNotFound, c)
	}
	n.provMu.Lock()
	n.provided[c] = struct{}{}
	n.provMu.Unlock()
	return n.dht.Provide(ctx, c)
}

// FindProviders streams up to count providers of c; count <= 0 means no
// limit.
func (n *Node) FindProviders(ctx context.Context, c cid.Cid, count int) <-chan peer.AddrInfo {
	return n.dht.FindProviders(ctx, c, count)
}

// Pin fetches c, and for recursive pins everything reachable from it, then
// records the pin.
func (n *Node) Pin(ctx context.Context, c cid.Cid, kind core.PinKind) error {
	if kind != core.PinDirect && kind != core.PinRecursive {
		return fmt.Errorf("%w: pin kind %v", core.ErrInvalidInput, kind)
	}
	var release func()
	var err error
	if kind == core.PinRecursive {
		release, err = n.fetchDAG(ctx, c)
	} else {
		release = n.store.Hold(c)
		_, err = n.Get(ctx, c)
	}
	defer release()
	if err != nil {
		return err
	}
	return n.store.Pin(ctx, c, kind)
}

func (n *Node) Unpin(ctx context.Context, c cid.Cid) error {
	return n.store.Unpin(ctx, c)
}

func (n *Node) Pins(ctx context.Context) ([]blockstore.Pin, error) {
	return n.store.Pins(ctx)
}

// GC collects unpinned blocks and returns how many were removed.
func (n *Node) GC(ctx context.Context) (int, error) {
	return n.store.GC(ctx)
}

// Status is the snapshot polled by health checks.
func (n *Node) Status() core.Status {
	n.startMu.Lock()
	started := n.started
	n.startMu.Unlock()
	var uptime time.Duration
	if !started.IsZero() {
		uptime = n.clock.Since(started)
	}
	return core.Status{
		PeerCount:    n.conns.PeerCount(),
		StoredBlocks: n.store.Count(),
		Uptime:       uptime,
	}
}

// fetchDAG retrieves root and every block reachable from it within one
// exchange session. The returned release drops the GC holds on them.
func (n *Node) fetchDAG(ctx context.Context, root cid.Cid) (func(), error) {
	sess := n.exchange.NewSession(ctx)
	var releases []func()
	release := func() {
		for _, r := range releases {
			r()
		}
	}

	seen := map[cid.Cid]struct{}{root: {}}
	level := []cid.Cid{root}
	for len(level) > 0 {
		var missing []cid.Cid
		got := make(map[cid.Cid]blocks.Block, len(level))
		for _, c := range level {
			releases = append(releases, n.store.Hold(c))
			blk, err := n.store.Get(ctx, c)
			switch {
			case err == nil:
				got[c] = blk
			case errors.Is(err, core.ErrNotFound):
				missing = append(missing, c)
			default:
				return release, err
			}
		}
		if len(missing) > 0 {
			for blk := range sess.GetBlocks(missing) {
				got[blk.Cid()] = blk
			}
			if err := ctx.Err(); err != nil {
				return release, err
			}
			for _, c := range missing {
				if _, ok := got[c]; !ok {
					return release, fmt.Errorf("%w: %s", core.ErrNotFound, c)
				}
			}
		}

		var next []cid.Cid
		for _, c := range level {
			links, err := n.codecs.Links(got[c])
			if err != nil {
				return release, fmt.Errorf("%w: %v", core.ErrIntegrity, err)
			}
			for _, l := range links {
				if _, ok := seen[l]; !ok {
					seen[l] = struct{}{}
					next = append(next, l)
				}
			}
		}
		level = next
	}
	return release, nil
}
