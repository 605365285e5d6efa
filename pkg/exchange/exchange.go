// Package exchange fetches blocks from peers and serves local blocks to
// them. A want is answered from the local store when possible; otherwise
// connected peers and DHT providers are asked WANT_HAVE and the first peer
// to answer HAVE is sent WANT_BLOCK. Each CID is fetched at most once at a
// time no matter how many callers want it.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/connmgr"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/metrics"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/wire"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ProtocolID is the stream protocol of block exchange messages.
const ProtocolID connmgr.ProtocolID = "/blobnet/exchange/1.0.0"

// Blockstore is the local storage the engine fetches into and serves from.
type Blockstore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, blk blocks.Block) error
	// Hold keeps c from being collected until release is called.
	Hold(c cid.Cid) (release func())
}

// Router finds providers of a CID.
type Router interface {
	FindProviders(ctx context.Context, c cid.Cid, count int) <-chan peer.AddrInfo
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// want is the single in-flight fetch of one CID.
type want struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	refs   int // waiters, guarded by Engine.mu
	blk    blocks.Block
	err    error
}

type Engine struct {
	self        peer.ID
	bs          Blockstore
	cm          *connmgr.Manager
	router      Router
	cfg         core.ExchangeConfig
	peerTimeout time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics

	mu    sync.Mutex
	wants map[cid.Cid]*want

	semMu sync.Mutex
	sems  map[peer.ID]*semaphore.Weighted

	serve   *serveQueue
	session *Session // used by WantBlock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine. router may be nil, in which case only connected
// peers are asked.
func New(self peer.ID, bs Blockstore, cm *connmgr.Manager, router Router, cfg core.ExchangeConfig, opts ...Option) *Engine {
	def := core.DefaultExchangeConfig()
	if cfg.WantTimeout <= 0 {
		cfg.WantTimeout = def.WantTimeout
	}
	if cfg.MaxOutstandingWant <= 0 {
		cfg.MaxOutstandingWant = def.MaxOutstandingWant
	}
	if cfg.MaxProviders <= 0 {
		cfg.MaxProviders = def.MaxProviders
	}
	if cfg.ServeWorkers <= 0 {
		cfg.ServeWorkers = def.ServeWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		self:        self,
		bs:          bs,
		cm:          cm,
		router:      router,
		cfg:         cfg,
		peerTimeout: cfg.WantTimeout / 3,
		log:         zap.NewNop(),
		wants:       make(map[cid.Cid]*want),
		sems:        make(map[peer.ID]*semaphore.Weighted),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.serve = newServeQueue()
	e.session = e.NewSession(ctx)
	return e
}

// Start registers the stream handler and the serve workers.
func (e *Engine) Start() {
	e.cm.SetHandler(ProtocolID, e.handleStream)
	for i := 0; i < e.cfg.ServeWorkers; i++ {
		e.wg.Add(1)
		go e.serveWorker()
	}
}

func (e *Engine) Close() error {
	e.cm.RemoveHandler(ProtocolID)
	e.cancel()
	e.serve.close()
	e.wg.Wait()
	return nil
}

// WantBlock returns the block for c from the local store or the network.
func (e *Engine) WantBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return e.want(ctx, c, e.session)
}

// Wanted lists the CIDs with a fetch in flight.
func (e *Engine) Wanted() []cid.Cid {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]cid.Cid, 0, len(e.wants))
	for c := range e.wants {
		out = append(out, c)
	}
	return out
}

func (e *Engine) want(ctx context.Context, c cid.Cid, sess *Session) (blocks.Block, error) {
	if !c.Defined() {
		return nil, fmt.Errorf("%w: undefined cid", core.ErrInvalidInput)
	}
	blk, err := e.bs.Get(ctx, c)
	if err == nil {
		return blk, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	e.mu.Lock()
	w, ok := e.wants[c]
	if !ok || w.ctx.Err() != nil {
		wctx, cancel := context.WithTimeout(e.ctx, e.cfg.WantTimeout)
		w = &want{ctx: wctx, cancel: cancel, done: make(chan struct{})}
		e.wants[c] = w
		go e.run(w, c, sess)
	}
	w.refs++
	e.mu.Unlock()
	defer e.leave(w)

	select {
	case <-w.done:
		return w.blk, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// leave drops a waiter; the fetch is abandoned when nobody waits for it.
func (e *Engine) leave(w *want) {
	e.mu.Lock()
	w.refs--
	idle := w.refs == 0
	e.mu.Unlock()
	if idle {
		select {
		case <-w.done:
		default:
			w.cancel()
		}
	}
}

func (e *Engine) run(w *want, c cid.Cid, sess *Session) {
	e.metrics.WantStarted()
	defer e.metrics.WantFinished()
	release := e.bs.Hold(c)
	defer release()

	blk, err := e.fetch(w.ctx, c, sess)
	if err != nil && errors.Is(w.ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: want %s", core.ErrTimeout, c)
	}

	e.mu.Lock()
	if e.wants[c] == w {
		delete(e.wants, c)
	}
	e.mu.Unlock()
	w.blk, w.err = blk, err
	w.cancel()
	close(w.done)
}

// fetch asks connected peers and providers for c until one delivers a
// verified block or every candidate is exhausted.
func (e *Engine) fetch(ctx context.Context, c cid.Cid, sess *Session) (blocks.Block, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		asked   = make(map[peer.ID]bool) // true while the WANT_HAVE is in flight
		wg      sync.WaitGroup
		haves   = make(chan peer.ID, 16)
		pending = func() []peer.ID {
			mu.Lock()
			defer mu.Unlock()
			var out []peer.ID
			for p, inFlight := range asked {
				if inFlight {
					out = append(out, p)
				}
			}
			return out
		}
	)
	ask := func(p peer.ID) {
		if p == e.self {
			return
		}
		mu.Lock()
		if _, dup := asked[p]; dup {
			mu.Unlock()
			return
		}
		asked[p] = true
		wg.Add(1)
		mu.Unlock()
		go func() {
			defer wg.Done()
			have := e.askHave(ctx, p, c, sess)
			mu.Lock()
			asked[p] = false
			mu.Unlock()
			if have {
				select {
				case haves <- p:
				case <-ctx.Done():
				}
			}
		}()
	}

	for _, p := range sess.rank(e.cm.Peers()) {
		ask(p)
	}
	if e.router != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ai := range e.router.FindProviders(ctx, c, e.cfg.MaxProviders) {
				if ai.ID == e.self {
					continue
				}
				e.cm.AddAddrs(ai.ID, ai.Addrs)
				ask(ai.ID)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(haves)
	}()

	for {
		select {
		case p, ok := <-haves:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("%w: no peer has %s", core.ErrNotFound, c)
			}
			blk, err := e.requestBlock(ctx, p, c, sess)
			if err != nil {
				continue
			}
			for _, q := range pending() {
				e.sendCancel(q, c)
			}
			return blk, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) peerSem(p peer.ID) *semaphore.Weighted {
	e.semMu.Lock()
	defer e.semMu.Unlock()
	s, ok := e.sems[p]
	if !ok {
		s = semaphore.NewWeighted(int64(e.cfg.MaxOutstandingWant))
		e.sems[p] = s
	}
	return s
}

// rpc sends msg to p on a fresh stream and reads the reply. At most
// MaxOutstandingWant requests per peer are in flight; the rest wait here.
func (e *Engine) rpc(ctx context.Context, p peer.ID, msg *wire.ExchangeMessage) (*wire.ExchangeMessage, error) {
	sem := e.peerSem(p)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, e.peerTimeout)
	defer cancel()
	s, err := e.cm.OpenStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	if err := wire.NewWriter(s).WriteMsg(msg); err != nil {
		s.Reset()
		return nil, fmt.Errorf("%w: send to %s: %v", core.ErrConnection, p.ShortString(), err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, fmt.Errorf("%w: %v", core.ErrConnection, err)
	}
	var resp wire.ExchangeMessage
	if err := wire.NewReader(s, e.cm.MaxMessageSize()).ReadMsg(&resp); err != nil {
		s.Reset()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s did not answer", core.ErrTimeout, p.ShortString())
		}
		return nil, fmt.Errorf("%w: read from %s: %v", core.ErrConnection, p.ShortString(), err)
	}
	return &resp, nil
}

func (e *Engine) askHave(ctx context.Context, p peer.ID, c cid.Cid, sess *Session) bool {
	start := time.Now()
	resp, err := e.rpc(ctx, p, &wire.ExchangeMessage{
		Wants: []wire.WantEntry{{CID: c.Bytes(), Type: wire.WantHave, Priority: 1}},
	})
	if err != nil {
		if errors.Is(err, core.ErrTimeout) {
			sess.recordTimeout(p)
		}
		e.log.Debug("want have failed", zap.String("peer", p.ShortString()), zap.Error(err))
		return false
	}
	sess.recordResponse(p, time.Since(start))
	for _, pr := range resp.Presences {
		if pr.Type == wire.Have && cidEquals(pr.CID, c) {
			return true
		}
	}
	return false
}

// requestBlock sends WANT_BLOCK to p and stores the verified reply. A block
// that fails verification is dropped and reported as ErrIntegrity; p is not
// asked again for this want.
func (e *Engine) requestBlock(ctx context.Context, p peer.ID, c cid.Cid, sess *Session) (blocks.Block, error) {
	start := time.Now()
	resp, err := e.rpc(ctx, p, &wire.ExchangeMessage{
		Wants: []wire.WantEntry{{CID: c.Bytes(), Type: wire.WantBlock, Priority: 1}},
	})
	if err != nil {
		if errors.Is(err, core.ErrTimeout) {
			sess.recordTimeout(p)
		}
		return nil, err
	}
	for _, b := range resp.Blocks {
		if !cidEquals(b.CID, c) {
			continue
		}
		if err := cidutil.Check(c, b.Data); err != nil {
			e.metrics.BlockReceived("invalid")
			e.log.Warn("peer sent a block that does not match its cid",
				zap.String("peer", p.ShortString()),
				zap.Stringer("cid", c))
			return nil, err
		}
		blk, err := blocks.NewBlockWithCid(b.Data, c)
		if err != nil {
			return nil, err
		}
		if err := e.bs.Put(ctx, blk); err != nil {
			e.metrics.BlockReceived("rejected")
			return nil, err
		}
		e.metrics.BlockReceived("ok")
		sess.recordResponse(p, time.Since(start))
		sess.recordServed(p)
		return blk, nil
	}
	e.metrics.BlockReceived("missing")
	return nil, fmt.Errorf("%w: %s no longer has %s", core.ErrNotFound, p.ShortString(), c)
}

// sendCancel tells p to drop queued work for c.
func (e *Engine) sendCancel(p peer.ID, c cid.Cid) {
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.peerTimeout)
		defer cancel()
		s, err := e.cm.OpenStream(ctx, p, ProtocolID)
		if err != nil {
			return
		}
		defer s.Close()
		_ = wire.NewWriter(s).WriteMsg(&wire.ExchangeMessage{
			Wants: []wire.WantEntry{{CID: c.Bytes(), Type: wire.WantHave, Cancel: true}},
		})
		_ = s.CloseWrite()
	}()
}

func cidEquals(b []byte, c cid.Cid) bool {
	return string(b) == c.KeyString()
}
