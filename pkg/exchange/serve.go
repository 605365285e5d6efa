package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/transport"
	"github.com/agenthands/blobnet/pkg/wire"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

// serveQueueSize bounds queued serve tasks across all peers.
const serveQueueSize = 1024

type serveKey struct {
	from peer.ID
	c    cid.Cid
}

// serveTask is one want entry from a remote peer waiting for a worker.
type serveTask struct {
	key       serveKey
	typ       wire.WantType
	cancelled atomic.Bool
	result    chan serveResult
}

type serveResult struct {
	presence *wire.Presence
	block    *wire.Block
}

type serveQueue struct {
	tasks chan *serveTask
	quit  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	pending map[serveKey][]*serveTask
}

func newServeQueue() *serveQueue {
	return &serveQueue{
		tasks:   make(chan *serveTask, serveQueueSize),
		quit:    make(chan struct{}),
		pending: make(map[serveKey][]*serveTask),
	}
}

func (q *serveQueue) push(ctx context.Context, t *serveTask) error {
	select {
	case <-q.quit:
		return core.ErrClosed
	default:
	}
	q.mu.Lock()
	q.pending[t.key] = append(q.pending[t.key], t)
	q.mu.Unlock()

	select {
	case q.tasks <- t:
		return nil
	case <-q.quit:
		q.done(t)
		return core.ErrClosed
	case <-ctx.Done():
		q.done(t)
		return ctx.Err()
	}
}

// done forgets t once a worker picked it up or it was abandoned.
func (q *serveQueue) done(t *serveTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[t.key]
	for i, x := range list {
		if x == t {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(q.pending, t.key)
	} else {
		q.pending[t.key] = list
	}
}

// cancel drops every queued task for key and returns how many were dropped.
func (q *serveQueue) cancel(key serveKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[key]
	for _, t := range list {
		t.cancelled.Store(true)
	}
	delete(q.pending, key)
	return len(list)
}

func (q *serveQueue) close() {
	q.once.Do(func() { close(q.quit) })
}

func (e *Engine) serveWorker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.serve.quit:
			return
		case t := <-e.serve.tasks:
			e.serve.done(t)
			if t.cancelled.Load() {
				t.result <- serveResult{}
				continue
			}
			t.result <- e.serveOne(t)
		}
	}
}

func (e *Engine) serveOne(t *serveTask) serveResult {
	c := t.key.c
	dontHave := serveResult{presence: &wire.Presence{CID: c.Bytes(), Type: wire.DontHave}}

	switch t.typ {
	case wire.WantHave:
		ok, err := e.bs.Has(e.ctx, c)
		if err != nil || !ok {
			return dontHave
		}
		return serveResult{presence: &wire.Presence{CID: c.Bytes(), Type: wire.Have}}
	case wire.WantBlock:
		blk, err := e.bs.Get(e.ctx, c)
		if err != nil {
			if !errors.Is(err, core.ErrNotFound) {
				e.log.Warn("serve block", zap.Stringer("cid", c), zap.Error(err))
			}
			return dontHave
		}
		e.metrics.BlockServed()
		return serveResult{block: &wire.Block{CID: c.Bytes(), Data: blk.RawData()}}
	default:
		return serveResult{}
	}
}

// handleStream answers one exchange request: cancels are applied at once,
// wants are queued for the serve workers and the collected presences and
// blocks are written back.
func (e *Engine) handleStream(ctx context.Context, from peer.ID, s transport.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(e.peerTimeout))

	var req wire.ExchangeMessage
	if err := wire.NewReader(s, e.cm.MaxMessageSize()).ReadMsg(&req); err != nil {
		e.log.Debug("bad exchange request", zap.String("peer", from.ShortString()), zap.Error(err))
		s.Reset()
		return
	}

	var tasks []*serveTask
	for _, w := range req.Wants {
		c, err := cid.Cast(w.CID)
		if err != nil {
			continue
		}
		key := serveKey{from: from, c: c}
		if w.Cancel {
			e.serve.cancel(key)
			continue
		}
		if w.Type != wire.WantHave && w.Type != wire.WantBlock {
			continue
		}
		t := &serveTask{key: key, typ: w.Type, result: make(chan serveResult, 1)}
		if err := e.serve.push(ctx, t); err != nil {
			break
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return
	}

	var resp wire.ExchangeMessage
	for _, t := range tasks {
		select {
		case r := <-t.result:
			if r.presence != nil {
				resp.Presences = append(resp.Presences, *r.presence)
			}
			if r.block != nil {
				resp.Blocks = append(resp.Blocks, *r.block)
			}
		case <-ctx.Done():
			s.Reset()
			return
		case <-e.serve.quit:
			s.Reset()
			return
		}
	}
	if err := wire.NewWriter(s).WriteMsg(&resp); err != nil {
		e.log.Debug("exchange reply failed", zap.String("peer", from.ShortString()), zap.Error(err))
		s.Reset()
	}
}
