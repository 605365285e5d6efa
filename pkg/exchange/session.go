package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/google/uuid"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

const (
	// ewmaWeight is the weight of the newest latency sample.
	ewmaWeight = 0.3
	// sessionFetchers bounds concurrent fetches of one GetBlocks call.
	sessionFetchers = 16
)

type peerStats struct {
	latency  float64 // EWMA, nanoseconds
	served   int
	timeouts int
}

// Session groups related wants. Peers that served blocks quickly are asked
// first by later wants of the same session; peers that time out decay to the
// back of the queue.
type Session struct {
	id  uuid.UUID
	e   *Engine
	ctx context.Context

	mu     sync.Mutex
	ledger map[peer.ID]*peerStats
}

// NewSession starts a session bound to ctx.
func (e *Engine) NewSession(ctx context.Context) *Session {
	return &Session{
		id:     uuid.New(),
		e:      e,
		ctx:    ctx,
		ledger: make(map[peer.ID]*peerStats),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

// GetBlock fetches one block within the session.
func (s *Session) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return s.e.want(ctx, c, s)
}

// GetBlocks fetches cids concurrently and streams the blocks in completion
// order. Blocks that cannot be fetched are logged and skipped. The channel
// closes once every fetch finished or the session context ends.
func (s *Session) GetBlocks(cids []cid.Cid) <-chan blocks.Block {
	out := make(chan blocks.Block)
	go func() {
		defer close(out)
		sem := make(chan struct{}, sessionFetchers)
		var wg sync.WaitGroup
		for _, c := range dedupe(cids) {
			c := c
			select {
			case sem <- struct{}{}:
			case <-s.ctx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				blk, err := s.e.want(s.ctx, c, s)
				if err != nil {
					s.e.log.Debug("session fetch failed",
						zap.Stringer("session", s.id),
						zap.Stringer("cid", c),
						zap.Error(err))
					return
				}
				select {
				case out <- blk:
				case <-s.ctx.Done():
				}
			}()
		}
		wg.Wait()
	}()
	return out
}

func dedupe(cids []cid.Cid) []cid.Cid {
	seen := make(map[cid.Cid]struct{}, len(cids))
	out := make([]cid.Cid, 0, len(cids))
	for _, c := range cids {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (s *Session) statsLocked(p peer.ID) *peerStats {
	st, ok := s.ledger[p]
	if !ok {
		st = &peerStats{latency: float64(s.e.peerTimeout / 2)}
		s.ledger[p] = st
	}
	return st
}

// recordResponse folds a response latency into the EWMA of p.
func (s *Session) recordResponse(p peer.ID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked(p)
	st.latency = ewmaWeight*float64(d) + (1-ewmaWeight)*st.latency
}

func (s *Session) recordServed(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(p).served++
}

// recordTimeout doubles the latency estimate of p.
func (s *Session) recordTimeout(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked(p)
	st.timeouts++
	st.latency = 2*st.latency + ewmaWeight*float64(s.e.peerTimeout)
}

// rank orders peers for asking: peers that served blocks before the others,
// then by ascending latency estimate.
func (s *Session) rank(peers []peer.ID) []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]peer.ID(nil), peers...)
	def := float64(s.e.peerTimeout / 2)
	key := func(p peer.ID) (bool, float64) {
		if st, ok := s.ledger[p]; ok {
			return st.served > 0, st.latency
		}
		return false, def
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, li := key(out[i])
		sj, lj := key(out[j])
		if si != sj {
			return si
		}
		return li < lj
	})
	return out
}

// Latency returns the current latency estimate of p and whether p is known
// to the session.
func (s *Session) Latency(p peer.ID) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.ledger[p]
	if !ok {
		return 0, false
	}
	return time.Duration(st.latency), true
}
