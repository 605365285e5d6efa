package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/kbucket"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LookupState is the phase of an iterative lookup.
type LookupState int

const (
	StateInit LookupState = iota
	StateQuerying
	StateConverged
	StateTimedOut
)

func (s LookupState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateQuerying:
		return "querying"
	case StateConverged:
		return "converged"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// stableRounds is the number of consecutive rounds without a closer peer
// after which a lookup has converged.
const stableRounds = 2

type candidateState int

const (
	candidateNew candidateState = iota
	candidateQueried
	candidateFailed
)

type candidate struct {
	info  peer.AddrInfo
	state candidateState
}

// LookupResult is the outcome of an iterative lookup.
type LookupResult struct {
	State   LookupState
	Rounds  int
	Closest []peer.AddrInfo // queried peers that answered, closest first
}

// responseFunc inspects one response. Returning true stops the lookup as
// converged.
type responseFunc func(from peer.ID, resp *wire.DHTMessage) bool

// lookup owns its shortlist for one iterative query.
type lookup struct {
	d      *DHT
	target kbucket.Key
	req    wire.DHTMessage
	onResp responseFunc

	mu        sync.Mutex
	state     LookupState
	shortlist []*candidate // sorted by distance, at most k live entries
	seen      map[peer.ID]*candidate
	stopped   bool
}

func (d *DHT) newLookup(target kbucket.Key, req wire.DHTMessage, onResp responseFunc) *lookup {
	return &lookup{
		d:      d,
		target: target,
		req:    req,
		onResp: onResp,
		state:  StateInit,
		seen:   make(map[peer.ID]*candidate),
	}
}

// add merges peers into the shortlist and reports whether the closest live
// entry changed.
func (l *lookup) add(peers []peer.AddrInfo) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.closestLocked()
	for _, ai := range peers {
		if ai.ID == l.d.self || ai.ID.Validate() != nil {
			continue
		}
		if _, ok := l.seen[ai.ID]; ok {
			continue
		}
		if !l.d.cm.IsReachable(ai.ID) {
			continue
		}
		c := &candidate{info: ai}
		l.seen[ai.ID] = c
		l.shortlist = append(l.shortlist, c)
	}
	sort.SliceStable(l.shortlist, func(i, j int) bool {
		return kbucket.Closer(l.shortlist[i].info.ID, l.shortlist[j].info.ID, l.target)
	})
	l.trimLocked()
	after := l.closestLocked()
	return after != "" && after != before
}

// trimLocked drops failed candidates and bounds the shortlist to k.
func (l *lookup) trimLocked() {
	kept := l.shortlist[:0]
	for _, c := range l.shortlist {
		if c.state != candidateFailed {
			kept = append(kept, c)
		}
	}
	if len(kept) > l.d.cfg.K {
		kept = kept[:l.d.cfg.K]
	}
	l.shortlist = kept
}

func (l *lookup) closestLocked() peer.ID {
	if len(l.shortlist) == 0 {
		return ""
	}
	return l.shortlist[0].info.ID
}

// nextBatch claims up to alpha unqueried candidates, closest first.
func (l *lookup) nextBatch() []*candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	var batch []*candidate
	for _, c := range l.shortlist {
		if c.state == candidateNew {
			c.state = candidateQueried
			batch = append(batch, c)
			if len(batch) == l.d.cfg.Alpha {
				break
			}
		}
	}
	return batch
}

func (l *lookup) results() []peer.AddrInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []peer.AddrInfo
	for _, c := range l.shortlist {
		if c.state == candidateQueried {
			out = append(out, c.info)
		}
	}
	return out
}

func (l *lookup) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

func (l *lookup) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// run drives INIT -> QUERYING -> CONVERGED or TIMED_OUT. A timed out lookup
// returns its partial result together with ErrTimeout.
func (l *lookup) run(ctx context.Context) (LookupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.d.cfg.LookupTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	expired := func() bool { return ctx.Err() != nil || !time.Now().Before(deadline) }

	l.add(l.d.rt.ClosestPeers(l.target, l.d.cfg.K))
	l.state = StateQuerying

	var res LookupResult
	quiet := 0
	for !expired() {
		batch := l.nextBatch()
		if len(batch) == 0 {
			l.state = StateConverged
			break
		}
		res.Rounds++
		if l.round(ctx, batch) {
			quiet = 0
		} else {
			quiet++
		}
		if expired() {
			break
		}
		if l.isStopped() || quiet >= stableRounds {
			l.state = StateConverged
			break
		}
	}

	res.Closest = l.results()
	if l.state != StateConverged {
		l.state = StateTimedOut
	}
	res.State = l.state
	l.d.metrics.LookupFinished(res.State.String(), res.Rounds)
	l.d.log.Debug("lookup finished",
		zap.String("target", l.target.String()),
		zap.Stringer("type", l.req.Type),
		zap.Stringer("state", res.State),
		zap.Int("rounds", res.Rounds),
		zap.Int("closest", len(res.Closest)))

	if res.State == StateTimedOut {
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return res, err
		}
		return res, fmt.Errorf("%w: lookup after %d rounds", core.ErrTimeout, res.Rounds)
	}
	return res, nil
}

// round queries batch in parallel under the per-round timeout and reports
// whether a closer peer was found.
func (l *lookup) round(ctx context.Context, batch []*candidate) bool {
	rctx, cancel := context.WithTimeout(ctx, l.d.cfg.RoundTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		closer bool
	)
	g, gctx := errgroup.WithContext(rctx)
	for _, c := range batch {
		c := c
		g.Go(func() error {
			req := l.req
			resp, err := l.d.request(gctx, c.info, &req)
			if err != nil {
				l.mu.Lock()
				c.state = candidateFailed
				l.mu.Unlock()
				return nil
			}
			if l.onResp != nil && l.onResp(c.info.ID, resp) {
				l.stop()
			}
			found := l.add(peerInfos(resp.CloserPeers))
			mu.Lock()
			closer = closer || found
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	l.mu.Lock()
	l.trimLocked()
	l.mu.Unlock()
	return closer
}

func peerInfos(in []wire.PeerInfo) []peer.AddrInfo {
	out := make([]peer.AddrInfo, 0, len(in))
	for _, pi := range in {
		ai, err := pi.AddrInfo()
		if err != nil {
			continue
		}
		out = append(out, ai)
	}
	return out
}
