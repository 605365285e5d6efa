package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/catalog"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/pack"
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

// Result contains statistics from a GC run.
type Result struct {
	Removed     int // blocks deleted from the catalog
	PacksSwept  int
	BlocksMoved int
}

// LinkLoader returns the links of a stored block. It reports core.ErrNotFound
// for blocks that are not stored locally.
type LinkLoader func(ctx context.Context, c cid.Cid) ([]cid.Cid, error)

// LiveSet is the set of CIDs that must survive a sweep.
type LiveSet map[cid.Cid]struct{}

func (s LiveSet) Add(c cid.Cid) { s[c] = struct{}{} }

func (s LiveSet) Has(c cid.Cid) bool {
	_, ok := s[c]
	return ok
}

// Collector implements mark and sweep over the catalog and pack files.
// Callers coordinate it with concurrent writers.
type Collector struct {
	cat   catalog.Catalog
	packs pack.Manager
	links LinkLoader
	log   *zap.Logger
}

func NewCollector(cat catalog.Catalog, packs pack.Manager, links LinkLoader, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{cat: cat, packs: packs, links: links, log: log}
}

// Mark returns every block reachable from the pin set. Direct pins keep only
// the pinned block; recursive pins keep their whole DAG. Blocks of a pinned
// DAG that were never fetched are skipped.
func (c *Collector) Mark(ctx context.Context) (LiveSet, error) {
	live := LiveSet{}
	var recursive []cid.Cid

	err := c.cat.IteratePins(ctx, func(id cid.Cid, kind core.PinKind) error {
		switch kind {
		case core.PinDirect:
			live.Add(id)
		case core.PinRecursive:
			recursive = append(recursive, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pins: %w", err)
	}

	visited := LiveSet{}
	for _, root := range recursive {
		stack := []cid.Cid{root}
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited.Has(id) {
				continue
			}
			visited.Add(id)
			live.Add(id)

			links, err := c.links(ctx, id)
			if errors.Is(err, core.ErrNotFound) {
				c.log.Debug("pinned block not stored locally", zap.Stringer("cid", id))
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load links of %s: %w", id, err)
			}
			stack = append(stack, links...)
		}
	}
	return live, nil
}

// Sweep removes unreachable blocks from every sealed pack with an ID up to
// horizon. Packs without live blocks are deleted; packs with some dead blocks
// have their live blocks copied into the active pack first.
func (c *Collector) Sweep(ctx context.Context, horizon uint64, isLive func(cid.Cid) bool) (Result, error) {
	var res Result

	for _, pid := range c.packs.ListSealedPacks() {
		pid := pid
		if pid > horizon {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var keep, drop []cid.Cid
		stored := map[cid.Cid][]byte{}
		total := 0
		err := c.packs.IteratePackBlocks(ctx, pid, func(id cid.Cid, data []byte) error {
			total++
			owner, ok, err := c.cat.GetPackForCID(ctx, id)
			if err != nil {
				return err
			}
			if !ok || owner != pid {
				// superseded copy; goes away with the pack
				return nil
			}
			if isLive(id) {
				keep = append(keep, id)
				stored[id] = data
			} else {
				drop = append(drop, id)
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("failed to scan pack %d: %w", pid, err)
		}

		if total > 0 && len(keep) == total {
			continue
		}

		moved, err := c.rewrite(ctx, keep, drop, stored)
		if err != nil {
			return res, fmt.Errorf("compaction of pack %d failed: %w", pid, err)
		}
		res.BlocksMoved += moved
		res.Removed += len(drop)

		if err := c.packs.RemovePack(pid); err != nil {
			return res, fmt.Errorf("failed to remove pack %d: %w", pid, err)
		}
		res.PacksSwept++
		c.log.Debug("swept pack",
			zap.Uint64("pack", pid),
			zap.Int("kept", len(keep)),
			zap.Int("dropped", len(drop)),
		)
	}
	return res, nil
}

// rewrite copies kept blocks into the active pack and repoints the catalog in
// one batch, so the old pack can be deleted afterwards.
func (c *Collector) rewrite(ctx context.Context, keep, drop []cid.Cid, stored map[cid.Cid][]byte) (int, error) {
	batch := c.cat.NewBatch()
	defer batch.Close()

	for _, id := range keep {
		newPack, err := c.packs.PutBlock(ctx, id, stored[id])
		if err != nil {
			return 0, err
		}
		if err := c.cat.PutPackForCID(batch, id, newPack); err != nil {
			return 0, err
		}
	}
	for _, id := range drop {
		if err := c.cat.DeleteCID(batch, id); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}
	return len(keep), nil
}

// Runner triggers a collection function periodically.
type Runner struct {
	cfg   core.GCConfig
	run   func(ctx context.Context) (Result, error)
	clock clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewRunner(cfg core.GCConfig, run func(ctx context.Context) (Result, error), clk clock.Clock, log *zap.Logger) *Runner {
	if cfg.RunEvery == 0 {
		cfg.RunEvery = time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, run: run, clock: clk, log: log}
}

func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || !r.cfg.Enabled {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := r.clock.Ticker(r.cfg.RunEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				res, err := r.run(ctx)
				if err != nil {
					r.log.Warn("periodic gc failed", zap.Error(err))
					continue
				}
				r.log.Info("periodic gc finished",
					zap.Int("removed", res.Removed),
					zap.Int("packs_swept", res.PacksSwept),
					zap.Int("blocks_moved", res.BlocksMoved),
				)
			}
		}
	}(r.stopCh, r.done)
}

// Stop halts the periodic loop and waits for an in-flight run to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()
	<-done
}
