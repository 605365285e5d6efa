// Package blockstore is the node's local block store: verified blocks keyed
// by CID, persisted in CAR pack files indexed by the catalog, with pinning
// and a garbage collector that runs alongside writers.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/blobnet/pkg/catalog"
	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/codec"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/gc"
	"github.com/agenthands/blobnet/pkg/metrics"
	"github.com/agenthands/blobnet/pkg/pack"
	"github.com/agenthands/blobnet/pkg/transform"
	arc "github.com/hashicorp/golang-lru/arc/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const stripes = 256

// Pin is one entry of the pin set.
type Pin struct {
	CID  cid.Cid      `json:"cid"`
	Kind core.PinKind `json:"kind"`
}

type Option func(*Store)

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithCodecs sets the registry used to follow links for recursive pins.
func WithCodecs(r *codec.Registry) Option {
	return func(s *Store) { s.codecs = r }
}

type Store struct {
	limits  core.LimitsConfig
	cat     catalog.Catalog
	packs   pack.Manager
	tr      transform.Transform
	codecs  *codec.Registry
	cache   *arc.ARCCache[cid.Cid, []byte]
	gc      *gc.Collector
	log     *zap.Logger
	metrics *metrics.Metrics

	// Writers hold gcMu shared; the GC takes it exclusively only to seal the
	// active pack and to sweep.
	gcMu  sync.RWMutex
	gcRun sync.Mutex
	locks [stripes]sync.Mutex

	trackMu sync.Mutex
	touched map[cid.Cid]struct{} // non-nil while a GC is running
	holds   map[cid.Cid]int

	count  atomic.Int64
	closed atomic.Bool
}

// Open opens (or creates) the store under cfg.Dir.
func Open(cfg core.Config, opts ...Option) (*Store, error) {
	if cfg.Pack.Dir == "" {
		cfg.Pack.Dir = filepath.Join(cfg.Dir, "packs")
	}
	if cfg.Catalog.Dir == "" {
		cfg.Catalog.Dir = filepath.Join(cfg.Dir, "catalog")
	}
	if cfg.Pack.TargetPackBytes == 0 {
		cfg.Pack.TargetPackBytes = core.DefaultConfig("").Pack.TargetPackBytes
	}

	tr, err := transform.New(cfg.Transform)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	pm, err := pack.NewManager(cfg.Pack)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("failed to open pack manager: %w", err)
	}

	s := &Store{
		limits: cfg.Limits,
		cat:    cat,
		packs:  pm,
		tr:     tr,
		holds:  make(map[cid.Cid]int),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.codecs == nil {
		s.codecs = codec.DefaultRegistry(cfg.Limits)
	}
	if cfg.Pack.CacheBlocks > 0 {
		s.cache, err = arc.NewARC[cid.Cid, []byte](cfg.Pack.CacheBlocks)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	s.gc = gc.NewCollector(cat, pm, s.links, s.log.Named("gc"))

	n := int64(0)
	err = cat.IterateCIDs(context.Background(), func(cid.Cid, uint64) error {
		n++
		return nil
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to count stored blocks: %w", err)
	}
	s.count.Store(n)

	return s, nil
}

func (s *Store) lockFor(c cid.Cid) *sync.Mutex {
	h := c.Hash()
	return &s.locks[h[len(h)-1]]
}

func isInline(c cid.Cid) bool {
	return c.Prefix().MhType == multihash.IDENTITY
}

func inlineData(c cid.Cid) ([]byte, error) {
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrIntegrity, err)
	}
	return dec.Digest, nil
}

func (s *Store) touch(c cid.Cid) {
	s.trackMu.Lock()
	if s.touched != nil {
		s.touched[c] = struct{}{}
	}
	s.trackMu.Unlock()
}

// Put verifies and stores blk. Storing a block that is already present is a
// no-op.
func (s *Store) Put(ctx context.Context, blk blocks.Block) error {
	if s.closed.Load() {
		return core.ErrClosed
	}
	c, data := blk.Cid(), blk.RawData()
	if s.limits.MaxBlockBytes > 0 && uint64(len(data)) > s.limits.MaxBlockBytes {
		return fmt.Errorf("%w: block of %d bytes exceeds limit %d", core.ErrInvalidInput, len(data), s.limits.MaxBlockBytes)
	}
	if err := cidutil.Check(c, data); err != nil {
		s.metrics.BlockRejected()
		return err
	}
	if isInline(c) {
		return nil
	}

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	mu := s.lockFor(c)
	mu.Lock()
	defer mu.Unlock()

	s.touch(c)

	_, ok, err := s.cat.GetPackForCID(ctx, c)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	stored, err := s.tr.Encode(data)
	if err != nil {
		return err
	}
	packID, err := s.packs.PutBlock(ctx, c, stored)
	if err != nil {
		return err
	}
	if err := s.cat.PutPackForCID(nil, c, packID); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Add(c, data)
	}
	s.count.Add(1)
	s.metrics.BlockStored()

	if err := s.packs.SealIfFull(ctx); err != nil {
		s.log.Warn("failed to rotate pack", zap.Error(err))
	}
	return nil
}

// Get returns the block for c, or core.ErrNotFound.
func (s *Store) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	data, err := s.getRaw(ctx, c)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

func (s *Store) getRaw(ctx context.Context, c cid.Cid) ([]byte, error) {
	if s.closed.Load() {
		return nil, core.ErrClosed
	}
	if !c.Defined() {
		return nil, fmt.Errorf("%w: undefined CID", core.ErrInvalidInput)
	}
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()
	return s.getRawLocked(ctx, c)
}

func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if s.closed.Load() {
		return false, core.ErrClosed
	}
	if isInline(c) {
		return true, nil
	}
	if s.cache != nil && s.cache.Contains(c) {
		return true, nil
	}
	_, ok, err := s.cat.GetPackForCID(ctx, c)
	return ok, err
}

// GetSize returns the payload length of a stored block.
func (s *Store) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	data, err := s.getRaw(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Count is the number of blocks stored locally.
func (s *Store) Count() int {
	return int(s.count.Load())
}

// AllKeys streams every stored CID. The channel closes when iteration ends
// or ctx is cancelled.
func (s *Store) AllKeys(ctx context.Context) (<-chan cid.Cid, error) {
	if s.closed.Load() {
		return nil, core.ErrClosed
	}
	out := make(chan cid.Cid, 64)
	go func() {
		defer close(out)
		err := s.cat.IterateCIDs(ctx, func(c cid.Cid, _ uint64) error {
			select {
			case out <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("key iteration stopped", zap.Error(err))
		}
	}()
	return out, nil
}

// Hold keeps c alive across garbage collection until release is called.
// Holding a CID that is not stored yet protects it once it arrives.
func (s *Store) Hold(c cid.Cid) (release func()) {
	s.trackMu.Lock()
	s.holds[c]++
	s.trackMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.trackMu.Lock()
			defer s.trackMu.Unlock()
			if s.holds[c]--; s.holds[c] <= 0 {
				delete(s.holds, c)
			}
		})
	}
}

// links loads c and returns its children according to the codec registry.
func (s *Store) links(ctx context.Context, c cid.Cid) ([]cid.Cid, error) {
	blk, err := s.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	return s.codecs.Links(blk)
}

// Pin records c in the pin set. Recursive pins require every block reachable
// from c to be stored.
func (s *Store) Pin(ctx context.Context, c cid.Cid, kind core.PinKind) error {
	if kind != core.PinDirect && kind != core.PinRecursive {
		return fmt.Errorf("%w: pin kind %v", core.ErrInvalidInput, kind)
	}

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	ok, err := s.Has(ctx, c)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cannot pin absent block %s", core.ErrNotFound, c)
	}
	s.touch(c)

	if kind == core.PinRecursive {
		if err := s.walk(ctx, c, s.touch); err != nil {
			return err
		}
	}

	current, err := s.cat.GetPin(ctx, c)
	if err != nil {
		return err
	}
	if current == core.PinRecursive && kind == core.PinDirect {
		// a recursive pin already covers the block
		return nil
	}
	return s.cat.PutPin(nil, c, kind)
}

// walk visits every block reachable from root, failing with ErrNotFound if
// any of them is absent. It runs with gcMu held shared.
func (s *Store) walk(ctx context.Context, root cid.Cid, visit func(cid.Cid)) error {
	seen := map[cid.Cid]struct{}{}
	stack := []cid.Cid{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}

		data, err := s.getRawLocked(ctx, c)
		if err != nil {
			return err
		}
		visit(c)
		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return err
		}
		children, err := s.codecs.Links(blk)
		if err != nil {
			return err
		}
		stack = append(stack, children...)
	}
	return nil
}

// getRawLocked is getRaw for callers already holding gcMu.
func (s *Store) getRawLocked(ctx context.Context, c cid.Cid) ([]byte, error) {
	if isInline(c) {
		return inlineData(c)
	}
	if s.cache != nil {
		if data, ok := s.cache.Get(c); ok {
			return data, nil
		}
	}

	packID, ok, err := s.cat.GetPackForCID(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: block %s", core.ErrNotFound, c)
	}
	stored, err := s.packs.GetBlock(ctx, packID, c)
	if err != nil {
		return nil, err
	}
	data, err := s.tr.Decode(stored)
	if err != nil {
		return nil, err
	}
	if err := cidutil.Check(c, data); err != nil {
		s.log.Error("stored block failed verification", zap.Stringer("cid", c), zap.Uint64("pack", packID))
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(c, data)
	}
	return data, nil
}

// Unpin removes c from the pin set.
func (s *Store) Unpin(ctx context.Context, c cid.Cid) error {
	kind, err := s.cat.GetPin(ctx, c)
	if err != nil {
		return err
	}
	if kind == core.PinNone {
		return fmt.Errorf("%w: %s is not pinned", core.ErrNotFound, c)
	}
	return s.cat.DeletePin(nil, c)
}

func (s *Store) IsPinned(ctx context.Context, c cid.Cid) (core.PinKind, error) {
	return s.cat.GetPin(ctx, c)
}

func (s *Store) Pins(ctx context.Context) ([]Pin, error) {
	var pins []Pin
	err := s.cat.IteratePins(ctx, func(c cid.Cid, kind core.PinKind) error {
		pins = append(pins, Pin{CID: c, Kind: kind})
		return nil
	})
	return pins, err
}

// GC removes every block that is not pinned, not reachable from a recursive
// pin, not held, and not written while the collection was running. It
// returns the number of blocks removed.
func (s *Store) GC(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, core.ErrClosed
	}
	s.gcRun.Lock()
	defer s.gcRun.Unlock()
	start := time.Now()

	s.gcMu.Lock()
	horizon, err := s.packs.Seal(ctx)
	if err == nil {
		s.trackMu.Lock()
		s.touched = make(map[cid.Cid]struct{})
		s.trackMu.Unlock()
	}
	s.gcMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to seal active pack: %w", err)
	}
	defer func() {
		s.trackMu.Lock()
		s.touched = nil
		s.trackMu.Unlock()
	}()

	live, err := s.gc.Mark(ctx)
	if err != nil {
		return 0, err
	}

	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	s.trackMu.Lock()
	for c := range s.touched {
		live.Add(c)
	}
	for c := range s.holds {
		live.Add(c)
	}
	s.trackMu.Unlock()

	res, err := s.gc.Sweep(ctx, horizon, live.Has)
	if res.Removed > 0 && s.cache != nil {
		s.cache.Purge()
	}
	s.count.Add(-int64(res.Removed))
	if err != nil {
		return res.Removed, err
	}

	took := time.Since(start)
	s.metrics.GCFinished(res.Removed, took)
	s.log.Info("garbage collection finished",
		zap.Int("removed", res.Removed),
		zap.Int("packs_swept", res.PacksSwept),
		zap.Int("blocks_moved", res.BlocksMoved),
		zap.Duration("took", took),
	)
	return res.Removed, nil
}

// RunGC adapts GC to the periodic runner.
func (s *Store) RunGC(ctx context.Context) (gc.Result, error) {
	n, err := s.GC(ctx)
	return gc.Result{Removed: n}, err
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	return multierr.Combine(s.packs.Close(), s.cat.Close())
}
