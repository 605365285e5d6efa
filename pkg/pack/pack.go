package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agenthands/blobnet/pkg/core"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
	"go.uber.org/multierr"
)

// Manager appends stored block payloads to CARv2 pack files. Exactly one
// pack is active (writable) at a time; all others are sealed and read-only.
type Manager interface {
	PutBlock(ctx context.Context, c cid.Cid, stored []byte) (uint64, error)
	GetBlock(ctx context.Context, packID uint64, c cid.Cid) ([]byte, error)
	CurrentPackID() uint64

	// SealIfFull seals and rotates the active pack once it reaches TargetPackBytes.
	SealIfFull(ctx context.Context) error
	// Seal seals the active pack regardless of size and opens a fresh one.
	// The returned ID is the pack that was sealed.
	Seal(ctx context.Context) (uint64, error)

	ListSealedPacks() []uint64
	IteratePackBlocks(ctx context.Context, packID uint64, fn func(c cid.Cid, stored []byte) error) error
	RemovePack(packID uint64) error

	Close() error
}

type packManager struct {
	cfg core.PackConfig

	mu sync.RWMutex

	currentID uint64
	active    *blockstore.ReadWrite
	written   int // blocks appended to the active pack

	sealed map[uint64]*blockstore.ReadOnly
}

// NewManager opens every pack found in cfg.Dir as sealed and starts a new
// active pack after the highest existing ID.
func NewManager(cfg core.PackConfig) (Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: pack directory not specified", core.ErrConfig)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}

	m := &packManager{
		cfg:    cfg,
		sealed: make(map[uint64]*blockstore.ReadOnly),
	}
	if err := m.discover(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func parsePackName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".car") {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ".car"), 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (m *packManager) discover() error {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return err
	}

	var ids []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := parsePackName(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		bs, err := blockstore.OpenReadOnly(m.packPath(id))
		if err != nil {
			// An unfinalized pack from a crash cannot be reopened for append.
			return fmt.Errorf("%w: failed to open pack %d: %v", core.ErrIntegrity, id, err)
		}
		m.sealed[id] = bs
		m.currentID = id
	}

	m.currentID++
	return m.openActive(m.currentID)
}

func (m *packManager) openActive(id uint64) error {
	bs, err := blockstore.OpenReadWrite(m.packPath(id), []cid.Cid{})
	if err != nil {
		return fmt.Errorf("failed to create active pack %d: %w", id, err)
	}
	m.active = bs
	m.written = 0
	return nil
}

func (m *packManager) packPath(id uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("pack-%016x.car", id))
}

func (m *packManager) CurrentPackID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentID
}

func (m *packManager) PutBlock(ctx context.Context, c cid.Cid, stored []byte) (uint64, error) {
	if !c.Defined() {
		return 0, fmt.Errorf("%w: undefined CID", core.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return 0, core.ErrClosed
	}

	has, err := m.active.Has(ctx, c)
	if err != nil {
		return 0, err
	}
	if has {
		return m.currentID, nil
	}

	blk, err := blocks.NewBlockWithCid(stored, c)
	if err != nil {
		return 0, err
	}
	if err := m.active.Put(ctx, blk); err != nil {
		return 0, err
	}
	m.written++
	return m.currentID, nil
}

func (m *packManager) GetBlock(ctx context.Context, packID uint64, c cid.Cid) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bs interface {
		Get(context.Context, cid.Cid) (blocks.Block, error)
	}
	if packID == m.currentID && m.active != nil {
		bs = m.active
	} else {
		rbs, ok := m.sealed[packID]
		if !ok {
			return nil, fmt.Errorf("%w: pack %d not found", core.ErrNotFound, packID)
		}
		bs = rbs
	}

	blk, err := bs.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}
	return blk.RawData(), nil
}

func (m *packManager) SealIfFull(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, err := os.Stat(m.packPath(m.currentID))
	if err != nil {
		return err
	}
	if uint64(fi.Size()) < m.cfg.TargetPackBytes {
		return nil
	}
	_, err = m.sealLocked()
	return err
}

func (m *packManager) Seal(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealLocked()
}

func (m *packManager) sealLocked() (uint64, error) {
	if m.active == nil {
		return 0, core.ErrClosed
	}
	id := m.currentID
	if err := m.active.Finalize(); err != nil {
		return 0, fmt.Errorf("failed to finalize pack %d: %w", id, err)
	}
	m.active = nil

	bs, err := blockstore.OpenReadOnly(m.packPath(id))
	if err != nil {
		return 0, fmt.Errorf("failed to open sealed pack %d: %w", id, err)
	}
	m.sealed[id] = bs

	m.currentID++
	return id, m.openActive(m.currentID)
}

func (m *packManager) ListSealedPacks() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]uint64, 0, len(m.sealed))
	for id := range m.sealed {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// IteratePackBlocks reads a sealed pack front to back. The CAR index would
// report every CID with the raw codec, so blocks are scanned directly to keep
// their original codecs.
func (m *packManager) IteratePackBlocks(ctx context.Context, packID uint64, fn func(c cid.Cid, stored []byte) error) error {
	m.mu.RLock()
	_, ok := m.sealed[packID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: pack %d is not sealed", core.ErrNotFound, packID)
	}

	f, err := os.Open(m.packPath(packID))
	if err != nil {
		return fmt.Errorf("failed to open pack %d: %w", packID, err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f, carv2.WithTrustedCAR(true))
	if err != nil {
		return fmt.Errorf("failed to read pack %d: %w", packID, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read block from pack %d: %w", packID, err)
		}
		if err := fn(blk.Cid(), blk.RawData()); err != nil {
			return err
		}
	}
}

func (m *packManager) RemovePack(packID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if packID == m.currentID {
		return fmt.Errorf("%w: cannot remove active pack", core.ErrInvalidInput)
	}
	if bs, ok := m.sealed[packID]; ok {
		delete(m.sealed, packID)
		bs.Close()
	}
	return os.Remove(m.packPath(packID))
}

func (m *packManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.active != nil {
		err = multierr.Append(err, m.active.Finalize())
		m.active = nil
		if m.written == 0 {
			// nothing was appended; don't leave an empty pack behind
			_ = os.Remove(m.packPath(m.currentID))
		}
	}
	for id, bs := range m.sealed {
		if cerr := bs.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("pack %d: %w", id, cerr))
		}
		delete(m.sealed, id)
	}
	return err
}
