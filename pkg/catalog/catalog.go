package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/cockroachdb/pebble"
	"github.com/ipfs/go-cid"
)

var (
	PrefixC2P  = []byte("c2p:")
	PrefixPins = []byte("pin:")
)

// Batch groups writes that become visible atomically on Commit.
type Batch interface {
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit() error
	Close() error
}

// Catalog is the block index: which pack holds a CID, and which CIDs are pinned.
type Catalog interface {
	GetPackForCID(ctx context.Context, c cid.Cid) (uint64, bool, error)
	PutPackForCID(batch Batch, c cid.Cid, packID uint64) error
	DeleteCID(batch Batch, c cid.Cid) error
	IterateCIDs(ctx context.Context, fn func(c cid.Cid, packID uint64) error) error

	GetPin(ctx context.Context, c cid.Cid) (core.PinKind, error)
	PutPin(batch Batch, c cid.Cid, kind core.PinKind) error
	DeletePin(batch Batch, c cid.Cid) error
	IteratePins(ctx context.Context, fn func(c cid.Cid, kind core.PinKind) error) error

	NewBatch() Batch
	Close() error
}

// kv is the minimal surface each engine provides; the Catalog methods are
// shared on top of it.
type kv interface {
	get(key []byte) ([]byte, bool, error)
	set(key, val []byte) error
	del(key []byte) error
	iterate(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error
	newBatch() Batch
	close() error
}

type catalog struct {
	kv kv
}

// Open opens the catalog engine selected by cfg.Backend in cfg.Dir.
func Open(cfg core.CatalogConfig) (Catalog, error) {
	var (
		engine kv
		err    error
	)
	switch cfg.Backend {
	case "", "pebble":
		engine, err = openPebble(cfg.Dir)
	case "badger":
		engine, err = openBadger(cfg.Dir)
	default:
		return nil, fmt.Errorf("%w: unknown catalog backend %q", core.ErrConfig, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &catalog{kv: engine}, nil
}

func (c *catalog) Close() error {
	return c.kv.close()
}

func (c *catalog) NewBatch() Batch {
	return c.kv.newBatch()
}

func (c *catalog) write(batch Batch, key, val []byte) error {
	if batch != nil {
		return batch.Set(key, val)
	}
	return c.kv.set(key, val)
}

func (c *catalog) remove(batch Batch, key []byte) error {
	if batch != nil {
		return batch.Delete(key)
	}
	return c.kv.del(key)
}

func (c *catalog) GetPackForCID(ctx context.Context, id cid.Cid) (uint64, bool, error) {
	val, ok, err := c.kv.get(prefixed(PrefixC2P, id.Bytes()))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(val) != 8 {
		return 0, false, fmt.Errorf("%w: invalid pack ID length", core.ErrIntegrity)
	}
	return binary.BigEndian.Uint64(val), true, nil
}

func (c *catalog) PutPackForCID(batch Batch, id cid.Cid, packID uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, packID)
	return c.write(batch, prefixed(PrefixC2P, id.Bytes()), val)
}

func (c *catalog) DeleteCID(batch Batch, id cid.Cid) error {
	return c.remove(batch, prefixed(PrefixC2P, id.Bytes()))
}

func (c *catalog) IterateCIDs(ctx context.Context, fn func(c cid.Cid, packID uint64) error) error {
	return c.kv.iterate(ctx, PrefixC2P, func(key, val []byte) error {
		id, err := cid.Cast(key[len(PrefixC2P):])
		if err != nil || len(val) != 8 {
			return nil // skip foreign or damaged entries
		}
		return fn(id, binary.BigEndian.Uint64(val))
	})
}

func (c *catalog) GetPin(ctx context.Context, id cid.Cid) (core.PinKind, error) {
	val, ok, err := c.kv.get(prefixed(PrefixPins, id.Bytes()))
	if err != nil || !ok {
		return core.PinNone, err
	}
	if len(val) != 1 {
		return core.PinNone, fmt.Errorf("%w: invalid pin record", core.ErrIntegrity)
	}
	return core.PinKind(val[0]), nil
}

func (c *catalog) PutPin(batch Batch, id cid.Cid, kind core.PinKind) error {
	if kind == core.PinNone {
		return c.DeletePin(batch, id)
	}
	return c.write(batch, prefixed(PrefixPins, id.Bytes()), []byte{byte(kind)})
}

func (c *catalog) DeletePin(batch Batch, id cid.Cid) error {
	return c.remove(batch, prefixed(PrefixPins, id.Bytes()))
}

func (c *catalog) IteratePins(ctx context.Context, fn func(c cid.Cid, kind core.PinKind) error) error {
	return c.kv.iterate(ctx, PrefixPins, func(key, val []byte) error {
		id, err := cid.Cast(key[len(PrefixPins):])
		if err != nil || len(val) != 1 {
			return nil
		}
		return fn(id, core.PinKind(val[0]))
	})
}

func prefixed(prefix, b []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(b))
	key = append(key, prefix...)
	return append(key, b...)
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}

type pebbleKV struct {
	db *pebble.DB
}

func openPebble(dir string) (kv, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleKV{db: db}, nil
}

func (p *pebbleKV) get(key []byte) ([]byte, bool, error) {
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (p *pebbleKV) set(key, val []byte) error {
	return p.db.Set(key, val, pebble.Sync)
}

func (p *pebbleKV) del(key []byte) error {
	return p.db.Delete(key, pebble.Sync)
}

func (p *pebbleKV) iterate(ctx context.Context, prefix []byte, fn func(key, val []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := append([]byte(nil), iter.Key()...)
		val := append([]byte(nil), iter.Value()...)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *pebbleKV) newBatch() Batch {
	return &pebbleBatch{b: p.db.NewBatch()}
}

func (p *pebbleKV) close() error {
	return p.db.Close()
}

type pebbleBatch struct {
	b *pebble.Batch
}

func (b *pebbleBatch) Set(key, val []byte) error { return b.b.Set(key, val, nil) }
func (b *pebbleBatch) Delete(key []byte) error   { return b.b.Delete(key, nil) }
func (b *pebbleBatch) Commit() error             { return b.b.Commit(pebble.Sync) }
func (b *pebbleBatch) Close() error              { return b.b.Close() }
