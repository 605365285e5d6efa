package dht

import (
	"context"
	"encoding/base32"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
)

const providersPrefix = "/providers"

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

type providerEntry struct {
	Addrs   [][]byte `cbor:"1,keyasint,omitempty"`
	Expires int64    `cbor:"2,keyasint"` // unix nanoseconds
}

// ProviderStore keeps provider records in a datastore under
// /providers/<base32 key>/<peer id>. Expired entries are dropped when read
// and by Sweep.
type ProviderStore struct {
	store ds.Batching
	ttl   time.Duration
	clk   clock.Clock
	mu    sync.Mutex
}

func NewProviderStore(store ds.Batching, ttl time.Duration, clk clock.Clock) *ProviderStore {
	return &ProviderStore{store: store, ttl: ttl, clk: clk}
}

func providerPrefix(key []byte) ds.Key {
	return ds.NewKey(providersPrefix).ChildString(keyEncoding.EncodeToString(key))
}

// AddProvider records ai as a provider of key, refreshing its expiry.
func (ps *ProviderStore) AddProvider(ctx context.Context, key []byte, ai peer.AddrInfo) error {
	e := providerEntry{Expires: ps.clk.Now().Add(ps.ttl).UnixNano()}
	for _, a := range ai.Addrs {
		e.Addrs = append(e.Addrs, a.Bytes())
	}
	val, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.store.Put(ctx, providerPrefix(key).ChildString(ai.ID.String()), val)
}

// GetProviders returns the unexpired providers of key.
func (ps *ProviderStore) GetProviders(ctx context.Context, key []byte) ([]peer.AddrInfo, error) {
	prefix := providerPrefix(key)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	res, err := ps.store.Query(ctx, query.Query{Prefix: prefix.String()})
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}

	now := ps.clk.Now().UnixNano()
	var out []peer.AddrInfo
	var expired []ds.Key
	for _, ent := range entries {
		k := ds.RawKey(ent.Key)
		var e providerEntry
		if err := cbor.Unmarshal(ent.Value, &e); err != nil || e.Expires <= now {
			expired = append(expired, k)
			continue
		}
		id, err := peer.Decode(k.BaseNamespace())
		if err != nil {
			expired = append(expired, k)
			continue
		}
		ai := peer.AddrInfo{ID: id}
		for _, b := range e.Addrs {
			if a, err := ma.NewMultiaddrBytes(b); err == nil {
				ai.Addrs = append(ai.Addrs, a)
			}
		}
		out = append(out, ai)
	}
	if err := ps.deleteLocked(ctx, expired); err != nil {
		return out, err
	}
	return out, nil
}

// Sweep removes every expired record and returns how many were removed and
// how many remain.
func (ps *ProviderStore) Sweep(ctx context.Context) (removed, remaining int, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	res, err := ps.store.Query(ctx, query.Query{Prefix: providersPrefix})
	if err != nil {
		return 0, 0, err
	}
	entries, err := res.Rest()
	if err != nil {
		return 0, 0, err
	}
	now := ps.clk.Now().UnixNano()
	var expired []ds.Key
	for _, ent := range entries {
		var e providerEntry
		if err := cbor.Unmarshal(ent.Value, &e); err != nil || e.Expires <= now {
			expired = append(expired, ds.RawKey(ent.Key))
		}
	}
	if err := ps.deleteLocked(ctx, expired); err != nil {
		return 0, len(entries), err
	}
	return len(expired), len(entries) - len(expired), nil
}

func (ps *ProviderStore) deleteLocked(ctx context.Context, keys []ds.Key) error {
	if len(keys) == 0 {
		return nil
	}
	b, err := ps.store.Batch(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, b.Delete(ctx, k))
	}
	if errs != nil {
		return errs
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("commit provider sweep: %w", err)
	}
	return nil
}
