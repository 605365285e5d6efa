package dht

import (
	"context"
	"testing"
	"time"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/wire"
	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRecord(t *testing.T) {
	ident, err := peer.GenerateIdentity()
	require.NoError(t, err)
	key := []byte("/k")

	rec := NewRecord(ident, key, []byte("value"), 42)
	require.NoError(t, VerifyRecord(key, rec))

	t.Run("WrongKey", func(t *testing.T) {
		assert.ErrorIs(t, VerifyRecord([]byte("/other"), rec), core.ErrIntegrity)
	})
	t.Run("TamperedValue", func(t *testing.T) {
		bad := *rec
		bad.Value = []byte("forged")
		assert.ErrorIs(t, VerifyRecord(key, &bad), core.ErrIntegrity)
	})
	t.Run("TamperedTimestamp", func(t *testing.T) {
		bad := *rec
		bad.Timestamp++
		assert.ErrorIs(t, VerifyRecord(key, &bad), core.ErrIntegrity)
	})
	t.Run("ForeignPublisher", func(t *testing.T) {
		other, err := peer.GenerateIdentity()
		require.NoError(t, err)
		bad := *rec
		bad.Publisher = []byte(other.ID)
		assert.ErrorIs(t, VerifyRecord(key, &bad), core.ErrIntegrity)
	})
	t.Run("Nil", func(t *testing.T) {
		assert.ErrorIs(t, VerifyRecord(key, nil), core.ErrInvalidInput)
	})
}

func TestBetter(t *testing.T) {
	older := &wire.ValueRecord{Timestamp: 1, Value: []byte("zzz")}
	newer := &wire.ValueRecord{Timestamp: 2, Value: []byte("aaa")}
	assert.True(t, Better(newer, older), "latest timestamp wins")
	assert.False(t, Better(older, newer))

	small := &wire.ValueRecord{Timestamp: 5, Value: []byte("a")}
	large := &wire.ValueRecord{Timestamp: 5, Value: []byte("b")}
	assert.True(t, Better(large, small), "ties go to the larger value")
	assert.False(t, Better(small, large))
	assert.False(t, Better(small, small))

	assert.True(t, Better(small, nil))
	assert.False(t, Better(nil, small))
}

func TestValueStoreKeepsBest(t *testing.T) {
	ident, err := peer.GenerateIdentity()
	require.NoError(t, err)
	vs := &valueStore{store: dssync.MutexWrap(ds.NewMapDatastore())}
	ctx := context.Background()
	key := []byte("/k")

	_, err = vs.get(ctx, key)
	assert.ErrorIs(t, err, core.ErrNotFound)

	changed, err := vs.put(ctx, NewRecord(ident, key, []byte("v2"), 20))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = vs.put(ctx, NewRecord(ident, key, []byte("v1"), 10))
	require.NoError(t, err)
	assert.False(t, changed, "older record ignored")

	bad := NewRecord(ident, key, []byte("v3"), 30)
	bad.Signature[0] ^= 0xff
	_, err = vs.put(ctx, bad)
	assert.ErrorIs(t, err, core.ErrIntegrity)

	got, err := vs.get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got.Value))
}

func TestProviderStoreExpiry(t *testing.T) {
	clk := clock.NewMock()
	ps := NewProviderStore(dssync.MutexWrap(ds.NewMapDatastore()), time.Hour, clk)
	ctx := context.Background()

	a, err := peer.GenerateIdentity()
	require.NoError(t, err)
	b, err := peer.GenerateIdentity()
	require.NoError(t, err)
	addr := ma.StringCast("/ip4/10.0.0.1/udp/4011/quic-v1")
	key := []byte("some key")

	require.NoError(t, ps.AddProvider(ctx, key, peer.AddrInfo{ID: a.ID, Addrs: []ma.Multiaddr{addr}}))
	clk.Add(30 * time.Minute)
	require.NoError(t, ps.AddProvider(ctx, key, peer.AddrInfo{ID: b.ID}))
	require.NoError(t, ps.AddProvider(ctx, []byte("other key"), peer.AddrInfo{ID: b.ID}))

	provs, err := ps.GetProviders(ctx, key)
	require.NoError(t, err)
	require.Len(t, provs, 2)

	clk.Add(31 * time.Minute)
	provs, err = ps.GetProviders(ctx, key)
	require.NoError(t, err)
	require.Len(t, provs, 1, "expired records are dropped on read")
	assert.Equal(t, b.ID, provs[0].ID)

	removed, remaining, err := ps.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "the read already purged the expired record")
	assert.Equal(t, 2, remaining)

	clk.Add(time.Hour)
	removed, remaining, err = ps.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Zero(t, remaining)
}

func TestProviderStoreRefresh(t *testing.T) {
	clk := clock.NewMock()
	ps := NewProviderStore(dssync.MutexWrap(ds.NewMapDatastore()), time.Hour, clk)
	ctx := context.Background()
	a, err := peer.GenerateIdentity()
	require.NoError(t, err)
	key := []byte("k")

	require.NoError(t, ps.AddProvider(ctx, key, peer.AddrInfo{ID: a.ID}))
	clk.Add(50 * time.Minute)
	require.NoError(t, ps.AddProvider(ctx, key, peer.AddrInfo{ID: a.ID}))
	clk.Add(50 * time.Minute)

	provs, err := ps.GetProviders(ctx, key)
	require.NoError(t, err)
	assert.Len(t, provs, 1, "re-announcing extends the expiry")
}
