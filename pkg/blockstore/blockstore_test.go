package blockstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/agenthands/blobnet/internal/testkit"
	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/manifest"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) core.Config {
	cfg := core.DefaultConfig(t.TempDir())
	cfg.Pack.TargetPackBytes = 256 << 10
	return cfg
}

func openStore(t *testing.T, cfg core.Config) *Store {
	t.Helper()
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawBlock(t *testing.T, data []byte) blocks.Block {
	t.Helper()
	blk, err := blocks.NewBlockWithCid(data, cidutil.Identify(data))
	require.NoError(t, err)
	return blk
}

func TestHello(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	blk := rawBlock(t, []byte("hello"))
	assert.Equal(t, "bafkreibm6jg3ux5qumhcn2b3flc3tyu6dmlb4xa7u5bf44yegnrjhc4yeq", blk.Cid().String())

	require.NoError(t, s.Put(ctx, blk))
	got, err := s.Get(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.RawData())
	assert.True(t, got.Cid().Equals(blk.Cid()))
}

func TestRoundTrip(t *testing.T) {
	for _, tr := range []string{"none", "zstd"} {
		tr := tr
		t.Run(tr, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t)
			cfg.Transform.Name = tr
			s := openStore(t, cfg)
			rng := testkit.RNG(1)

			for _, size := range []int{0, 1, 1 << 10, 1 << 20, 2 << 20} {
				data := testkit.RandomBytes(rng, size)
				if size == 1<<20 {
					data = testkit.CompressibleBytes(rng, size)
				}
				blk := rawBlock(t, data)
				require.NoError(t, s.Put(ctx, blk), "size %d", size)

				got, err := s.Get(ctx, blk.Cid())
				require.NoError(t, err, "size %d", size)
				assert.True(t, bytes.Equal(data, got.RawData()), "size %d", size)

				n, err := s.GetSize(ctx, blk.Cid())
				require.NoError(t, err)
				assert.Equal(t, size, n)
			}
			assert.Equal(t, 5, s.Count())
		})
	}
}

func TestPutRejects(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	t.Run("HashMismatch", func(t *testing.T) {
		blk, err := blocks.NewBlockWithCid([]byte("tampered"), cidutil.Identify([]byte("original")))
		require.NoError(t, err)
		assert.ErrorIs(t, s.Put(ctx, blk), core.ErrIntegrity)

		has, err := s.Has(ctx, blk.Cid())
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("TooLarge", func(t *testing.T) {
		blk := rawBlock(t, make([]byte, (2<<20)+1))
		assert.ErrorIs(t, s.Put(ctx, blk), core.ErrInvalidInput)
	})
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	blk := rawBlock(t, []byte("twice"))
	require.NoError(t, s.Put(ctx, blk))
	require.NoError(t, s.Put(ctx, blk))
	assert.Equal(t, 1, s.Count())
}

func TestGetMissing(t *testing.T) {
	s := openStore(t, testConfig(t))
	_, err := s.Get(context.Background(), cidutil.Identify([]byte("nobody stored this")))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInlineBlocks(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	prefix := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: multihash.IDENTITY, MhLength: -1}
	c, err := cidutil.IdentifyWith(prefix, []byte("tiny"))
	require.NoError(t, err)
	blk, err := blocks.NewBlockWithCid([]byte("tiny"), c)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, blk))
	got, err := s.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), got.RawData())
	assert.Equal(t, 0, s.Count())
}

func TestPinAndGC(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	kept := rawBlock(t, []byte("kept"))
	dropped := rawBlock(t, []byte("dropped"))
	require.NoError(t, s.Put(ctx, kept))
	require.NoError(t, s.Put(ctx, dropped))
	require.NoError(t, s.Pin(ctx, kept.Cid(), core.PinDirect))

	removed, err := s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, kept.Cid())
	assert.NoError(t, err)
	_, err = s.Get(ctx, dropped.Cid())
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.Unpin(ctx, kept.Cid()))
	removed, err = s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Count())

	assert.ErrorIs(t, s.Unpin(ctx, kept.Cid()), core.ErrNotFound)
}

func TestPinAbsent(t *testing.T) {
	s := openStore(t, testConfig(t))
	err := s.Pin(context.Background(), cidutil.Identify([]byte("absent")), core.PinDirect)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func storeFile(t *testing.T, s *Store, chunks ...[]byte) (blocks.Block, []blocks.Block) {
	t.Helper()
	ctx := context.Background()
	m := &manifest.FileV1{Version: 1}
	var leaves []blocks.Block
	for _, data := range chunks {
		leaf := rawBlock(t, data)
		leaves = append(leaves, leaf)
		m.Chunks = append(m.Chunks, manifest.ChunkRef{CID: manifest.Link{Cid: leaf.Cid()}, Len: uint32(len(data))})
		m.Length += uint64(len(data))
	}
	root, err := manifest.Block(manifest.NewCodec(core.LimitsConfig{}), m)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, root))
	return root, leaves
}

func TestRecursivePin(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	root, leaves := storeFile(t, s, []byte("part one"), []byte("part two"))

	t.Run("MissingChild", func(t *testing.T) {
		err := s.Pin(ctx, root.Cid(), core.PinRecursive)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	for _, leaf := range leaves {
		require.NoError(t, s.Put(ctx, leaf))
	}
	junk := rawBlock(t, []byte("junk"))
	require.NoError(t, s.Put(ctx, junk))
	require.NoError(t, s.Pin(ctx, root.Cid(), core.PinRecursive))

	removed, err := s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	for _, leaf := range leaves {
		ok, err := s.Has(ctx, leaf.Cid())
		require.NoError(t, err)
		assert.True(t, ok, "leaf of recursive pin removed")
	}

	t.Run("DirectDoesNotDowngrade", func(t *testing.T) {
		require.NoError(t, s.Pin(ctx, root.Cid(), core.PinDirect))
		kind, err := s.IsPinned(ctx, root.Cid())
		require.NoError(t, err)
		assert.Equal(t, core.PinRecursive, kind)
	})

	pins, err := s.Pins(ctx)
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, root.Cid(), pins[0].CID)
}

func TestHoldSurvivesGC(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	blk := rawBlock(t, []byte("in flight"))
	require.NoError(t, s.Put(ctx, blk))
	release := s.Hold(blk.Cid())

	removed, err := s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	release()
	release()
	removed, err = s.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestConcurrentPutDuringGC(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Pack.TargetPackBytes = 4 << 10
	s := openStore(t, cfg)

	var (
		wg   sync.WaitGroup
		stop = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := s.GC(ctx)
			assert.NoError(t, err)
		}
	}()

	var writers sync.WaitGroup
	var mu sync.Mutex
	var pinned []cid.Cid
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for i := 0; i < 50; i++ {
				blk := rawBlock(t, []byte(fmt.Sprintf("writer %d block %d", w, i)))
				// hold until pinned, or a GC between Put and Pin may collect it
				release := s.Hold(blk.Cid())
				if !assert.NoError(t, s.Put(ctx, blk)) {
					release()
					return
				}
				if i%2 == 0 {
					err := s.Pin(ctx, blk.Cid(), core.PinDirect)
					release()
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					pinned = append(pinned, blk.Cid())
					mu.Unlock()
				} else {
					release()
				}
			}
		}(w)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	_, err := s.GC(ctx)
	require.NoError(t, err)
	for _, c := range pinned {
		_, err := s.Get(ctx, c)
		assert.NoError(t, err, "pinned block %s lost", c)
	}
	assert.Equal(t, len(pinned), s.Count())
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	s, err := Open(cfg)
	require.NoError(t, err)
	blk := rawBlock(t, []byte("durable"))
	require.NoError(t, s.Put(ctx, blk))
	require.NoError(t, s.Pin(ctx, blk.Cid(), core.PinRecursive))
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, blk.Cid())
	assert.ErrorIs(t, err, core.ErrClosed)

	s = openStore(t, cfg)
	got, err := s.Get(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got.RawData())
	assert.Equal(t, 1, s.Count())
	kind, err := s.IsPinned(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, core.PinRecursive, kind)
}

func TestAllKeys(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))

	want := map[cid.Cid]bool{}
	for i := 0; i < 20; i++ {
		blk := rawBlock(t, []byte(fmt.Sprintf("key %d", i)))
		require.NoError(t, s.Put(ctx, blk))
		want[blk.Cid()] = true
	}

	keys, err := s.AllKeys(ctx)
	require.NoError(t, err)
	got := map[cid.Cid]bool{}
	for c := range keys {
		got[c] = true
	}
	assert.Equal(t, want, got)
}

func TestBadgerBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Catalog.Backend = "badger"
	s := openStore(t, cfg)

	blk := rawBlock(t, []byte("badger"))
	require.NoError(t, s.Put(ctx, blk))
	got, err := s.Get(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, []byte("badger"), got.RawData())
}
