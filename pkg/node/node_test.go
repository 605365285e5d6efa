package node

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/agenthands/blobnet/internal/testkit"
	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/transport"
	"github.com/benbjohnson/clock"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) core.Config {
	cfg := core.DefaultConfig(t.TempDir())
	cfg.Chunking = core.ChunkingConfig{Min: 256, Avg: 1024, Max: 4096}
	cfg.DHT.Mode = core.DHTModeServer
	cfg.DHT.RoundTimeout = 2 * time.Second
	cfg.DHT.LookupTimeout = 10 * time.Second
	cfg.Exchange.WantTimeout = 3 * time.Second
	return cfg
}

func newTestNode(t *testing.T, net *transport.MemNetwork, cfg core.Config, opts ...Option) *Node {
	t.Helper()
	ident, err := peer.GenerateIdentity()
	require.NoError(t, err)
	opts = append([]Option{WithIdentity(ident), WithTransport(net.Listen(ident.ID))}, opts...)
	n, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// newCluster starts n server nodes; every node after the first bootstraps
// through the first.
func newCluster(t *testing.T, size int) []*Node {
	t.Helper()
	net := transport.NewMemNetwork()
	nodes := make([]*Node, size)
	for i := range nodes {
		nodes[i] = newTestNode(t, net, testConfig(t))
	}
	for _, n := range nodes[1:] {
		require.NoError(t, n.Bootstrap(context.Background(), []peer.AddrInfo{nodes[0].AddrInfo()}))
	}
	return nodes
}

func rawBlock(t *testing.T, data []byte) blocks.Block {
	t.Helper()
	blk, err := blocks.NewBlockWithCid(data, cidutil.Identify(data))
	require.NoError(t, err)
	return blk
}

func TestHelloScenario(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	ctx := context.Background()

	blk := rawBlock(t, []byte("hello"))
	require.NoError(t, n.Put(ctx, blk))
	assert.Equal(t, cidutil.Identify([]byte("hello")), blk.Cid())

	got, err := n.Get(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.RawData()))

	_, err = n.Get(ctx, cidutil.Identify(testkit.RandomBytes(testkit.RNG(1), 64)))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPutRejectsMismatch(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	blk, err := blocks.NewBlockWithCid([]byte("forged"), cidutil.Identify([]byte("hello")))
	require.NoError(t, err)
	assert.ErrorIs(t, n.Put(context.Background(), blk), core.ErrIntegrity)
}

func TestThreeNodeProvideFindProviders(t *testing.T) {
	nodes := newCluster(t, 3)
	a, c := nodes[1], nodes[2]
	ctx := context.Background()

	blk := rawBlock(t, []byte("provided by a"))
	require.NoError(t, a.Put(ctx, blk))
	require.NoError(t, a.Provide(ctx, blk.Cid()))

	fctx, cancel := context.WithTimeout(ctx, testConfig(t).DHT.RoundTimeout)
	defer cancel()
	var found []peer.ID
	for ai := range c.FindProviders(fctx, blk.Cid(), 0) {
		found = append(found, ai.ID)
	}
	assert.Contains(t, found, a.ID())

	got, err := c.Get(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, blk.RawData(), got.RawData())
}

func TestProvideRequiresLocalBlock(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	err := n.Provide(context.Background(), cidutil.Identify([]byte("absent")))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAddCat(t *testing.T) {
	nodes := newCluster(t, 3)
	a, c := nodes[1], nodes[2]
	ctx := context.Background()
	data := testkit.RandomBytes(testkit.RNG(7), 40<<10)

	root, err := a.Add(ctx, bytes.NewReader(data), AddOptions{MediaType: "application/octet-stream"})
	require.NoError(t, err)
	assert.Equal(t, cid.DagCBOR, root.Prefix().Codec)

	kind, err := a.Store().IsPinned(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, core.PinRecursive, kind)

	for name, n := range map[string]*Node{"local": a, "remote": c} {
		n := n
		t.Run(name, func(t *testing.T) {
			rc, err := n.Cat(ctx, root)
			require.NoError(t, err)
			defer rc.Close()
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestAddEmpty(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	ctx := context.Background()
	root, err := n.Add(ctx, bytes.NewReader(nil), AddOptions{NoProvide: true})
	require.NoError(t, err)

	rc, err := n.Cat(ctx, root)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAddCancelled(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())

	br := testkit.NewBlockingReader(bytes.NewReader(testkit.RandomBytes(testkit.RNG(5), 8192)))
	errc := make(chan error, 1)
	go func() {
		_, err := n.Add(ctx, br, AddOptions{NoProvide: true})
		errc <- err
	}()

	<-br.BlockCh
	cancel()
	close(br.ResumeCh)
	assert.ErrorIs(t, <-errc, context.Canceled)

	pins, err := n.Pins(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pins)
}

func TestAddReaderError(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	r := testkit.NewErrorReader(bytes.NewReader(testkit.RandomBytes(testkit.RNG(6), 8192)), 2048, testkit.ErrInjectedFault)
	_, err := n.Add(context.Background(), r, AddOptions{NoProvide: true})
	assert.ErrorIs(t, err, testkit.ErrInjectedFault)
}

func TestCatRaw(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	ctx := context.Background()
	blk := rawBlock(t, []byte("just bytes"))
	require.NoError(t, n.Put(ctx, blk))

	rc, err := n.Cat(ctx, blk.Cid())
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "just bytes", string(got))
}

func TestRecursivePinFetchesDAG(t *testing.T) {
	nodes := newCluster(t, 3)
	a, c := nodes[1], nodes[2]
	ctx := context.Background()
	data := testkit.RandomBytes(testkit.RNG(3), 20<<10)

	root, err := a.Add(ctx, bytes.NewReader(data), AddOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Pin(ctx, root, core.PinRecursive))

	before := c.Store().Count()
	assert.Greater(t, before, 1, "root and chunks are stored")
	removed, err := c.GC(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "pinned DAG survives gc")

	require.NoError(t, c.Unpin(ctx, root))
	removed, err = c.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, removed)
	assert.Zero(t, c.Store().Count())
}

func TestPinRejectsUnknownKind(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	err := n.Pin(context.Background(), cidutil.Identify([]byte("x")), core.PinNone)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestStatus(t *testing.T) {
	net := transport.NewMemNetwork()
	clk := clock.NewMock()
	a := newTestNode(t, net, testConfig(t), WithClock(clk))
	b := newTestNode(t, net, testConfig(t))
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, rawBlock(t, []byte("one"))))
	require.NoError(t, a.Put(ctx, rawBlock(t, []byte("two"))))
	require.NoError(t, a.Bootstrap(ctx, []peer.AddrInfo{b.AddrInfo()}))
	clk.Add(90 * time.Second)

	st := a.Status()
	assert.Equal(t, 1, st.PeerCount)
	assert.Equal(t, 2, st.StoredBlocks)
	assert.Equal(t, 90*time.Second, st.Uptime)
}

func TestReprovide(t *testing.T) {
	nodes := newCluster(t, 2)
	a := nodes[1]
	ctx := context.Background()

	_, err := a.Add(ctx, bytes.NewReader([]byte("pinned file")), AddOptions{NoProvide: true})
	require.NoError(t, err)
	blk := rawBlock(t, []byte("provided block"))
	require.NoError(t, a.Put(ctx, blk))
	require.NoError(t, a.Provide(ctx, blk.Cid()))

	count, err := a.Reprovide(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = a.GC(ctx)
	require.NoError(t, err)
	count, err = a.Reprovide(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "collected blocks are no longer announced")
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.DHT.Mode = "relay"
	_, err := New(cfg)
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestStartAfterClose(t *testing.T) {
	n := newTestNode(t, transport.NewMemNetwork(), testConfig(t))
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Start(context.Background()), core.ErrClosed)
	assert.NoError(t, n.Close())
}
