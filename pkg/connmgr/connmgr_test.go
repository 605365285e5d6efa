package connmgr

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/transport"
	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoProto ProtocolID = "/test/echo/1"

func newManager(t *testing.T, network *transport.MemNetwork, cfg core.ConnConfig, opts ...Option) *Manager {
	t.Helper()
	ident, err := peer.GenerateIdentity()
	require.NoError(t, err)
	m := New(ident.ID, network.Listen(ident.ID), cfg, opts...)
	m.Start()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func addrInfo(m *Manager) peer.AddrInfo {
	return peer.AddrInfo{ID: m.LocalPeer(), Addrs: m.ListenAddrs()}
}

func echo(_ context.Context, _ peer.ID, s transport.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		s.Reset()
		return
	}
	_, _ = s.Write(data)
}

func TestOpenStream(t *testing.T) {
	network := transport.NewMemNetwork()
	a := newManager(t, network, core.ConnConfig{})
	b := newManager(t, network, core.ConnConfig{})
	b.SetHandler(echoProto, echo)

	ctx := context.Background()
	_, err := a.Connect(ctx, addrInfo(b))
	require.NoError(t, err)

	s, err := a.OpenStream(ctx, b.LocalPeer(), echoProto)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Refs(b.LocalPeer()))

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, a.Refs(b.LocalPeer()))
	assert.Eventually(t, func() bool { return b.Connected(a.LocalPeer()) }, time.Second, 5*time.Millisecond)
}

func TestUnknownProtocolResets(t *testing.T) {
	network := transport.NewMemNetwork()
	a := newManager(t, network, core.ConnConfig{})
	b := newManager(t, network, core.ConnConfig{})

	ctx := context.Background()
	_, err := a.Connect(ctx, addrInfo(b))
	require.NoError(t, err)
	s, err := a.OpenStream(ctx, b.LocalPeer(), "/nobody/home")
	require.NoError(t, err)
	defer s.Close()

	_, err = io.ReadAll(s)
	assert.ErrorIs(t, err, core.ErrConnection)
}

func TestConnectDeduplicatesDials(t *testing.T) {
	network := transport.NewMemNetwork()
	a := newManager(t, network, core.ConnConfig{})
	b := newManager(t, network, core.ConnConfig{})

	var wg sync.WaitGroup
	conns := make([]*Conn, 10)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := a.Connect(context.Background(), addrInfo(b))
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, network.DialCount(b.LocalPeer()))
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
	assert.Equal(t, 1, a.PeerCount())
	assert.ElementsMatch(t, []peer.ID{b.LocalPeer()}, a.Peers())
}

func TestConnectRejectsSelfAndUnknown(t *testing.T) {
	network := transport.NewMemNetwork()
	a := newManager(t, network, core.ConnConfig{})

	_, err := a.Connect(context.Background(), addrInfo(a))
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	other, err := peer.GenerateIdentity()
	require.NoError(t, err)
	_, err = a.Connect(context.Background(), peer.AddrInfo{ID: other.ID})
	assert.ErrorIs(t, err, core.ErrConnection)
	assert.Equal(t, 0, network.DialCount(other.ID), "no addresses means no dial")
}

func TestBackoffThenCooldown(t *testing.T) {
	network := transport.NewMemNetwork()
	clk := clock.NewMock()
	cfg := core.ConnConfig{
		BackoffBase:      time.Second,
		BackoffMax:       3 * time.Second,
		FailureThreshold: 3,
		Cooldown:         time.Hour,
	}
	a := newManager(t, network, cfg, WithClock(clk))
	b := newManager(t, network, core.ConnConfig{})
	target := addrInfo(b)
	network.SetUnreachable(target.ID, true)

	ctx := context.Background()
	_, err := a.Connect(ctx, target)
	require.ErrorIs(t, err, core.ErrConnection)
	assert.Equal(t, 1, network.DialCount(target.ID))

	_, err = a.Connect(ctx, target)
	require.ErrorIs(t, err, core.ErrConnection)
	assert.Equal(t, 1, network.DialCount(target.ID), "second attempt inside the backoff window")

	clk.Add(time.Second)
	_, err = a.Connect(ctx, target)
	require.ErrorIs(t, err, core.ErrConnection)
	assert.Equal(t, 2, network.DialCount(target.ID))
	assert.True(t, a.IsReachable(target.ID))

	clk.Add(time.Second)
	_, err = a.Connect(ctx, target)
	assert.ErrorIs(t, err, core.ErrConnection)
	clk.Add(2 * time.Second)
	_, err = a.Connect(ctx, target)
	assert.ErrorIs(t, err, core.ErrConnection)
	assert.Equal(t, 3, network.DialCount(target.ID))
	assert.False(t, a.IsReachable(target.ID))

	network.SetUnreachable(target.ID, false)
	clk.Add(time.Minute)
	_, err = a.Connect(ctx, target)
	assert.ErrorIs(t, err, core.ErrConnection, "cooldown still applies")
	assert.Equal(t, 3, network.DialCount(target.ID))
}

func TestBackoffCap(t *testing.T) {
	m := New("", nil, core.ConnConfig{BackoffBase: time.Second, BackoffMax: 10 * time.Second})
	for failures, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		4: 8 * time.Second,
		5: 10 * time.Second,
		9: 10 * time.Second,
	} {
		assert.Equal(t, want, m.backoffFor(failures), "failures=%d", failures)
	}
}

func TestGracePeriodClose(t *testing.T) {
	network := transport.NewMemNetwork()
	clk := clock.NewMock()
	a := newManager(t, network, core.ConnConfig{GracePeriod: 10 * time.Second}, WithClock(clk))
	b := newManager(t, network, core.ConnConfig{})

	_, err := a.Connect(context.Background(), addrInfo(b))
	require.NoError(t, err)
	require.True(t, a.Acquire(b.LocalPeer()))

	clk.Add(time.Minute)
	assert.True(t, a.Connected(b.LocalPeer()), "referenced connections stay open")

	a.Release(b.LocalPeer())
	clk.Add(5 * time.Second)
	assert.True(t, a.Connected(b.LocalPeer()))
	clk.Add(5 * time.Second)
	assert.Eventually(t, func() bool { return !a.Connected(b.LocalPeer()) }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !b.Connected(a.LocalPeer()) }, time.Second, 5*time.Millisecond)
	assert.False(t, a.Acquire(b.LocalPeer()))
}

func TestNotifiee(t *testing.T) {
	network := transport.NewMemNetwork()
	a := newManager(t, network, core.ConnConfig{})
	b := newManager(t, network, core.ConnConfig{})

	connected := make(chan peer.AddrInfo, 1)
	disconnected := make(chan peer.ID, 1)
	b.Notify(Notifiee{
		Connected:    func(ai peer.AddrInfo) { connected <- ai },
		Disconnected: func(p peer.ID) { disconnected <- p },
	})

	_, err := a.Connect(context.Background(), addrInfo(b))
	require.NoError(t, err)
	select {
	case ai := <-connected:
		assert.Equal(t, a.LocalPeer(), ai.ID)
	case <-time.After(time.Second):
		t.Fatal("no connect notification")
	}

	require.NoError(t, a.ClosePeer(b.LocalPeer()))
	select {
	case p := <-disconnected:
		assert.Equal(t, a.LocalPeer(), p)
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification")
	}
}

func TestOpenStreamUsesAddressBook(t *testing.T) {
	network := transport.NewMemNetwork()
	a := newManager(t, network, core.ConnConfig{})
	b := newManager(t, network, core.ConnConfig{})
	b.SetHandler(echoProto, echo)

	a.AddAddrs(b.LocalPeer(), b.ListenAddrs())
	a.AddAddrs(b.LocalPeer(), b.ListenAddrs())
	assert.Len(t, a.Addrs(b.LocalPeer()), 1)

	s, err := a.OpenStream(context.Background(), b.LocalPeer(), echoProto)
	require.NoError(t, err)
	s.Reset()
	assert.Equal(t, 0, a.Refs(b.LocalPeer()))
}

func TestMergeAddrs(t *testing.T) {
	x := ma.StringCast("/ip4/10.0.0.1/udp/1/quic-v1")
	y := ma.StringCast("/ip4/10.0.0.2/udp/1/quic-v1")
	got := mergeAddrs([]ma.Multiaddr{x}, []ma.Multiaddr{x, nil, y})
	assert.Len(t, got, 2)
}
