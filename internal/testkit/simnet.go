package testkit

import (
	"testing"

	"github.com/agenthands/blobnet/pkg/connmgr"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/agenthands/blobnet/pkg/transport"
)

// SimNet is an in-memory network of peers, each with its own identity and
// connection manager. Everything is closed when the test ends.
type SimNet struct {
	tb  testing.TB
	Net *transport.MemNetwork
}

type SimPeer struct {
	Identity *peer.Identity
	Conns    *connmgr.Manager
}

func NewSimNet(tb testing.TB) *SimNet {
	return &SimNet{tb: tb, Net: transport.NewMemNetwork()}
}

// AddPeer joins a new peer to the network and starts accepting connections.
func (s *SimNet) AddPeer(cfg core.ConnConfig, opts ...connmgr.Option) *SimPeer {
	s.tb.Helper()
	ident, err := peer.GenerateIdentity()
	if err != nil {
		s.tb.Fatalf("generate identity: %v", err)
	}
	cm := connmgr.New(ident.ID, s.Net.Listen(ident.ID), cfg, opts...)
	cm.Start()
	s.tb.Cleanup(func() { _ = cm.Close() })
	return &SimPeer{Identity: ident, Conns: cm}
}

func (p *SimPeer) ID() peer.ID { return p.Identity.ID }

func (p *SimPeer) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: p.Identity.ID, Addrs: p.Conns.ListenAddrs()}
}
