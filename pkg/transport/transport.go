// Package transport abstracts authenticated, multiplexed peer connections.
// The QUIC implementation is used in production; the in-memory network
// backs simulations and tests.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/agenthands/blobnet/pkg/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Stream is a bidirectional byte stream within a connection.
type Stream interface {
	io.ReadWriteCloser
	// CloseWrite signals end of output while still allowing reads.
	CloseWrite() error
	// Reset aborts the stream in both directions.
	Reset()
	SetDeadline(t time.Time) error
}

// Conn is an authenticated connection to a remote peer.
type Conn interface {
	LocalPeer() peer.ID
	RemotePeer() peer.ID
	RemoteAddr() ma.Multiaddr
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	// Done is closed when the connection is closed by either side.
	Done() <-chan struct{}
	Close() error
}

// Transport dials and accepts connections for the local identity.
type Transport interface {
	// Dial connects to ai and fails with core.ErrConnection when the remote
	// does not prove ownership of ai.ID.
	Dial(ctx context.Context, ai peer.AddrInfo) (Conn, error)
	Accept(ctx context.Context) (Conn, error)
	ListenAddrs() []ma.Multiaddr
	Close() error
}
