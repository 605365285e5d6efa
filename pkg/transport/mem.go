package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// MemNetwork connects MemTransports in-process. Peers can be made
// unreachable to simulate failures.
type MemNetwork struct {
	mu          sync.RWMutex
	peers       map[peer.ID]*MemTransport
	unreachable map[peer.ID]bool
	dials       map[peer.ID]int
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		peers:       make(map[peer.ID]*MemTransport),
		unreachable: make(map[peer.ID]bool),
		dials:       make(map[peer.ID]int),
	}
}

// MemAddr is the fake dial address of id on a MemNetwork.
func MemAddr(id peer.ID) ma.Multiaddr {
	// dns labels are the only free-form text go-multiaddr accepts
	a, err := ma.NewMultiaddr("/dns/" + id.String() + ".mem/udp/1/quic-v1")
	if err != nil {
		panic(err)
	}
	return a
}

// Listen registers a transport for id.
func (n *MemNetwork) Listen(id peer.ID) *MemTransport {
	t := &MemTransport{
		net:      n,
		id:       id,
		incoming: make(chan Conn, 64),
		closed:   make(chan struct{}),
	}
	n.mu.Lock()
	n.peers[id] = t
	n.mu.Unlock()
	return t
}

func (n *MemNetwork) SetUnreachable(id peer.ID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[id] = down
}

// DialCount reports how many dials targeted id.
func (n *MemNetwork) DialCount(id peer.ID) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dials[id]
}

type MemTransport struct {
	net      *MemNetwork
	id       peer.ID
	incoming chan Conn
	closed   chan struct{}
	once     sync.Once
}

func (t *MemTransport) ListenAddrs() []ma.Multiaddr {
	return []ma.Multiaddr{MemAddr(t.id)}
}

func (t *MemTransport) Dial(ctx context.Context, ai peer.AddrInfo) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := t.net
	n.mu.Lock()
	n.dials[ai.ID]++
	remote, ok := n.peers[ai.ID]
	down := n.unreachable[ai.ID] || n.unreachable[t.id]
	n.mu.Unlock()

	if !ok || down {
		return nil, fmt.Errorf("%w: %s unreachable", core.ErrConnection, ai.ID)
	}
	select {
	case <-remote.closed:
		return nil, fmt.Errorf("%w: %s closed", core.ErrConnection, ai.ID)
	default:
	}

	local, far := newMemConnPair(t.id, ai.ID)
	select {
	case remote.incoming <- far:
		return local, nil
	case <-remote.closed:
		return nil, fmt.Errorf("%w: %s closed", core.ErrConnection, ai.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-t.incoming:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, core.ErrClosed
	}
}

func (t *MemTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.net.mu.Lock()
		if t.net.peers[t.id] == t {
			delete(t.net.peers, t.id)
		}
		t.net.mu.Unlock()
	})
	return nil
}

type memConn struct {
	local, remote peer.ID
	peer          *memConn
	streams       chan *memStream
	done          chan struct{}
	once          *sync.Once // shared by both ends
}

func newMemConnPair(a, b peer.ID) (*memConn, *memConn) {
	done, once := make(chan struct{}), new(sync.Once)
	ca := &memConn{local: a, remote: b, streams: make(chan *memStream, 64), done: done, once: once}
	cb := &memConn{local: b, remote: a, streams: make(chan *memStream, 64), done: done, once: once}
	ca.peer, cb.peer = cb, ca
	return ca, cb
}

func (c *memConn) LocalPeer() peer.ID       { return c.local }
func (c *memConn) RemotePeer() peer.ID      { return c.remote }
func (c *memConn) RemoteAddr() ma.Multiaddr { return MemAddr(c.remote) }
func (c *memConn) Done() <-chan struct{}    { return c.done }

func (c *memConn) OpenStream(ctx context.Context) (Stream, error) {
	a, b := newMemStreamPair()
	select {
	case c.peer.streams <- b:
		go func() {
			<-c.done
			a.Reset()
			b.Reset()
		}()
		return a, nil
	case <-c.done:
		return nil, fmt.Errorf("%w: connection closed", core.ErrConnection)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.streams:
		return s, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// pipe is a buffered one-directional byte queue.
type pipe struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	closed   bool // writer finished
	reset    bool
	deadline time.Time
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 {
		switch {
		case p.reset:
			return 0, fmt.Errorf("%w: stream reset", core.ErrConnection)
		case p.closed:
			return 0, io.EOF
		case !p.deadline.IsZero() && !time.Now().Before(p.deadline):
			return 0, os.ErrDeadlineExceeded
		}
		p.wait()
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// wait blocks until signalled or the deadline passes.
func (p *pipe) wait() {
	if p.deadline.IsZero() {
		p.cond.Wait()
		return
	}
	t := time.AfterFunc(time.Until(p.deadline), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	t.Stop()
}

func (p *pipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.reset {
		return 0, fmt.Errorf("%w: write on closed stream", core.ErrConnection)
	}
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *pipe) close(reset bool) {
	p.mu.Lock()
	if reset {
		p.reset = true
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pipe) setDeadline(t time.Time) {
	p.mu.Lock()
	p.deadline = t
	p.cond.Broadcast()
	p.mu.Unlock()
}

type memStream struct {
	in, out *pipe
}

func newMemStreamPair() (*memStream, *memStream) {
	ab, ba := newPipe(), newPipe()
	return &memStream{in: ba, out: ab}, &memStream{in: ab, out: ba}
}

func (s *memStream) Read(b []byte) (int, error)  { return s.in.read(b) }
func (s *memStream) Write(b []byte) (int, error) { return s.out.write(b) }

func (s *memStream) CloseWrite() error {
	s.out.close(false)
	return nil
}

func (s *memStream) Close() error {
	s.out.close(false)
	s.in.close(false)
	return nil
}

func (s *memStream) Reset() {
	s.out.close(true)
	s.in.close(true)
}

func (s *memStream) SetDeadline(t time.Time) error {
	s.in.setDeadline(t)
	return nil
}
