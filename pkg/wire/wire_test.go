package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	msgs := []ExchangeMessage{
		{Wants: []WantEntry{{CID: []byte("a"), Type: WantHave}}},
		{Blocks: []Block{{CID: []byte("b"), Data: bytes.Repeat([]byte{7}, 1000)}}},
		{Presences: []Presence{{CID: []byte("c"), Type: DontHave}}},
	}
	for i := range msgs {
		require.NoError(t, w.WriteMsg(&msgs[i]))
	}

	r := NewReader(&buf, 0)
	for i := range msgs {
		var got ExchangeMessage
		require.NoError(t, r.ReadMsg(&got))
		assert.Equal(t, msgs[i], got)
	}
	var extra ExchangeMessage
	assert.ErrorIs(t, r.ReadMsg(&extra), io.EOF)
}

func TestFrameLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteFrame(make([]byte, 100)))

	_, err := NewReader(&buf, 10).ReadFrame()
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteFrame([]byte("hello world")))
	truncated := bytes.NewReader(buf.Bytes()[:5])

	_, err := NewReader(truncated, 0).ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestGarbageBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteFrame([]byte{0xff, 0xff}))
	var m DHTMessage
	assert.ErrorIs(t, NewReader(&buf, 0).ReadMsg(&m), core.ErrInvalidInput)
}

func TestPeerInfo(t *testing.T) {
	ident, err := peer.GenerateIdentity()
	require.NoError(t, err)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/4011/quic-v1")
	require.NoError(t, err)

	pi := FromAddrInfo(peer.AddrInfo{ID: ident.ID, Addrs: []ma.Multiaddr{addr}})
	pi.Addrs = append(pi.Addrs, []byte{0xde, 0xad})

	ai, err := pi.AddrInfo()
	require.NoError(t, err)
	assert.Equal(t, ident.ID, ai.ID)
	require.Len(t, ai.Addrs, 1, "unparseable address should be dropped")
	assert.True(t, addr.Equal(ai.Addrs[0]))

	_, err = PeerInfo{ID: []byte("bogus")}.AddrInfo()
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestDHTMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := DHTMessage{
		Type:   PutValue,
		Key:    []byte("k"),
		Record: &ValueRecord{Key: []byte("k"), Value: []byte("v"), Timestamp: 42},
		Server: true,
	}
	require.NoError(t, NewWriter(&buf).WriteMsg(&in))

	var out DHTMessage
	require.NoError(t, NewReader(&buf, 0).ReadMsg(&out))
	assert.Equal(t, in, out)
	assert.Equal(t, "PUT_VALUE", out.Type.String())
}
