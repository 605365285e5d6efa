package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/manifest"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLinks(t *testing.T) {
	limits := core.LimitsConfig{MaxLinksPerNode: 100}
	reg := DefaultRegistry(limits)

	leaf, err := blocks.NewBlockWithCid([]byte("leaf"), cidutil.Identify([]byte("leaf")))
	require.NoError(t, err)

	t.Run("RawIsLeaf", func(t *testing.T) {
		links, err := reg.Links(leaf)
		require.NoError(t, err)
		assert.Empty(t, links)
	})

	t.Run("Manifest", func(t *testing.T) {
		mc := manifest.NewCodec(limits)
		data, err := mc.Encode(&manifest.FileV1{
			Version: 1,
			Length:  4,
			Chunks:  []manifest.ChunkRef{{CID: manifest.Link{Cid: leaf.Cid()}, Len: 4}},
		})
		require.NoError(t, err)
		c, err := cidutil.IdentifyWith(cid.Prefix{Version: 1, Codec: cid.DagCBOR, MhType: multihash.SHA2_256, MhLength: -1}, data)
		require.NoError(t, err)
		blk, err := blocks.NewBlockWithCid(data, c)
		require.NoError(t, err)

		links, err := reg.Links(blk)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.True(t, links[0].Equals(leaf.Cid()))
	})

	t.Run("UnknownCodecIsLeaf", func(t *testing.T) {
		c, err := cidutil.IdentifyWith(cid.Prefix{Version: 1, Codec: cid.DagProtobuf, MhType: multihash.SHA2_256, MhLength: -1}, []byte("pb"))
		require.NoError(t, err)
		blk, _ := blocks.NewBlockWithCid([]byte("pb"), c)
		links, err := reg.Links(blk)
		require.NoError(t, err)
		assert.Empty(t, links)
	})

	t.Run("CorruptStructuredBlock", func(t *testing.T) {
		c, err := cidutil.IdentifyWith(cid.Prefix{Version: 1, Codec: cid.DagCBOR, MhType: multihash.SHA2_256, MhLength: -1}, []byte("junk"))
		require.NoError(t, err)
		blk, _ := blocks.NewBlockWithCid([]byte("junk"), c)
		_, err = reg.Links(blk)
		assert.ErrorIs(t, err, core.ErrIntegrity)
	})
}

func TestEnvelope(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := cidutil.Identify([]byte("signed payload"))

	blk, err := Seal(priv, payload, map[string]string{"alg": "EdDSA"})
	require.NoError(t, err)
	assert.Equal(t, CodeSignedEnvelope, blk.Cid().Prefix().Codec)
	assert.True(t, cidutil.Verify(blk.Cid(), blk.RawData()))

	env, err := Open(blk.RawData())
	require.NoError(t, err)
	assert.True(t, env.Payload.Equals(payload))
	assert.Equal(t, "EdDSA", env.Protected["alg"])

	links, err := DefaultRegistry(core.LimitsConfig{}).Links(blk)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].Equals(payload))

	t.Run("TamperedSignature", func(t *testing.T) {
		env.Signature[0] ^= 0xff
		data, err := encMode.Marshal(env)
		require.NoError(t, err)
		_, err = Open(data)
		assert.True(t, errors.Is(err, core.ErrIntegrity))
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := Open([]byte{0x01})
		assert.ErrorIs(t, err, core.ErrIntegrity)
	})
}
