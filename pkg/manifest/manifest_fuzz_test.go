package manifest

import (
	"testing"

	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
)

func FuzzManifestDecode(f *testing.F) {
	codec := NewCodec(core.LimitsConfig{MaxLinksPerNode: 1000})

	m := &FileV1{
		Version:   1,
		MediaType: "text/plain",
		Length:    10,
		Chunks: []ChunkRef{
			{CID: Link{cidutil.Identify([]byte("0123456789"))}, Len: 10},
		},
	}
	encoded, _ := codec.Encode(m)
	f.Add(encoded)
	f.Add([]byte("garbage input"))
	f.Add([]byte{})
	f.Add([]byte{0xa1, 0x61, 0x76, 0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = codec.Decode(data)
	})
}
