// Package codec maps CID codec tags to decoders that can enumerate the
// links of structured blocks. Raw blocks have no links and never reach a
// decoder.
package codec

import (
	"fmt"
	"sync"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/manifest"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Codec decodes one structured block format.
type Codec interface {
	Code() uint64
	Name() string
	Links(data []byte) ([]cid.Cid, error)
}

// Registry is safe for concurrent use; it is normally populated once at startup.
type Registry struct {
	mu     sync.RWMutex
	codecs map[uint64]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[uint64]Codec)}
}

// DefaultRegistry knows the file manifest (dag-cbor) and the signed envelope.
func DefaultRegistry(limits core.LimitsConfig) *Registry {
	r := NewRegistry()
	r.Register(NewManifestCodec(manifest.NewCodec(limits)))
	r.Register(EnvelopeCodec{})
	return r
}

func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Code()] = c
}

func (r *Registry) Lookup(code uint64) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[code]
	return c, ok
}

// Links returns the children of blk. Raw blocks and blocks whose codec is
// not registered are leaves.
func (r *Registry) Links(blk blocks.Block) ([]cid.Cid, error) {
	code := blk.Cid().Prefix().Codec
	if code == cid.Raw {
		return nil, nil
	}
	c, ok := r.Lookup(code)
	if !ok {
		return nil, nil
	}
	links, err := c.Links(blk.RawData())
	if err != nil {
		return nil, fmt.Errorf("%s links of %s: %w", c.Name(), blk.Cid(), err)
	}
	return links, nil
}

type manifestCodec struct {
	inner manifest.Codec
}

// NewManifestCodec exposes file manifests as dag-cbor nodes.
func NewManifestCodec(inner manifest.Codec) Codec {
	return manifestCodec{inner: inner}
}

func (manifestCodec) Code() uint64 { return cid.DagCBOR }
func (manifestCodec) Name() string { return "dag-cbor" }

func (m manifestCodec) Links(data []byte) ([]cid.Cid, error) {
	f, err := m.inner.Decode(data)
	if err != nil {
		return nil, err
	}
	return f.Links(), nil
}
