package manifest

import (
	"fmt"

	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/fxamacker/cbor/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Prefix identifies manifest blocks: CIDv1, dag-cbor, sha2-256.
var Prefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// cidTag is the CBOR tag dag-cbor uses for links.
const cidTag = 42

// Link is a CID encoded as a dag-cbor link (tag 42, multibase identity prefix).
type Link struct {
	cid.Cid
}

func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.Defined() {
		return nil, fmt.Errorf("%w: undefined link", core.ErrInvalidInput)
	}
	content := append([]byte{0x00}, l.Bytes()...)
	return cbor.Marshal(cbor.Tag{Number: cidTag, Content: content})
}

func (l *Link) UnmarshalCBOR(b []byte) error {
	var raw cbor.RawTag
	if err := cbor.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Number != cidTag {
		return fmt.Errorf("unexpected tag %d for link", raw.Number)
	}
	var content []byte
	if err := cbor.Unmarshal(raw.Content, &content); err != nil {
		return err
	}
	if len(content) < 2 || content[0] != 0x00 {
		return fmt.Errorf("malformed link bytes")
	}
	c, err := cid.Cast(content[1:])
	if err != nil {
		return err
	}
	l.Cid = c
	return nil
}

// ChunkRef references a chunk by its CID and its plaintext length.
type ChunkRef struct {
	CID Link   `cbor:"cid"`
	Len uint32 `cbor:"len"`
}

// FileV1 is the dag-cbor root block produced when importing a byte stream.
type FileV1 struct {
	Version   uint16            `cbor:"version"`
	MediaType string            `cbor:"media_type,omitempty"`
	Length    uint64            `cbor:"length"`
	Chunks    []ChunkRef        `cbor:"chunks"`
	Meta      map[string]string `cbor:"meta,omitempty"`
}

// Links returns the chunk CIDs in order.
func (m *FileV1) Links() []cid.Cid {
	out := make([]cid.Cid, len(m.Chunks))
	for i, c := range m.Chunks {
		out[i] = c.CID.Cid
	}
	return out
}

// Codec defines the interface for manifest encoding/decoding and validation.
type Codec interface {
	Encode(m *FileV1) ([]byte, error)
	Decode(b []byte) (*FileV1, error)
}

type codec struct {
	limits  core.LimitsConfig
	encMode cbor.EncMode
}

// NewCodec returns a new Codec implementation.
func NewCodec(limits core.LimitsConfig) Codec {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &codec{
		limits:  limits,
		encMode: em,
	}
}

func (c *codec) Encode(m *FileV1) ([]byte, error) {
	if err := c.validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}

	return c.encMode.Marshal(m)
}

func (c *codec) Decode(b []byte) (*FileV1, error) {
	var m FileV1
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal manifest: %v", core.ErrIntegrity, err)
	}

	if err := c.validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrIntegrity, err)
	}

	return &m, nil
}

// Block encodes m and wraps it as a dag-cbor block.
func Block(c Codec, m *FileV1) (blocks.Block, error) {
	data, err := c.Encode(m)
	if err != nil {
		return nil, err
	}
	id, err := cidutil.IdentifyWith(Prefix, data)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, id)
}

func (c *codec) validate(m *FileV1) error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}

	if c.limits.MaxLinksPerNode > 0 && uint32(len(m.Chunks)) > c.limits.MaxLinksPerNode {
		return fmt.Errorf("too many chunks: %d > %d", len(m.Chunks), c.limits.MaxLinksPerNode)
	}

	var sumLength uint64
	for i, chunk := range m.Chunks {
		if !chunk.CID.Defined() {
			return fmt.Errorf("chunk %d has empty CID", i)
		}
		sumLength += uint64(chunk.Len)
	}

	if sumLength != m.Length {
		return fmt.Errorf("length mismatch: manifest says %d, chunks sum to %d", m.Length, sumLength)
	}

	return nil
}
