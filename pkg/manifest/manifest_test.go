package manifest

import (
	"errors"
	"testing"

	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

func TestManifestCodec(t *testing.T) {
	codec := NewCodec(core.LimitsConfig{MaxLinksPerNode: 4})

	c1 := cidutil.Identify([]byte("chunk one"))
	c2 := cidutil.Identify([]byte("chunk two"))

	t.Run("RoundTrip", func(t *testing.T) {
		m := &FileV1{
			Version:   1,
			MediaType: "application/json",
			Length:    1234,
			Chunks: []ChunkRef{
				{CID: Link{c1}, Len: 1000},
				{CID: Link{c2}, Len: 234},
			},
			Meta: map[string]string{"name": "a.json"},
		}

		encoded, err := codec.Encode(m)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		decoded, err := codec.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		if decoded.Version != m.Version || decoded.Length != m.Length || decoded.MediaType != m.MediaType {
			t.Errorf("decoded manifest doesn't match original")
		}

		links := decoded.Links()
		if len(links) != 2 || !links[0].Equals(c1) || !links[1].Equals(c2) {
			t.Errorf("links not preserved: %v", links)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		m := &FileV1{Version: 1, Length: 1, Chunks: []ChunkRef{{CID: Link{c1}, Len: 1}},
			Meta: map[string]string{"b": "2", "a": "1"}}
		e1, _ := codec.Encode(m)
		e2, _ := codec.Encode(m)
		if string(e1) != string(e2) {
			t.Error("canonical encoding must be deterministic")
		}
	})

	t.Run("LinksUseTag42", func(t *testing.T) {
		b, err := cbor.Marshal(Link{c1})
		if err != nil {
			t.Fatal(err)
		}
		var raw cbor.RawTag
		if err := cbor.Unmarshal(b, &raw); err != nil {
			t.Fatal(err)
		}
		if raw.Number != 42 {
			t.Errorf("expected tag 42, got %d", raw.Number)
		}
	})

	t.Run("Validation_LengthMismatch", func(t *testing.T) {
		m := &FileV1{
			Version: 1,
			Length:  1000,
			Chunks:  []ChunkRef{{CID: Link{c1}, Len: 500}},
		}
		if _, err := codec.Encode(m); !errors.Is(err, core.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Validation_TooManyChunks", func(t *testing.T) {
		m := &FileV1{Version: 1}
		for i := 0; i < 5; i++ {
			m.Chunks = append(m.Chunks, ChunkRef{CID: Link{c1}, Len: 1})
			m.Length++
		}
		if _, err := codec.Encode(m); err == nil {
			t.Error("expected error for too many chunks")
		}
	})

	t.Run("Validation_Version", func(t *testing.T) {
		if _, err := codec.Encode(&FileV1{Version: 2}); err == nil {
			t.Error("expected error for unsupported version")
		}
	})

	t.Run("DecodeGarbage", func(t *testing.T) {
		if _, err := codec.Decode([]byte("garbage")); !errors.Is(err, core.ErrIntegrity) {
			t.Errorf("expected ErrIntegrity, got %v", err)
		}
	})

	t.Run("UndefinedLinkRejected", func(t *testing.T) {
		m := &FileV1{Version: 1, Length: 1, Chunks: []ChunkRef{{Len: 1}}}
		if _, err := codec.Encode(m); err == nil {
			t.Error("expected error for undefined link")
		}
	})
}
