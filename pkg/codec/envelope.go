package codec

import (
	"crypto/ed25519"
	"fmt"

	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/manifest"
	"github.com/fxamacker/cbor/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CodeSignedEnvelope is the dag-jose multicodec.
const CodeSignedEnvelope uint64 = 0x85

// Envelope is a detached ed25519 signature over a link to its payload block.
type Envelope struct {
	Payload   manifest.Link     `cbor:"payload"`
	Protected map[string]string `cbor:"protected,omitempty"`
	Signer    []byte            `cbor:"signer"`
	Signature []byte            `cbor:"signature"`
}

type signingInput struct {
	Payload   manifest.Link     `cbor:"payload"`
	Protected map[string]string `cbor:"protected,omitempty"`
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

func (e *Envelope) signingBytes() ([]byte, error) {
	return encMode.Marshal(signingInput{Payload: e.Payload, Protected: e.Protected})
}

// Seal signs payload with key and returns the envelope as a block.
func Seal(key ed25519.PrivateKey, payload cid.Cid, protected map[string]string) (blocks.Block, error) {
	env := &Envelope{
		Payload:   manifest.Link{Cid: payload},
		Protected: protected,
		Signer:    key.Public().(ed25519.PublicKey),
	}
	msg, err := env.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	env.Signature = ed25519.Sign(key, msg)

	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, err
	}
	c, err := cidutil.IdentifyWith(cid.Prefix{
		Version:  1,
		Codec:    CodeSignedEnvelope,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}, data)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

// Open decodes an envelope and verifies its signature.
func Open(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", core.ErrIntegrity, err)
	}
	if len(env.Signer) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: envelope signer key has %d bytes", core.ErrIntegrity, len(env.Signer))
	}
	msg, err := env.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", core.ErrIntegrity, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(env.Signer), msg, env.Signature) {
		return nil, fmt.Errorf("%w: envelope signature", core.ErrIntegrity)
	}
	return &env, nil
}

// EnvelopeCodec registers signed envelopes in a Registry.
type EnvelopeCodec struct{}

func (EnvelopeCodec) Code() uint64 { return CodeSignedEnvelope }
func (EnvelopeCodec) Name() string { return "dag-jose" }

func (EnvelopeCodec) Links(data []byte) ([]cid.Cid, error) {
	env, err := Open(data)
	if err != nil {
		return nil, err
	}
	return []cid.Cid{env.Payload.Cid}, nil
}
