package cidutil

import (
	"bytes"
	"fmt"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake3"
)

// MaxIdentityLen bounds inline (identity-hashed) payloads.
const MaxIdentityLen = 128

// DefaultPrefix is used for raw leaves: CIDv1, raw codec, sha2-256.
var DefaultPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

var supported = map[uint64]struct{}{
	multihash.SHA2_256: {},
	multihash.SHA2_512: {},
	multihash.BLAKE3:   {},
	multihash.IDENTITY: {},
}

// Supported reports whether payloads hashed with mhType can be verified.
func Supported(mhType uint64) bool {
	_, ok := supported[mhType]
	return ok
}

// Identify computes the raw-codec sha2-256 CIDv1 of payload.
func Identify(payload []byte) cid.Cid {
	c, err := IdentifyWith(DefaultPrefix, payload)
	if err != nil {
		// sha2-256 is always registered
		panic(err)
	}
	return c
}

// IdentifyWith hashes payload using the codec and hash function of prefix.
func IdentifyWith(prefix cid.Prefix, payload []byte) (cid.Cid, error) {
	if !Supported(prefix.MhType) {
		return cid.Undef, fmt.Errorf("%w: unsupported hash function 0x%x", core.ErrInvalidInput, prefix.MhType)
	}
	if prefix.MhType == multihash.IDENTITY && len(payload) > MaxIdentityLen {
		return cid.Undef, fmt.Errorf("%w: identity payload of %d bytes", core.ErrInvalidInput, len(payload))
	}
	c, err := prefix.Sum(payload)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute multihash: %w", err)
	}
	return c, nil
}

// Verify reports whether payload hashes to c. Unknown or malformed
// identifiers never verify.
func Verify(c cid.Cid, payload []byte) bool {
	return Check(c, payload) == nil
}

// Check is Verify returning an ErrIntegrity-wrapped reason.
func Check(c cid.Cid, payload []byte) error {
	if !c.Defined() {
		return fmt.Errorf("%w: undefined CID", core.ErrIntegrity)
	}

	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return fmt.Errorf("%w: invalid multihash: %v", core.ErrIntegrity, err)
	}
	if !Supported(dec.Code) {
		return fmt.Errorf("%w: unsupported hash function 0x%x", core.ErrIntegrity, dec.Code)
	}

	hash, err := multihash.Sum(payload, dec.Code, dec.Length)
	if err != nil {
		return fmt.Errorf("%w: failed to hash payload: %v", core.ErrIntegrity, err)
	}

	if !bytes.Equal(c.Hash(), hash) {
		return fmt.Errorf("%w: CID mismatch for %s", core.ErrIntegrity, c)
	}

	return nil
}

// Cast parses binary CID bytes, wrapping failures as ErrInvalidInput.
func Cast(b []byte) (cid.Cid, error) {
	c, err := cid.Cast(b)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: invalid CID bytes: %v", core.ErrInvalidInput, err)
	}
	return c, nil
}

// Parse decodes a textual CID.
func Parse(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: invalid CID %q: %v", core.ErrInvalidInput, s, err)
	}
	return c, nil
}
