package kbucket

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/bits"

	"github.com/agenthands/blobnet/pkg/peer"
)

// KeyBits is the size of the keyspace.
const KeyBits = 256

// Key is a point in the 256-bit XOR keyspace.
type Key [32]byte

// KeyFor maps arbitrary bytes (a CID, a record key) into the keyspace.
func KeyFor(b []byte) Key {
	return sha256.Sum256(b)
}

func PeerKey(id peer.ID) Key {
	return KeyFor([]byte(id))
}

func (k Key) String() string {
	return hex.EncodeToString(k[:8])
}

// Distance is the XOR of two keys, compared as a big-endian integer.
func (k Key) Distance(o Key) Key {
	var d Key
	for i := range k {
		d[i] = k[i] ^ o[i]
	}
	return d
}

// CommonPrefixLen counts the leading bits a and b share.
func CommonPrefixLen(a, b Key) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return KeyBits
}

// CompareDistance returns -1, 0 or 1 as a is closer to, as close as, or
// farther from target than b.
func CompareDistance(a, b, target Key) int {
	da, db := a.Distance(target), b.Distance(target)
	return bytes.Compare(da[:], db[:])
}

// Closer orders peers by distance to target, breaking ties by the lower raw
// peer ID.
func Closer(a, b peer.ID, target Key) bool {
	if c := CompareDistance(PeerKey(a), PeerKey(b), target); c != 0 {
		return c < 0
	}
	return a < b
}

// randomKeyWithPrefix returns a random key sharing exactly cpl leading bits
// with local.
func randomKeyWithPrefix(local Key, cpl int) Key {
	var k Key
	_, _ = rand.Read(k[:])
	if cpl >= KeyBits {
		return local
	}
	byteIdx, bitIdx := cpl/8, cpl%8
	copy(k[:byteIdx], local[:byteIdx])

	// keep the first bitIdx bits of local, flip the next one, randomise the rest
	keepMask := byte(0xFF) << (8 - bitIdx)
	flipBit := byte(0x80) >> bitIdx
	k[byteIdx] = (local[byteIdx] & keepMask) | ((local[byteIdx] ^ flipBit) & flipBit) | (k[byteIdx] &^ (keepMask | flipBit))
	return k
}

// RandomKey returns a uniformly random key.
func RandomKey() Key {
	var k Key
	_, _ = rand.Read(k[:])
	return k
}
