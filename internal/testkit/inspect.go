package testkit

import (
	"context"

	"github.com/agenthands/blobnet/pkg/pack"
	"github.com/ipfs/go-cid"
)

// CountUniqueBlocks returns the number of distinct CIDs stored across all sealed packs.
func CountUniqueBlocks(ctx context.Context, pm pack.Manager) (int, error) {
	unique := make(map[cid.Cid]struct{})
	for _, pid := range pm.ListSealedPacks() {
		err := pm.IteratePackBlocks(ctx, pid, func(c cid.Cid, _ []byte) error {
			unique[c] = struct{}{}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return len(unique), nil
}

// Corrupt returns a copy of payload with its first byte flipped.
func Corrupt(payload []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	if len(out) > 0 {
		out[0] ^= 0xFF
	}
	return out
}
