package testkit

import (
	"math/rand"
	"time"
)

// RNG returns a seeded generator; seed 0 picks one from the clock.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns n incompressible bytes.
func RandomBytes(r *rand.Rand, n int) []byte {
	out := make([]byte, n)
	_, _ = r.Read(out)
	return out
}

var filler = []byte("blobnet block payload filler ")

// CompressibleBytes returns n bytes of a repeating pattern with one random
// byte per KiB, enough to defeat run-length shortcuts in zstd.
func CompressibleBytes(r *rand.Rand, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = filler[i%len(filler)]
	}
	for i := 0; i < n/1024; i++ {
		out[r.Intn(n)] = byte(r.Intn(256))
	}
	return out
}

// MutateBytes applies edits random single-byte inserts, deletes or
// overwrites to a copy of base. Near-duplicates like these exercise chunk
// boundary stability.
func MutateBytes(r *rand.Rand, base []byte, edits int) []byte {
	out := append([]byte(nil), base...)
	for i := 0; i < edits && len(out) > 0; i++ {
		at := r.Intn(len(out))
		switch r.Intn(3) {
		case 0:
			out = append(out[:at], append([]byte{byte(r.Intn(256))}, out[at:]...)...)
		case 1:
			out = append(out[:at], out[at+1:]...)
		default:
			out[at] = byte(r.Intn(256))
		}
	}
	return out
}
