package cidutil

import (
	"fmt"
	"testing"

	"github.com/agenthands/blobnet/internal/testkit"
)

func BenchmarkIdentify(b *testing.B) {
	rng := testkit.RNG(1)

	sizes := []int{4 * 1024, 64 * 1024, 1024 * 1024, 8 * 1024 * 1024}

	for _, size := range sizes {
		size := size
		b.Run(fmt.Sprintf("Size_%d", size), func(b *testing.B) {
			data := testkit.RandomBytes(rng, size)

			b.ResetTimer()
			b.ReportAllocs()
			b.SetBytes(int64(size))

			for i := 0; i < b.N; i++ {
				_ = Identify(data)
			}
		})
	}
}
