package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/jotfs/fastcdc-go"
)

// Chunker splits a byte stream into content-defined chunks, so that an edit
// in the middle of a file only changes the chunks around it.
type Chunker struct {
	opts fastcdc.Options
}

// New validates cfg. Zero fields fall back to 64KiB/256KiB/1MiB.
func New(cfg core.ChunkingConfig) (*Chunker, error) {
	if cfg.Min == 0 && cfg.Avg == 0 && cfg.Max == 0 {
		cfg = core.DefaultConfig("").Chunking
	}
	if cfg.Min < 64 || cfg.Min >= cfg.Avg || cfg.Avg >= cfg.Max {
		return nil, fmt.Errorf("%w: chunk sizes must satisfy 64 <= min < avg < max, got %d/%d/%d",
			core.ErrConfig, cfg.Min, cfg.Avg, cfg.Max)
	}
	return &Chunker{opts: fastcdc.Options{
		MinSize:     cfg.Min,
		AverageSize: cfg.Avg,
		MaxSize:     cfg.Max,
	}}, nil
}

// MaxSize is the largest chunk Split will emit.
func (c *Chunker) MaxSize() int { return c.opts.MaxSize }

// Split calls fn for every chunk of r in order. The slice passed to fn is
// owned by fn. An empty stream produces no chunks.
func (c *Chunker) Split(ctx context.Context, r io.Reader, fn func(chunk []byte) error) error {
	cdc, err := fastcdc.NewChunker(r, c.opts)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfig, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := cdc.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		buf := make([]byte, chunk.Length)
		copy(buf, chunk.Data)
		if err := fn(buf); err != nil {
			return err
		}
	}
}
