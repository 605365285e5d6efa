package node

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/exchange"
	"github.com/agenthands/blobnet/pkg/manifest"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

// AddOptions tune a file import.
type AddOptions struct {
	MediaType string
	Meta      map[string]string
	// NoPin leaves the imported DAG unpinned.
	NoPin bool
	// NoProvide skips announcing the root.
	NoProvide bool
}

// Add chunks r into raw blocks, links them from a dag-cbor manifest and
// returns the manifest CID. The root is pinned recursively and announced
// unless opts says otherwise.
func (n *Node) Add(ctx context.Context, r io.Reader, opts AddOptions) (cid.Cid, error) {
	var (
		chunks   []manifest.ChunkRef
		total    uint64
		releases []func()
	)
	defer func() {
		for _, release := range releases {
			release()
		}
	}()

	err := n.chunker.Split(ctx, r, func(chunk []byte) error {
		c := cidutil.Identify(chunk)
		releases = append(releases, n.store.Hold(c))
		blk, err := blocks.NewBlockWithCid(chunk, c)
		if err != nil {
			return err
		}
		if err := n.store.Put(ctx, blk); err != nil {
			return err
		}
		chunks = append(chunks, manifest.ChunkRef{CID: manifest.Link{Cid: c}, Len: uint32(len(chunk))})
		total += uint64(len(chunk))
		return nil
	})
	if err != nil {
		return cid.Undef, err
	}

	root, err := manifest.Block(n.manifests, &manifest.FileV1{
		Version:   1,
		MediaType: opts.MediaType,
		Length:    total,
		Chunks:    chunks,
		Meta:      opts.Meta,
	})
	if err != nil {
		return cid.Undef, err
	}
	releases = append(releases, n.store.Hold(root.Cid()))
	if err := n.store.Put(ctx, root); err != nil {
		return cid.Undef, err
	}
	if !opts.NoPin {
		if err := n.store.Pin(ctx, root.Cid(), core.PinRecursive); err != nil {
			return cid.Undef, err
		}
	}

	if !opts.NoProvide {
		n.provMu.Lock()
		n.provided[root.Cid()] = struct{}{}
		n.provMu.Unlock()
		if err := n.dht.Provide(ctx, root.Cid()); err != nil {
			n.log.Warn("announcing imported file failed", zap.Stringer("cid", root.Cid()), zap.Error(err))
		}
	}
	n.log.Debug("file imported",
		zap.Stringer("cid", root.Cid()),
		zap.Int("chunks", len(chunks)),
		zap.Uint64("bytes", total))
	return root.Cid(), nil
}

// Cat returns a reader over the content rooted at c. A raw block reads as
// its payload; a file manifest reads as the concatenation of its chunks,
// fetched lazily from the network when missing.
func (n *Node) Cat(ctx context.Context, c cid.Cid) (io.ReadCloser, error) {
	blk, err := n.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	switch c.Prefix().Codec {
	case cid.Raw:
		return io.NopCloser(bytes.NewReader(blk.RawData())), nil
	case manifest.Prefix.Codec:
		m, err := n.manifests.Decode(blk.RawData())
		if err != nil {
			return nil, err
		}
		return &fileReader{ctx: ctx, n: n, sess: n.exchange.NewSession(ctx), chunks: m.Chunks}, nil
	default:
		return nil, fmt.Errorf("%w: cannot read codec 0x%x as a file", core.ErrInvalidInput, c.Prefix().Codec)
	}
}

// fileReader streams manifest chunks in order.
type fileReader struct {
	ctx    context.Context
	n      *Node
	sess   *exchange.Session
	chunks []manifest.ChunkRef

	current *bytes.Reader
	idx     int
}

func (r *fileReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.idx >= len(r.chunks) {
				return 0, io.EOF
			}
			ref := r.chunks[r.idx]
			blk, err := r.sess.GetBlock(r.ctx, ref.CID.Cid)
			if err != nil {
				return 0, notFound(r.ctx, ref.CID.Cid, err)
			}
			if uint32(len(blk.RawData())) != ref.Len {
				return 0, fmt.Errorf("%w: chunk %s is %d bytes, manifest says %d",
					core.ErrIntegrity, ref.CID.Cid, len(blk.RawData()), ref.Len)
			}
			r.current = bytes.NewReader(blk.RawData())
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current = nil
			r.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *fileReader) Close() error {
	r.current = nil
	return nil
}
