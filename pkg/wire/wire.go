// Package wire frames protocol messages on streams: an unsigned varint length
// followed by a canonical CBOR body.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/agenthands/blobnet/pkg/core"
	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-varint"
)

// DefaultMaxMessageSize bounds a single frame.
const DefaultMaxMessageSize = 4 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 20, MaxMapPairs: 1 << 16}).DecMode(); err != nil {
		panic(err)
	}
}

// Writer writes length-prefixed messages.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteMsg(v any) error {
	body, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return w.WriteFrame(body)
}

// WriteFrame writes raw bytes as one frame.
func (w *Writer) WriteFrame(body []byte) error {
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(body)))+len(body))
	buf = append(buf, varint.ToUvarint(uint64(len(body)))...)
	buf = append(buf, body...)
	_, err := w.w.Write(buf)
	return err
}

// Reader reads length-prefixed messages, rejecting frames above max bytes.
type Reader struct {
	r   *bufio.Reader
	max int
}

func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, max: max}
}

// ReadFrame returns the next frame body. io.EOF is returned only at a clean
// frame boundary.
func (r *Reader) ReadFrame() ([]byte, error) {
	n, err := varint.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: bad frame length: %v", core.ErrInvalidInput, err)
	}
	if n > uint64(r.max) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", core.ErrInvalidInput, n, r.max)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

func (r *Reader) ReadMsg(v any) error {
	body, err := r.ReadFrame()
	if err != nil {
		return err
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: failed to decode message: %v", core.ErrInvalidInput, err)
	}
	return nil
}
