package testkit

import (
	"errors"
	"io"
)

var ErrInjectedFault = errors.New("injected fault")

// ErrorReader passes through the first limit bytes of r, then fails.
type ErrorReader struct {
	r         io.Reader
	remaining int64
	err       error
}

// NewErrorReader fails with err (ErrInjectedFault when nil) once limit bytes
// have been read.
func NewErrorReader(r io.Reader, limit int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{r: r, remaining: limit, err: err}
}

func (e *ErrorReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		return 0, e.err
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	if err == nil && e.remaining <= 0 {
		err = e.err
	}
	return n, err
}

// BlockingReader parks its first Read: BlockCh closes when the read starts
// and the read continues once the test closes ResumeCh.
type BlockingReader struct {
	r        io.Reader
	BlockCh  chan struct{}
	ResumeCh chan struct{}
	started  bool
}

func NewBlockingReader(r io.Reader) *BlockingReader {
	return &BlockingReader{r: r, BlockCh: make(chan struct{}), ResumeCh: make(chan struct{})}
}

func (b *BlockingReader) Read(p []byte) (int, error) {
	if !b.started {
		b.started = true
		close(b.BlockCh)
		<-b.ResumeCh
	}
	return b.r.Read(p)
}
