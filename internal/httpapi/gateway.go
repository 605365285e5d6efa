package httpapi

import (
	"bufio"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewGateway serves content read-only under /ipfs/:cid.
func NewGateway(n Node, log *zap.Logger) *gin.Engine {
	r := newEngine(log)
	h := func(c *gin.Context) { serveContent(c, n) }
	r.GET("/ipfs/:cid", h)
	r.HEAD("/ipfs/:cid", h)
	return r
}

func serveContent(c *gin.Context, n Node) {
	id, ok := cidParam(c)
	if !ok {
		return
	}
	etag := strconv.Quote(id.String())
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	rc, err := n.Cat(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 512)
	head, _ := br.Peek(512)

	c.Header("Content-Type", http.DetectContentType(head))
	c.Header("Etag", etag)
	c.Header("X-Ipfs-Path", "/ipfs/"+id.String())
	c.Header("Cache-Control", "public, max-age=29030400, immutable")
	c.Status(http.StatusOK)
	if c.Request.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(c.Writer, br); err != nil {
		_ = c.Error(err)
	}
}
