// Package httpapi serves the node over HTTP: the /api/v0 command API, the
// /ipfs path gateway and the health check. Handlers call only node facade
// operations.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/agenthands/blobnet/pkg/blockstore"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/node"
	"github.com/agenthands/blobnet/pkg/peer"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

// Node is the facade the handlers need.
type Node interface {
	ID() peer.ID
	AddrInfo() peer.AddrInfo
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, blk blocks.Block) error
	Stat(ctx context.Context, c cid.Cid) (int, error)
	Add(ctx context.Context, r io.Reader, opts node.AddOptions) (cid.Cid, error)
	Cat(ctx context.Context, c cid.Cid) (io.ReadCloser, error)
	Pin(ctx context.Context, c cid.Cid, kind core.PinKind) error
	Unpin(ctx context.Context, c cid.Cid) error
	Pins(ctx context.Context) ([]blockstore.Pin, error)
	GC(ctx context.Context) (int, error)
	Provide(ctx context.Context, c cid.Cid) error
	FindProviders(ctx context.Context, c cid.Cid, count int) <-chan peer.AddrInfo
	Status() core.Status
}

var _ Node = (*node.Node)(nil)

const requestIDKey = "request_id"

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func newEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(log))
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("http request", fields...)
		case c.Writer.Status() >= 400:
			log.Info("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}

// statusFor maps facade errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

// Server runs one gin engine on its own listener.
type Server struct {
	name string
	srv  *http.Server
	ln   net.Listener
	log  *zap.Logger
	done chan struct{}
}

func NewServer(name, addr string, h http.Handler, log *zap.Logger) *Server {
	return &Server{
		name: name,
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", zap.String("server", s.name), zap.Error(err))
		}
	}()
	s.log.Info("http server listening", zap.String("server", s.name), zap.Stringer("addr", ln.Addr()))
	return nil
}

// Addr is the bound address; valid after Start.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Shutdown(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
