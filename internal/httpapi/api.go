package httpapi

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agenthands/blobnet/pkg/cidutil"
	"github.com/agenthands/blobnet/pkg/core"
	"github.com/agenthands/blobnet/pkg/manifest"
	"github.com/agenthands/blobnet/pkg/node"
	"github.com/gin-gonic/gin"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultNumProviders = 20
	findProvidersLimit  = 30 * time.Second
)

type api struct {
	n        Node
	maxBlock int64
}

// NewAPI builds the /api/v0 command API. When gatherer is non-nil its
// metrics are served on /metrics.
func NewAPI(n Node, maxBlock int64, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	if maxBlock <= 0 {
		maxBlock = int64(core.DefaultConfig("").Limits.MaxBlockBytes)
	}
	a := &api{n: n, maxBlock: maxBlock}
	r := newEngine(log)

	v0 := r.Group("/api/v0")
	v0.GET("/id", a.id)
	v0.POST("/block/put", a.blockPut)
	v0.GET("/block/get/:cid", a.blockGet)
	v0.GET("/block/stat/:cid", a.blockStat)
	v0.POST("/pin/add/:cid", a.pinAdd)
	v0.POST("/pin/rm/:cid", a.pinRm)
	v0.GET("/pin/ls", a.pinLs)
	v0.POST("/repo/gc", a.repoGC)
	v0.POST("/dht/provide/:cid", a.dhtProvide)
	v0.GET("/dht/findprovs/:cid", a.dhtFindProvs)
	v0.POST("/add", a.add)
	v0.GET("/cat/:cid", a.cat)

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func cidParam(c *gin.Context) (cid.Cid, bool) {
	id, err := cidutil.Parse(c.Param("cid"))
	if err != nil {
		fail(c, err)
		return cid.Undef, false
	}
	return id, true
}

func (a *api) id(c *gin.Context) {
	ai := a.n.AddrInfo()
	c.JSON(http.StatusOK, gin.H{"ID": ai.ID.String(), "Addresses": ai.StringAddrs()})
}

// blockPut stores the request body as one block. format selects raw
// (default) or dag-cbor.
func (a *api) blockPut(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, a.maxBlock+1))
	if err != nil {
		fail(c, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	if int64(len(data)) > a.maxBlock {
		fail(c, fmt.Errorf("%w: block exceeds %d bytes", core.ErrInvalidInput, a.maxBlock))
		return
	}

	var id cid.Cid
	switch f := c.DefaultQuery("format", "raw"); f {
	case "raw":
		id = cidutil.Identify(data)
	case "dag-cbor", "cbor":
		if id, err = cidutil.IdentifyWith(manifest.Prefix, data); err != nil {
			fail(c, err)
			return
		}
	default:
		fail(c, fmt.Errorf("%w: unknown block format %q", core.ErrInvalidInput, f))
		return
	}
	blk, err := blocks.NewBlockWithCid(data, id)
	if err != nil {
		fail(c, err)
		return
	}
	if err := a.n.Put(c.Request.Context(), blk); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Key": id.String(), "Size": len(data)})
}

func (a *api) blockGet(c *gin.Context) {
	id, ok := cidParam(c)
	if !ok {
		return
	}
	blk, err := a.n.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", blk.RawData())
}

func (a *api) blockStat(c *gin.Context) {
	id, ok := cidParam(c)
	if !ok {
		return
	}
	size, err := a.n.Stat(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Key": id.String(), "Size": size})
}

func (a *api) pinAdd(c *gin.Context) {
	id, ok := cidParam(c)
	if !ok {
		return
	}
	kind := core.PinRecursive
	if rec, err := strconv.ParseBool(c.DefaultQuery("recursive", "true")); err == nil && !rec {
		kind = core.PinDirect
	}
	if err := a.n.Pin(c.Request.Context(), id, kind); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Pins": []string{id.String()}})
}

func (a *api) pinRm(c *gin.Context) {
	id, ok := cidParam(c)
	if !ok {
		return
	}
	if err := a.n.Unpin(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Pins": []string{id.String()}})
}

func (a *api) pinLs(c *gin.Context) {
	pins, err := a.n.Pins(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	keys := make(gin.H, len(pins))
	for _, p := range pins {
		keys[p.CID.String()] = gin.H{"Type": p.Kind.String()}
	}
	c.JSON(http.StatusOK, gin.H{"Keys": keys})
}

func (a *api) repoGC(c *gin.Context) {
	removed, err := a.n.GC(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Removed": removed})
}

func (a *api) dhtProvide(c *gin.Context) {
	id, ok := cidParam(c)
	if !ok {
		return
	}
	if err := a.n.Provide(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ID": id.String()})
}

func (a *api) dhtFindProvs(c *gin.Context) {
	id, ok := cidParam(c)
	if !ok {
		return
	}
	num, err := strconv.Atoi(c.DefaultQuery("num-providers", strconv.Itoa(defaultNumProviders)))
	if err != nil || num <= 0 {
		fail(c, fmt.Errorf("%w: num-providers must be a positive integer", core.ErrInvalidInput))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), findProvidersLimit)
	defer cancel()

	provs := []gin.H{}
	for ai := range a.n.FindProviders(ctx, id, num) {
		provs = append(provs, gin.H{"ID": ai.ID.String(), "Addrs": ai.StringAddrs()})
	}
	c.JSON(http.StatusOK, gin.H{"Providers": provs})
}

// add imports the "file" form field of a multipart request, or the raw body
// otherwise.
func (a *api) add(c *gin.Context) {
	var (
		body      io.Reader = c.Request.Body
		mediaType           = c.ContentType()
	)
	if strings.HasPrefix(mediaType, "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			fail(c, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
			return
		}
		f, err := fh.Open()
		if err != nil {
			fail(c, err)
			return
		}
		defer f.Close()
		body, mediaType = f, partType(fh)
	}

	counter := &countingReader{r: body}
	opts := node.AddOptions{MediaType: mediaType}
	if pin, err := strconv.ParseBool(c.DefaultQuery("pin", "true")); err == nil && !pin {
		opts.NoPin = true
	}
	root, err := a.n.Add(c.Request.Context(), counter, opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"Hash": root.String(), "Size": counter.n})
}

func partType(fh *multipart.FileHeader) string {
	if t := fh.Header.Get("Content-Type"); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (a *api) cat(c *gin.Context) {
	id, ok := cidParam(c)
	if !ok {
		return
	}
	rc, err := a.n.Cat(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	defer rc.Close()
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		_ = c.Error(err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
