package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewHealth answers GET /healthcheck with the node status snapshot.
func NewHealth(n Node, log *zap.Logger) *gin.Engine {
	r := newEngine(log)
	r.GET("/healthcheck", func(c *gin.Context) {
		st := n.Status()
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"peerCount":    st.PeerCount,
			"storedBlocks": st.StoredBlocks,
			"uptime":       st.Uptime.String(),
		})
	})
	return r
}
