// Package server implements the connection driver (spec component C10): a
// single WebSocket upgrade endpoint, one ContextSwitch and Distributor per
// connection with one MediaEventScheduler per conversation, and the wire
// framing described in spec §6.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/audioknife/internal/billing"
	"github.com/rapidaai/audioknife/internal/config"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the broker over WebSocket. One Registry and one
// BillingCollector are shared across every connection; the Registry is
// read-only after startup (spec §5), while the collector is updated by
// every connection's conversations.
type Server struct {
	registry      *core.Registry
	collector     *billing.Collector
	shutdownGrace time.Duration
	logger        logging.Logger
}

// New builds a Server. registry must already have every adapter added;
// adding services once Handler is serving requests is a race.
func New(cfg config.Config, registry *core.Registry, collector *billing.Collector, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	grace := cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &Server{registry: registry, collector: collector, shutdownGrace: grace, logger: logger}
}

// Handler returns the HTTP handler exposing the single /ws upgrade
// endpoint (spec §6).
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", s.serveWS)
	return engine
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorf("server: websocket upgrade failed: %v", err)
		return
	}

	bridgeEnvelope := c.Query("bridge") == "1" || c.Query("bridge") == "true"
	newConnection(c.Request.Context(), conn, s.registry, s.collector, s.shutdownGrace, bridgeEnvelope, s.logger).run()
}
