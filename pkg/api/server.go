// Package api is the HTTP surface: webhook ingress, dispatch inspection,
// health and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kevin-mind/nopo-steward/pkg/database"
	"github.com/kevin-mind/nopo-steward/pkg/router"
	"github.com/kevin-mind/nopo-steward/pkg/store"
)

// Router classifies events; the orchestrator satisfies it.
type Router interface {
	Route(ev *router.Event) router.Decision
}

// Enqueuer persists routed dispatches; queue.Service satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, dec router.Decision, rawEvent json.RawMessage) (*store.Dispatch, error)
}

// DispatchReader reads dispatch records; the store satisfies it.
type DispatchReader interface {
	Get(ctx context.Context, id string) (*store.Dispatch, error)
	List(ctx context.Context, f store.ListFilter) ([]*store.Dispatch, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Config holds the listen address and webhook verification secret.
type Config struct {
	Host string
	Port int
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables verification;
	// only acceptable behind an authenticating proxy.
	WebhookSecret string
}

// Server is the HTTP server.
type Server struct {
	cfg        Config
	router     Router
	queue      Enqueuer
	dispatches DispatchReader
	db         *database.Client
	httpSrv    *http.Server
	log        *slog.Logger
}

// NewServer wires the handlers. db may be nil in tests; health then reports
// only the API itself.
func NewServer(cfg Config, rt Router, q Enqueuer, dr DispatchReader, db *database.Client) *Server {
	s := &Server{
		cfg:        cfg,
		router:     rt,
		queue:      q,
		dispatches: dr,
		db:         db,
		log:        slog.Default().With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery())

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/events", s.handleEvent)
		v1.GET("/health", s.handleHealth)
		v1.GET("/dispatches", s.handleListDispatches)
		v1.GET("/dispatches/:id", s.handleGetDispatch)
		v1.POST("/dispatches", s.handleCreateDispatch)
	}
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for httptest.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Metrics scrapes would drown the log.
		if c.Request.URL.Path == "/metrics" {
			return
		}
		s.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
