package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/NotCoffee418/gate_bridge/pkg/framecodec"
	"github.com/NotCoffee418/gate_bridge/pkg/link"
	"github.com/NotCoffee418/gate_bridge/pkg/netprobe"
	"github.com/NotCoffee418/gate_bridge/pkg/observability"
	"github.com/NotCoffee418/gate_bridge/pkg/portlist"
	"github.com/NotCoffee418/gate_bridge/pkg/upstream"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const ServiceName = "gate_bridge"

type Gateway interface {
	Mode() string
	OpenGate(ctx context.Context) (framecodec.Frame, error)
	ChangeGatePort(ctx context.Context, port string) error
	Links() []link.Snapshot
}

type LoopNotifier interface {
	LoopEvent(ctx context.Context, event upstream.LoopEvent) (upstream.Result, error)
}

type Prober interface {
	Probe(ctx context.Context, host string) netprobe.Result
}

type Deps struct {
	Gateway  Gateway
	Upstream LoopNotifier
	Ports    portlist.Lister
	Prober   Prober
	// Host probed by /upstream/ping.
	UpstreamHost string
	// Websocket handler for /ws; the route is skipped when nil.
	Feed http.HandlerFunc

	// Empty allows every origin.
	CorsOrigins []string
	Logger      zerolog.Logger
}

// Server is the operator HTTP surface of one gateway.
type Server struct {
	deps    Deps
	log     zerolog.Logger
	router  *gin.Engine
	started time.Time
	srv     *http.Server
}

func gateMode(g Gateway) string {
	if g == nil {
		return "none"
	}
	return g.Mode()
}

func New(d Deps) *Server {
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	mode := gateMode(d.Gateway)
	r.Use(observability.RequestLogger(d.Logger, mode))
	r.Use(observability.RequestMetricsMiddleware(mode))
	r.Use(cors.New(corsConfig(d.CorsOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		deps:    d,
		log:     d.Logger.With().Str("component", "api").Logger(),
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("starting http server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
