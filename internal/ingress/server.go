package ingress

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/cmux-dev/gateway/internal/api/middleware"
	"github.com/cmux-dev/gateway/internal/infrastructure/config"
	"github.com/cmux-dev/gateway/internal/infrastructure/logging"
	"github.com/cmux-dev/gateway/internal/infrastructure/monitoring"
	"github.com/cmux-dev/gateway/internal/infrastructure/tracing"
	"github.com/cmux-dev/gateway/internal/routing"
)

// Server wraps the gin engine and the proxy dependencies.
type Server struct {
	cfg      config.IngressConfig
	router   *gin.Engine
	proxy    *Proxy
	log      *logging.Logger
	metrics  *monitoring.Metrics
	httpSrv  *http.Server
	fallback *http.Server
}

// NewServer creates an ingress server from configuration.
func NewServer(cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics) *Server {
	resolver := routing.New(cfg.Resolver)
	proxy := NewProxy(cfg.Ingress, resolver, log.Named("proxy"), metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.Middleware())
	router.Use(monitoring.Middleware(metrics))

	handlers := NewHandlers()
	own := router.Group("/", middleware.CORS(middleware.DefaultCORSConfig()))
	own.GET("/healthz", handlers.Health)
	own.GET("/__debug/headers", handlers.DebugHeaders)
	own.GET("/__version", handlers.Version)
	own.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	// Everything that is not an own endpoint is proxied.
	router.NoRoute(proxy.Handle)

	return &Server{
		cfg:     cfg.Ingress,
		router:  router,
		proxy:   proxy,
		log:     log,
		metrics: metrics,
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the listener and blocks until the server stops. When ACME hosts
// are configured the server terminates TLS via autocert and runs a plain HTTP
// fallback listener for the HTTP-01 challenge; otherwise it serves plain HTTP.
func (s *Server) Run() error {
	addr := s.cfg.Host + ":" + s.cfg.Port

	if len(s.cfg.ACMEHosts) > 0 {
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.ACMEHosts...),
			Cache:      autocert.DirCache(s.cfg.ACMECacheDir),
		}

		s.fallback = &http.Server{
			Addr:              ":80",
			Handler:           manager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.fallback.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Warn("acme fallback listener stopped", zap.Error(err))
			}
		}()

		s.httpSrv = &http.Server{
			Addr:      addr,
			Handler:   s.router,
			TLSConfig: manager.TLSConfig(),
		}
		s.log.Info("ingress listening with ACME TLS",
			zap.String("addr", addr),
			zap.Strings("hosts", s.cfg.ACMEHosts))
		return s.httpSrv.ListenAndServeTLS("", "")
	}

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.log.Info("ingress listening", zap.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.fallback != nil {
		_ = s.fallback.Shutdown(ctx)
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
