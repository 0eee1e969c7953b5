// Package httpapi exposes the gateway's control surface over HTTP.
//
// Ownership boundary:
//   - owns routing, auth, and the error-to-status mapping
//   - delegates every session decision to the bridge gateway
//   - serves history reads and the live feed alongside, never writes them
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/danmuck/hermod/internal/auth"
	"github.com/danmuck/hermod/internal/bridge"
	"github.com/danmuck/hermod/internal/feed"
	"github.com/danmuck/hermod/internal/history"
	"github.com/danmuck/hermod/internal/observability"
)

// Gateway is the session control boundary the API serves.
type Gateway interface {
	Init(ctx context.Context, accountID string) (bridge.InitResult, error)
	Status(accountID string) (bridge.StatusResult, error)
	Send(ctx context.Context, accountID, destination, content string) (bridge.SendReceipt, error)
	EnsureOpen(accountID string) error
	Disconnect(ctx context.Context, accountID string) error
	Snapshot() []bridge.SessionInfo
}

// Config holds the API listener settings.
type Config struct {
	ListenAddr  string
	Instance    string
	CORSOrigins []string
	// Validator guards the /api routes. Nil falls back to AllowAll.
	Validator auth.Validator
}

// Server is the gateway's HTTP control surface.
type Server struct {
	cfg      Config
	gw       Gateway
	history  *history.Store
	feed     *feed.Broadcaster
	log      zerolog.Logger
	router   *gin.Engine
	appeared time.Time
}

// New builds the API server and registers its routes. history and feed
// may be nil; their routes then answer 404 and 503 respectively.
func New(cfg Config, gw Gateway, hist *history.Store, broadcaster *feed.Broadcaster, log zerolog.Logger) *Server {
	if cfg.Validator == nil {
		cfg.Validator = auth.AllowAll()
	}
	observability.RegisterMetrics()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(log))
	router.Use(observability.RequestMetricsMiddleware(cfg.Instance))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = router.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		gw:       gw,
		history:  hist,
		feed:     broadcaster,
		log:      log,
		router:   router,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API until ctx ends, then drains with a short timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if err := s.cfg.Validator.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// statusFor maps the bridge error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrPairingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, bridge.ErrAccountIDRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
