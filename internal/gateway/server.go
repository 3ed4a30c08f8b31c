// Package gateway implements the relay: a small HTTP API for login and
// holdings plus a websocket endpoint that gives each browser or CLI client
// its own upstream tick session.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"portfolio-copilot/internal/broker"
	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/internal/resilience"
	"portfolio-copilot/internal/security"
	"portfolio-copilot/internal/stream"
)

const (
	_requestTokenField = "request_token"
	_shutdownTimeout   = 5 * time.Second
)

// UpstreamFactory creates the upstream transport for one downstream client.
type UpstreamFactory func() (stream.Transport, error)

// Config configures the relay server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	// Breaker guards holdings calls to the brokerage.
	Breaker resilience.CircuitBreakerConfig
}

// Server is the relay gateway.
type Server struct {
	broker   broker.Broker
	upstream UpstreamFactory
	cfg      Config
	logger   zerolog.Logger
	breaker  *resilience.CircuitBreaker

	mu      sync.Mutex
	clients map[string]*Client
}

// NewServer creates a relay server.
func NewServer(b broker.Broker, upstream UpstreamFactory, cfg Config, logger zerolog.Logger) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512 * 1024
	}
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = isUpstreamFailure
	}
	logger = logging.WithComponent(logger, "gateway")
	return &Server{
		broker:   b,
		upstream: upstream,
		cfg:      cfg,
		logger:   logger,
		breaker:  resilience.NewCircuitBreaker("holdings", cfg.Breaker, logger),
		clients:  make(map[string]*Client),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.cors())

	r.GET("/health", s.Health)

	auth := r.Group("/api/auth")
	auth.GET("/login-url", s.LoginURL)
	auth.POST("/exchange", s.Exchange)
	auth.POST("/logout", s.Logout)

	r.GET("/api/portfolio/holdings", s.Holdings)
	r.GET("/ws/stream", s.Stream)

	return r
}

// Run serves until ctx is cancelled, then closes every client.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.CloseClients()
	s.logger.Info().Msg("Gateway stopped")
	return err
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CloseClients disconnects every stream client.
func (s *Server) CloseClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// Health reports liveness and the state of the holdings upstream.
func (s *Server) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"clients":  s.ClientCount(),
		"holdings": s.breaker.Stats(),
	})
}

// LoginURL returns the brokerage login page URL.
func (s *Server) LoginURL(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"url": s.broker.LoginURL()})
}

type exchangeRequest struct {
	RequestToken string `json:"request_token"`
}

// Exchange trades the request token from the login redirect for a session.
func (s *Server) Exchange(ctx *gin.Context) {
	var req exchangeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil || req.RequestToken == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"detail": _requestTokenField + " is required"})
		return
	}

	if err := s.broker.CompleteLogin(ctx.Request.Context(), req.RequestToken); err != nil {
		detail := security.MaskString(err.Error())
		s.logger.Warn().Str("error", detail).Msg("Session exchange failed")
		ctx.JSON(http.StatusUnauthorized, gin.H{"detail": detail})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"ok":               true,
		"access_token_set": true,
		"user_id":          s.broker.UserID(),
		"login_time":       time.Now().Format(time.RFC3339),
	})
}

// Logout drops the brokerage session.
func (s *Server) Logout(ctx *gin.Context) {
	if err := s.broker.Logout(ctx.Request.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Logout failed")
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

// Holdings returns the current holdings.
func (s *Server) Holdings(ctx *gin.Context) {
	holdings, err := resilience.ExecuteWithResult(s.breaker, ctx.Request.Context(), func() ([]models.Holding, error) {
		return s.broker.Holdings(ctx.Request.Context())
	})
	if err != nil {
		if apperrors.Is(err, resilience.ErrCircuitOpen) {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"detail": "holdings upstream unavailable, retry later"})
			return
		}
		detail := security.MaskString(err.Error())
		if !apperrors.Is(err, apperrors.ErrNotAuthenticated) {
			s.logger.Warn().Str("error", detail).Msg("Holdings fetch failed")
		}
		ctx.JSON(http.StatusUnauthorized, gin.H{"detail": detail})
		return
	}
	ctx.JSON(http.StatusOK, holdings)
}

// Stream upgrades to a websocket and starts a relay client.
func (s *Server) Stream(ctx *gin.Context) {
	conn, _, _, err := ws.UpgradeHTTP(ctx.Request, ctx.Writer)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	upstream, err := s.upstream()
	if err != nil {
		s.logger.Warn().Err(err).Msg("No upstream for stream client")
		upstream = failedTransport{err: err}
	}

	client := newClient(conn, upstream, s.cfg.MaxMessageSize, s.logger, s.unregister)
	s.mu.Lock()
	s.clients[client.ID()] = client
	s.mu.Unlock()

	s.logger.Info().Str("client", client.ID()).Msg("Stream client connected")
	client.Start(context.Background())
}

// isUpstreamFailure reports whether err means the brokerage itself failed.
// Missing or expired logins are the caller's problem.
func isUpstreamFailure(err error) bool {
	return !apperrors.Is(err, apperrors.ErrNotAuthenticated) &&
		!apperrors.Is(err, apperrors.ErrSessionExpired) &&
		!errors.Is(err, context.Canceled)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.ID())
	s.mu.Unlock()
	s.logger.Info().Str("client", c.ID()).Msg("Stream client disconnected")
}

func (s *Server) cors() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = true
	}

	return func(ctx *gin.Context) {
		origin := ctx.GetHeader("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			h := ctx.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		s.logger.Debug().
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Int("status", ctx.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// failedTransport reports the factory error when the session starts, so
// the client sees an ERROR frame before the connection closes.
type failedTransport struct{ err error }

func (f failedTransport) Connect(ctx context.Context, h stream.TransportHandler) error {
	return apperrors.NewTransportError("dial", "upstream", f.err)
}

func (f failedTransport) Write([]byte) error { return f.err }

func (f failedTransport) Close() error { return nil }
