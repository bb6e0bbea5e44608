// Package server exposes the chainhook webhook, health and metrics endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"whalewatch/internal/chainhook"
	"whalewatch/internal/config"
	"whalewatch/internal/dispatch"
)

// WebhookPath is where chainhook posts block events.
const WebhookPath = "/api/webhooks/chainhook"

// Submitter hands a raw event body to background processing.
type Submitter interface {
	Submit(raw []byte) error
}

// RequestRecorder counts webhook outcomes.
type RequestRecorder interface {
	WebhookRequest(result string)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options carry the collaborators of a Server.
type Options struct {
	Submitter Submitter
	Recorder  RequestRecorder
	Metrics   http.Handler
	Checks    map[string]HealthCheck
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg    config.ServerConfig
	token  string
	opts   Options
	engine *gin.Engine
	logger zerolog.Logger
}

// New builds the router.
func New(cfg config.ServerConfig, webhook config.WebhookConfig, opts Options, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		token:  webhook.AuthToken,
		opts:   opts,
		engine: gin.New(),
		logger: logger.With().Str("component", "http").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.POST(WebhookPath, s.handleChainhook)
	s.engine.GET("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.BindAddr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.BindAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) handleChainhook(c *gin.Context) {
	if !s.authorized(c.Request) {
		s.record("unauthorized")
		s.logger.Warn().Str("remote", c.ClientIP()).Msg("webhook rejected: bad token")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	body, err := s.readBody(c)
	if err != nil {
		s.record("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if !json.Valid(body) {
		s.record("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON"})
		return
	}

	if err := s.opts.Submitter.Submit(body); err != nil {
		switch {
		case errors.Is(err, chainhook.ErrInvalidPayload):
			s.record("invalid")
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "payload must be a JSON object"})
		case errors.Is(err, dispatch.ErrRunnerClosed):
			s.record("unavailable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "shutting down"})
		case errors.Is(err, dispatch.ErrRunnerBusy):
			s.record("busy")
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "too many pending events"})
		default:
			s.record("error")
			s.logger.Error().Err(err).Msg("submit webhook event failed")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		}
		return
	}

	s.record("accepted")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Webhook received"})
}

func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("body exceeds %d bytes", limit)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// authorized accepts X-Auth-Token or a Bearer Authorization header when a
// token is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	candidates := []string{r.Header.Get("X-Auth-Token")}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, value, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			candidates = append(candidates, strings.TrimSpace(value))
		}
	}
	for _, got := range candidates {
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(gin.H, len(s.opts.Checks))
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	}
}

func (s *Server) record(result string) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.WebhookRequest(result)
	}
}
