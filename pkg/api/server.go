package api

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Addr           string
	JWTSecret      []byte
	RateLimitRPS   int
	RateLimitBurst int
	Idempotency    IdempotencyStore
}

// Handler assembles the full middleware chain around the route table.
func (s *Server) Handler(cfg ServerConfig) http.Handler {
	var h http.Handler = s.Routes()
	if cfg.Idempotency != nil {
		h = IdempotencyMiddleware(cfg.Idempotency)(h)
	}
	h = AuthMiddleware(NewJWTValidator(cfg.JWTSecret))(h)
	if cfg.RateLimitRPS > 0 {
		h = NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(h)
	}
	h = RequestLogger(s.log)(h)
	h = RequestID(h)
	return h
}

// ListenAndServe runs the server until the context is cancelled, then drains
// connections. WriteTimeout stays unset so SSE connections are not cut.
func (s *Server) ListenAndServe(ctx context.Context, cfg ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("operator api listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.log.Info("operator api stopped")
	return nil
}
