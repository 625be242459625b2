// Package server hosts the agent directory behind the two wire surfaces:
// POST /invoke answers with one JSON body, POST /invoke/stream answers with
// unframed text fragments flushed as the agent produces them.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/dispatch"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/security"
)

// Routes served for the two delivery modes.
const (
	PathInvoke       = "/invoke"
	PathInvokeStream = "/invoke/stream"
)

// errorFragmentPrefix starts the final fragment of a stream that failed after
// output was already sent.
const errorFragmentPrefix = "\n[error] "

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

// Server serves the agent directory over HTTP.
type Server struct {
	cfg        config.ServerConfig
	directory  *dispatch.Lazy
	health     *observability.HealthChecker
	limiter    *security.RateLimiter
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck registers an additional probe, for example the memory
// store.
func WithHealthCheck(check observability.HealthCheck) Option {
	return func(s *Server) { s.health.Register(check) }
}

// WithRateLimiter replaces the limiter derived from the configuration.
func WithRateLimiter(rl *security.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// New creates a server. The directory is built on the first request or the
// first readiness probe, whichever comes first.
func New(cfg config.ServerConfig, directory *dispatch.Lazy, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		cfg:       cfg,
		directory: directory,
		health:    observability.NewHealthChecker(),
		limiter:   security.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	s.health.Register(observability.HealthCheck{
		Name:     "directory",
		Critical: true,
		Timeout:  30 * time.Second,
		Check: func(ctx context.Context) error {
			_, err := directory.Get(ctx)
			return err
		},
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+PathInvoke, s.limiter.Middleware(http.HandlerFunc(s.handleInvoke)))
	mux.Handle("POST "+PathInvokeStream, s.limiter.Middleware(http.HandlerFunc(s.handleStream)))
	observability.Mount(mux, s.health)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go s.sweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	log.Printf("server: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep(10 * sweepInterval)
		}
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	req, err := s.decode(w, r)
	if err != nil {
		s.fail(w, PathInvoke, err)
		return
	}

	dir, err := s.directory.Get(r.Context())
	if err != nil {
		s.fail(w, PathInvoke, apperr.Wrap(apperr.KindInternal, err, "build directory"))
		return
	}

	start := time.Now()
	reply, err := dir.Dispatch(r.Context(), req)
	if err != nil {
		log.Printf("server: %s thread=%s failed after %s: %v", req.Agent, req.ThreadID, time.Since(start), err)
		s.fail(w, PathInvoke, err)
		return
	}

	writeJSON(w, http.StatusOK, reply)
	observability.RecordHTTPRequest(PathInvoke, strconv.Itoa(http.StatusOK))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, PathInvokeStream, apperr.New(apperr.KindInternal, "streaming not supported by response writer"))
		return
	}

	req, err := s.decode(w, r)
	if err != nil {
		s.fail(w, PathInvokeStream, err)
		return
	}

	dir, err := s.directory.Get(r.Context())
	if err != nil {
		s.fail(w, PathInvokeStream, apperr.Wrap(apperr.KindInternal, err, "build directory"))
		return
	}

	done := observability.StreamStarted()
	defer done()

	start := time.Now()
	started := false
	var sent int64
	err = dir.DispatchStream(r.Context(), req, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		if !started {
			started = true
			w.Header().Set("Content-Type", protocol.ContentTypeText)
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		}
		n, err := w.Write([]byte(chunk))
		if err != nil {
			return fmt.Errorf("client disconnected: %w", err)
		}
		sent += int64(n)
		flusher.Flush()
		observability.RecordFragment("server", n)
		return nil
	})

	switch {
	case err == nil && !started:
		// An empty answer is still a successful stream.
		w.Header().Set("Content-Type", protocol.ContentTypeText)
		w.WriteHeader(http.StatusOK)
	case err != nil && !started:
		log.Printf("server: stream %s thread=%s failed before output: %v", req.Agent, req.ThreadID, err)
		s.fail(w, PathInvokeStream, err)
		return
	case err != nil:
		log.Printf("server: stream %s thread=%s broke after %d bytes in %s: %v",
			req.Agent, req.ThreadID, sent, time.Since(start), err)
		if r.Context().Err() == nil {
			_, _ = w.Write([]byte(errorFragmentPrefix + err.Error()))
			flusher.Flush()
		}
	}
	observability.RecordHTTPRequest(PathInvokeStream, strconv.Itoa(http.StatusOK))
}

// decode reads and validates the envelope under the body limit.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (protocol.Request, error) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return protocol.Request{}, apperr.Validation(protocol.InvalidRequestMessage,
				[]string{fmt.Sprintf("body: exceeds %d bytes", tooLarge.Limit)})
		}
		return protocol.Request{}, apperr.Validation(protocol.InvalidRequestMessage, []string{"body: " + err.Error()})
	}

	req, err := protocol.Decode(bytes.NewReader(data))
	if err != nil {
		return protocol.Request{}, err
	}
	if err := req.Validate(); err != nil {
		return protocol.Request{}, err
	}
	return req, nil
}

// fail writes the JSON error body matching the error kind.
func (s *Server) fail(w http.ResponseWriter, path string, err error) {
	code := http.StatusInternalServerError
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindValidation {
		code = http.StatusBadRequest
		details := e.Details
		if details == nil {
			details = []string{e.Message}
		}
		writeJSON(w, code, protocol.ValidationFailure{Message: protocol.InvalidRequestMessage, Errors: details})
	} else {
		writeJSON(w, code, protocol.InternalFailure{Message: protocol.InternalErrorMessage, Error: err.Error()})
	}
	observability.RecordHTTPRequest(path, strconv.Itoa(code))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
