package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/agents"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/dispatch"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/memory"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/server"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the agents over HTTP",
	Long: `Serve the agent directory on POST /invoke (buffered JSON) and
POST /invoke/stream (text fragments), plus /health, /health/live,
/health/ready and /metrics.

The agents are built on the first request or readiness probe.
Press Ctrl+C to gracefully shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	log.Printf("Starting agentbridge server v%s", Version)
	log.Printf("Config: %q, model provider: %s, memory: %s", configFile, cfg.Model.Provider, cfg.Memory.Backend)

	shutdown, err := startTelemetry(cfg.Observability)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := &hostedStore{}
	lazy := dispatch.NewLazy(func(ctx context.Context) (*dispatch.Directory, error) {
		start := time.Now()
		dir, st, err := agents.Build(ctx, cfg)
		if err != nil {
			log.Printf("agent directory build failed: %v", err)
			return nil, err
		}
		store.set(st)
		log.Printf("agent directory ready with %d agents in %s", len(dir.Agents()), time.Since(start))
		return dir, nil
	})
	defer store.close()

	srv := server.New(cfg.Server, lazy, server.WithHealthCheck(store.healthCheck(cfg.Memory)))
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	log.Println("Server stopped")
	return nil
}

// pinger is implemented by stores backed by a remote service.
type pinger interface {
	Ping(ctx context.Context) error
}

// hostedStore holds the memory store once the directory has created it.
type hostedStore struct {
	mu    sync.Mutex
	store memory.Store
}

func (h *hostedStore) set(s memory.Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = s
}

func (h *hostedStore) get() memory.Store {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store
}

func (h *hostedStore) close() {
	if s := h.get(); s != nil {
		if err := s.Close(); err != nil {
			log.Printf("memory store close: %v", err)
		}
	}
}

// healthCheck reports a remote memory backend as degraded when it cannot be
// reached. Until the directory is built there is nothing to check.
func (h *hostedStore) healthCheck(cfg config.MemoryConfig) observability.HealthCheck {
	return observability.HealthCheck{
		Name:    "memory:" + cfg.Backend,
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			if p, ok := h.get().(pinger); ok {
				return p.Ping(ctx)
			}
			return nil
		},
	}
}
