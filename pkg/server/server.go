// Package server assembles the analyst service from configuration.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	err = srv.Run(ctx) // blocks until ctx is canceled
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/analyst/internal/api"
	"github.com/agentoven/analyst/internal/api/handlers"
	"github.com/agentoven/analyst/internal/api/middleware"
	"github.com/agentoven/analyst/internal/completion"
	"github.com/agentoven/analyst/internal/config"
	"github.com/agentoven/analyst/internal/conversation"
	"github.com/agentoven/analyst/internal/executor"
	"github.com/agentoven/analyst/internal/research"
	"github.com/agentoven/analyst/internal/sandbox"
	"github.com/agentoven/analyst/internal/sessions"
	"github.com/agentoven/analyst/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// Components are the wired services shared by the HTTP server and the CLI.
type Components struct {
	Config       *config.Config
	Policy       config.Policy
	Executor     *executor.Executor
	Fetcher      *research.Fetcher
	Sandboxes    *sandbox.Registry
	Sessions     *sessions.Store
	Conversation *conversation.Service
}

// Build wires the analysis pipeline without any HTTP surface.
func Build(cfg *config.Config) (*Components, error) {
	policy, err := config.LoadPolicy(cfg.Agent.PolicyFile)
	if err != nil {
		return nil, err
	}

	llm := completion.NewClient(cfg.Completion.APIKey, cfg.Completion.BaseURL, cfg.Completion.Timeout)
	sb := sandbox.NewClient(cfg.Sandbox.APIKey, cfg.Sandbox.APIURL, cfg.Sandbox.Domain)
	reg := sandbox.NewRegistry()

	exec := executor.New(llm, sb, reg, policy, executor.OptionsFromConfig(cfg))
	fetcher := research.NewFetcher(sb, llm, reg, research.Options{
		SearchKey:       cfg.Research.ExaAPIKey,
		Model:           cfg.Completion.ResearchModel,
		Prompt:          policy.ResearchPrompt,
		SandboxLifetime: cfg.Research.SandboxLifetime,
		CreateTimeout:   cfg.Sandbox.CreateTimeout,
	})
	store := sessions.NewStore(cfg.Sessions.TTL)

	if err := exec.Validate(); err != nil {
		log.Warn().Err(err).Msg("⚠️  Analysis runs will fail until credentials are configured")
	}
	if !fetcher.Enabled() {
		log.Info().Msg("🔕 External context disabled (no research credential)")
	}

	return &Components{
		Config:       cfg,
		Policy:       policy,
		Executor:     exec,
		Fetcher:      fetcher,
		Sandboxes:    reg,
		Sessions:     store,
		Conversation: conversation.NewService(store, exec, fetcher),
	}, nil
}

// Server is the HTTP service with its background workers.
type Server struct {
	*Components

	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler
	Port    int

	janitor      *sessions.Janitor
	limiter      *middleware.RateLimiter
	shutdownFunc func(context.Context) error
}

// New builds the full server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	c, err := Build(cfg)
	if err != nil {
		shutdown(ctx)
		return nil, err
	}
	log.Info().Dur("ttl", cfg.Sessions.TTL).Msg("✅ Session store initialized")

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	h := handlers.New(c.Conversation, cfg.Server.MaxDatasetBytes)

	return &Server{
		Components:   c,
		Handler:      api.NewRouter(cfg, h, limiter),
		Port:         cfg.Port,
		janitor:      sessions.NewJanitor(c.Sessions, cfg.Sessions.SweepInterval),
		limiter:      limiter,
		shutdownFunc: shutdown,
	}, nil
}

// Run serves HTTP and runs the background workers until ctx is canceled or
// one of them fails, then shuts everything down and releases any sandbox
// still alive.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// A turn waits for the whole analysis run.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", s.Port).Msg("🔥 Analyst is ready")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.janitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.Close()
	return err
}

// Close releases live sandboxes and flushes telemetry.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Sandboxes.ReleaseAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Some sandboxes could not be released")
	}
	if err := s.shutdownFunc(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}
