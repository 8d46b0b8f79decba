package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arbiterhealth/arbiter/internal/config"
	"github.com/arbiterhealth/arbiter/internal/queue"
	"github.com/arbiterhealth/arbiter/internal/server"
)

var (
	servePort      int
	serveRateLimit float64
	serveRateBurst int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review API server and worker pool",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().Float64Var(&serveRateLimit, "rate-limit", 10, "per-key requests per second (0 disables)")
	serveCmd.Flags().IntVar(&serveRateBurst, "rate-burst", 20, "per-key burst size")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> principal from ARBITER_API_KEYS
// (comma-separated; each entry key or key:principal).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		principal := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			principal = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = principal
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	pool := queue.NewPool(st.jobs, st.runs, st.controller, st.auditLog, cfg.Workers, cfg.MaxRetries, cfg.RunTimeout)
	pool.Start(ctx)
	defer pool.Stop()

	apiKeys := parseAPIKeys(os.Getenv("ARBITER_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("ARBITER_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(st.runs, st.jobs, st.auditLog, apiKeys,
		server.WithCaseService(st.cases),
		server.WithRateLimit(serveRateLimit, serveRateBurst),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("workers", cfg.Workers).
		Int("policies", st.catalog.Len()).
		Str("model", cfg.Model).
		Msg("arbiter_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
