package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webpeel/webpeel/internal/metrics"
)

// newServeCmd creates the 'serve' subcommand: warms the browser pool and
// exposes the operational HTTP endpoint until interrupted.
func newServeCmd() *cobra.Command {
	var skipWarmup bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the engine as a long-lived process with ops endpoints",
		Long: `Warms the browser pool and serves /healthz and /metrics on the
configured ops port. The engine stays resident so embedding processes and
sidecar probes can observe it. Terminates on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd, skipWarmup)
		},
	}

	cmd.Flags().BoolVar(&skipWarmup, "skip-warmup", false, "do not pre-launch the browser pool")

	return cmd
}

func runServeCommand(cmd *cobra.Command, skipWarmup bool) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipWarmup {
		if err := appInstance.engine.Warmup(); err != nil {
			logger.Warn("browser pool warmup failed, continuing without pre-warmed pages", zap.Error(err))
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", appInstance.cfg.Ops.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops server started", zap.Int("port", appInstance.cfg.Ops.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
