package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/Cotation/internal/api"
	"github.com/soaringjerry/Cotation/internal/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	_ = v.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.RequireSecret(); err != nil {
		return err
	}
	auth, err := middleware.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	mux := http.NewServeMux()
	api.NewRouter(store, logger).Register(mux)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"commit": commit, "build_time": buildTime})
	})

	// WithAuth sits outside AccessLog so the access log can record the caller.
	handler := auth.WithAuth(
		middleware.AccessLog(logger)(
			middleware.CORS(cfg.CORSOrigins)(
				middleware.SecureHeaders(
					middleware.NoStore(mux)))))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("cotation server listening", zap.String("addr", cfg.Addr), zap.String("commit", commit))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
