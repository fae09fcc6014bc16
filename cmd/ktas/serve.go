package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	goktas "github.com/bbiangul/go-ktas"
)

type serveOptions struct {
	addr        string
	apiKey      string
	corsOrigins string
	warm        bool
}

func serveCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP triage API",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := root.newEngine(true)
			if err != nil {
				return err
			}
			defer engine.Close()

			if opts.apiKey == "" {
				opts.apiKey = os.Getenv("KTAS_API_KEY")
			}
			if opts.corsOrigins == "" {
				opts.corsOrigins = os.Getenv("KTAS_CORS_ORIGINS")
			}
			if opts.warm {
				if _, err := engine.BuildIndex(cmd.Context()); err != nil {
					return err
				}
			}
			return runServer(engine, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "Bearer token required on API routes (default $KTAS_API_KEY)")
	cmd.Flags().StringVar(&opts.corsOrigins, "cors-origins", "", "Allowed CORS origins (default $KTAS_CORS_ORIGINS)")
	cmd.Flags().BoolVar(&opts.warm, "warm", true, "Open or build the index before accepting requests")
	return cmd
}

func newRouter(engine goktas.Engine, opts *serveOptions, reg *prometheus.Registry) http.Handler {
	h := newHandler(engine, newMetrics(reg))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(logMiddleware)
	r.Use(corsMiddleware(opts.corsOrigins))

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(opts.apiKey))
		r.Use(h.metrics.instrument)

		r.Post("/assess", h.handleAssess)
		r.Get("/assessments", h.handleRecentAssessments)
		r.Get("/index", h.handleIndexInfo)
		r.Post("/index/rebuild", h.handleRebuild)
	})
	return r
}

func runServer(engine goktas.Engine, opts *serveOptions) error {
	reg := prometheus.NewRegistry()
	srv := &http.Server{
		Addr:         opts.addr,
		Handler:      newRouter(engine, opts, reg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // index rebuilds can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", opts.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
	}
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return nil
}
