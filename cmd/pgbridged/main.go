// pgbridged bridges Postgres NOTIFY events to Server-Sent Events. It opens
// one LISTEN session per configured database, routes notifications to
// logical channels and fans them out to SSE subscribers over HTTP.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgbridge/pgbridge/internal/api"
	"github.com/pgbridge/pgbridge/internal/broadcast"
	"github.com/pgbridge/pgbridge/internal/config"
	"github.com/pgbridge/pgbridge/internal/dispatch"
	"github.com/pgbridge/pgbridge/internal/listener"
	"github.com/pgbridge/pgbridge/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// subscribeQueueSize bounds how many subscribers a single broadcaster shard
// can have waiting while a broadcast cycle is in flight.
const subscribeQueueSize = 64

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		confPath  string
		verbosity int
		checkOnly bool
	)

	cmd := &cobra.Command{
		Use:           "pgbridged --conf <path>",
		Short:         "Bridge Postgres NOTIFY events to Server-Sent Events",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(verbosity)
			return run(cmd.Context(), confPath, checkOnly)
		},
	}

	cmd.Flags().StringVar(&confPath, "conf", "", "path to the TOML configuration file")
	_ = cmd.MarkFlagRequired("conf")
	cmd.Flags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "validate the configuration and exit")

	return cmd
}

// setupLogging installs a JSON slog handler that enriches records with the
// request id when one is in the context.
func setupLogging(verbosity int) {
	level := slog.LevelInfo
	if verbosity >= 1 {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(api.NewContextHandler(base)))
}

func run(ctx context.Context, confPath string, checkOnly bool) error {
	settings, err := config.Load(confPath)
	if err != nil {
		slog.Error("failed to load config", "path", confPath, "error", err)
		return err
	}
	if checkOnly {
		fmt.Printf("%s: configuration OK (%d channels)\n", confPath, len(settings.Channels))
		return nil
	}
	slog.Info("config loaded", "path", confPath, "channels", len(settings.Channels))

	tlsFiles := settings.TLSFiles()
	if tlsFiles != nil {
		if err := tlsFiles.Validate(); err != nil {
			slog.Error("invalid postgres_tls configuration", "error", err)
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mc := metrics.New()
	pool := listener.NewPool(settings.EventsBufferSize, tlsFiles, mc)
	topic := dispatch.NewTopic[dispatch.Event]()

	specs := make([]dispatch.ChannelSpec, 0, len(settings.Channels))
	for _, c := range settings.Channels {
		specs = append(specs, dispatch.ChannelSpec{
			ID:               c.ID,
			AllowedEvents:    c.AllowedEvents,
			ConnectionString: c.ConnectionString,
		})
	}

	dispatcher, err := dispatch.Connect(ctx, pool, specs, topic, settings.ReconnectInterval(), mc)
	if err != nil {
		slog.Error("failed to open listener sessions", "error", err)
		return err
	}
	slog.Info("listener pool ready", "sessions", pool.Size(), "channels", len(specs))

	group := broadcast.NewGroup(
		topic,
		dispatcher.SubscriptionIDs(),
		settings.Server.NumWorkers,
		settings.WorkerBufferSize,
		subscribeQueueSize,
		mc,
	)

	go dispatcher.Run(ctx)
	go group.Run(ctx)

	// Periodic stats summary for operators tailing the logs.
	statsCron := cron.New()
	if _, err := statsCron.AddFunc("@every 60s", func() {
		open := 0
		for _, info := range pool.Snapshot() {
			if !info.Closed {
				open++
			}
		}
		slog.Info("stats", "sessions", pool.Size(), "open_sessions", open, "clients", group.ClientCount())
	}); err != nil {
		slog.Error("failed to schedule stats job", "error", err)
	} else {
		statsCron.Start()
		defer statsCron.Stop()
	}

	limits := api.DefaultSSELimits()
	limits.MaxPerIP = settings.Server.MaxSSEPerIP
	limits.MaxGlobal = settings.Server.MaxSSEGlobal

	srv := &api.Server{
		Events:     group,
		Pool:       pool,
		Metrics:    mc.Handler(),
		Title:      settings.Server.Title,
		SSELimiter: api.NewSSELimiter(limits),
	}
	router := api.NewRouter(srv)

	httpServer := &http.Server{
		Addr:              settings.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	errCh := make(chan error, 1)
	if settings.Server.SSLEnabled {
		go func() {
			errCh <- httpServer.ListenAndServeTLS(settings.Server.SSLCertFile, settings.Server.SSLKeyFile)
		}()
		slog.Info("starting pgbridged (HTTPS)", "addr", settings.Server.Listen, "workers", settings.Server.NumWorkers)
	} else {
		go func() {
			errCh <- httpServer.ListenAndServe()
		}()
		slog.Info("starting pgbridged", "addr", settings.Server.Listen, "workers", settings.Server.NumWorkers)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			return err
		}
	}

	// Graceful shutdown: drain HTTP connections, then stop the pipeline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	cancel()
	pool.Close(shutdownCtx)

	slog.Info("pgbridged shutdown complete")
	return nil
}
