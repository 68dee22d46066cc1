package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/chosenoffset/activedoc/pkg/activedoc"
	"github.com/chosenoffset/activedoc/pkg/activedoc/dashboard"
	"github.com/chosenoffset/activedoc/pkg/activedoc/metrics"
	"github.com/chosenoffset/activedoc/pkg/activedoc/watcher"
)

var (
	port    int
	noWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [workspace]",
	Short: "Watch the workspace and stream rule results over WebSocket",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "WebSocket port (default from config)")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the workspace for saves")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, args)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		a.cfg.Server.Port = port
	}
	if noWatch {
		a.cfg.Watcher.Enabled = false
	}
	if a.cfg.Limits.MaxMemory > 0 {
		a.cfg.Limits.ApplyMemoryLimit()
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := metrics.InitTracing(ctx, metrics.TracingConfig{
		Exporter: a.cfg.Tracing.Exporter,
		Endpoint: a.cfg.Tracing.Endpoint,
		Insecure: a.cfg.Tracing.Insecure,
		Writer:   cmd.ErrOrStderr(),
		Version:  version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("flush traces", "error", err)
		}
	}()

	hub := dashboard.NewHub(a.logger)
	engine := activedoc.NewEngine(a.ws, a.ev, hub, activedoc.EngineOptions{
		RuleTable: a.cfg.RuleTable,
		Notifier:  dashboard.NewNotifier(hub, a.logger),
		Logger:    a.logger,
	})

	server := dashboard.NewServer(hub, dashboard.Options{
		Port:           a.cfg.Server.Port,
		MaxClients:     a.cfg.Server.MaxClients,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		ConnectRate:    a.cfg.Server.ConnectRate,
		ConnectBurst:   a.cfg.Server.ConnectBurst,
		Logger:         a.logger,
	})
	server.SetRulesProvider(func() any { return engine.Rules() })

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	engine.Refresh(ctx)

	if a.cfg.Watcher.Enabled {
		w, err := watcher.New(a.ws.Root(), watcher.SaveHandler(engine), watcher.Options{
			Debounce: a.cfg.Watcher.Debounce,
			Ignore:   a.cfg.Watcher.Ignore,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	a.logger.Info("activedoc started",
		"root", a.ws.Root(),
		"port", a.cfg.Server.Port,
		"rules", len(engine.Rules()))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
