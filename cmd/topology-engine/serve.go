package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/chiwei-platform/topology-engine/internal/adapter/http"
	"github.com/chiwei-platform/topology-engine/internal/config"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the redeploy watcher and the health monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}

	// 健康探测
	if cfg.ProbeMonitor {
		eng.health.Start(ctx)
		defer eng.health.Stop()
	}

	// 启动时应用 ASSEMBLY_FILE
	if cfg.AssemblyFile != "" {
		asm, err := config.LoadAssembly(cfg.AssemblyFile)
		if err != nil {
			return err
		}
		rev, _, err := eng.deploy.Apply(ctx, asm)
		if err != nil {
			slog.Error("initial apply failed", "assembly", asm.Name, "error", err)
		} else {
			slog.Info("initial apply done", "assembly", asm.Name, "revision", rev.ID)
		}
	}

	// Secret 变更触发重部署
	if eng.source != nil {
		go func() {
			if err := eng.redeploy.Run(ctx, eng.source); err != nil {
				slog.Error("change watcher error", "mode", cfg.SecretWatch, "error", err)
			}
		}()
	} else {
		slog.Info("secret watch disabled")
	}

	// HTTP 路由
	handler := httpadapter.NewRouter(
		httpadapter.NewUnitHandler(eng.catalog, eng.deploy, eng.health, eng.redeploy, eng.logs),
		httpadapter.NewRevisionHandler(eng.deploy),
		eng.registry,
		cfg.APIToken,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	return nil
}
