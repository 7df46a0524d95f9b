package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jkatigb/storai-app/internal/api"
	"github.com/jkatigb/storai-app/internal/config"
	"github.com/jkatigb/storai-app/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "storai",
	Short: "Staged children's story generation service",
	// 不带子命令时直接启动服务
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, logCloser, err := config.InitLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go workflow.RunJanitor(janitorCtx, a.sessions, time.Minute, func(n int) {
		logger.WithField("expired", n).Info("expired idle sessions")
	})

	router := api.NewRouter(api.NewHandler(a.machine, a.dispatcher, a.cache, a.sessions, logger))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"port": cfg.Port, "mock": cfg.ArkMock}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
