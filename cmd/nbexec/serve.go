package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/nbexec/internal/history"
	"github.com/CZERTAINLY/nbexec/internal/log"
	"github.com/CZERTAINLY/nbexec/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve exposes chunk execution over HTTP",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("nbexec",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close(ctx)
	}()

	if a.db != nil && config.History.Prune != nil {
		janitor, err := history.NewJanitor(ctx, a.db, *config.History)
		if err != nil {
			return fmt.Errorf("history janitor: %w", err)
		}
		janitor.Start()
		defer func() {
			if err := janitor.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", config.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", config.Server.Listen, err)
	}
	return server.New(a.runner, a.bus, a.db).Serve(ctx, ln)
}
