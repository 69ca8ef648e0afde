package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gobby/internal/config"
	"gobby/internal/gerrors"
)

func pidPath() (string, error) {
	home, err := config.Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "gobby.pid"), nil
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the gobby daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

func runDaemon(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	path, err := pidPath()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return gerrors.Internal("write pid file: %w", err)
	}
	defer os.Remove(path)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.srv.Run(gctx) })
	g.Go(func() error {
		d.flushLoop(gctx)
		return nil
	})
	go d.skills.watch(gctx)
	if d.cond.Autonomous() {
		if err := d.cond.Start(gctx); err != nil {
			d.logger.Warn("conductor autostart: %v", err)
		}
	}

	d.logger.Info("gobby %s ready on %s:%d", version, cfg.Daemon.Host, cfg.Daemon.Port)
	return g.Wait()
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pidPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return gerrors.NotFound("no pid file; daemon not running?")
			}
			pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return gerrors.ConstraintViolation("malformed pid file %s", path)
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return gerrors.NotFound("signal pid %d: %v", pid, err)
			}
			fmt.Printf("sent SIGTERM to pid %d\n", pid)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			c := api()
			start := time.Now()
			if err := c.get("/health", &out); err != nil {
				return err
			}
			out["latency"] = time.Since(start).Round(time.Millisecond).String()
			out["addr"] = c.base
			return printJSON(out)
		},
	}
}
