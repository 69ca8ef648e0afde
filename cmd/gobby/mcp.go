package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"gobby/internal/config"
	"gobby/internal/mcpsurface"
)

// newMCPCmd serves the tool hub over stdio for MCP clients. The command
// wires the same component graph as the daemon against the shared
// database, so CLIs can use it without the HTTP surface.
func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve gobby tools over stdio (MCP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Logs must not pollute the stdio transport.
			cfg.Logging.Stderr = false

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := buildDaemon(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close()
			go d.flushLoop(ctx)

			srv := mcpsurface.NewServer(d.mcp, d.skills.current)
			return srv.Run(ctx, &mcp.StdioTransport{})
		},
	}
}
