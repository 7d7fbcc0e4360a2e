package main

import (
	"github.com/spf13/cobra"

	"github.com/kaitd/kaitd/internal/daemon"
	"github.com/kaitd/kaitd/internal/mcpserver"
)

// mcpCmd serves the advisory engine over MCP stdio for agent runtimes
// that speak the protocol natively.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve get_advice as an MCP tool over stdio",
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := newLogger()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}

		name := "kaitd"
		if cfg.MCP != nil {
			name = cfg.MCP.ServerName()
		}
		s := mcpserver.New(name, rt.Advisory, logger)
		return mcpserver.ServeStdio(s)
	},
}
