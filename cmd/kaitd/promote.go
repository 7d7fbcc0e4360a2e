package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaitd/kaitd/internal/daemon"
)

// promoteCmd forces one promotion tick against the on-disk stores without
// starting the HTTP surface.
var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Run one promotion/demotion pass and exit",
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
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		defer rt.Shutdown(ctx)

		return rt.Promotion.Tick(ctx)
	},
}
