package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
)

// statusCmd queries a running daemon's /status endpoint.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the running daemon's status JSON",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		base := goutils.Env("KAITD_URL", "http://"+cfg.Ingest.Addr())
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(base + "/status")
		if err != nil {
			return fmt.Errorf("daemon unreachable: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	},
}
