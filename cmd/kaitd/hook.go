package main

import (
	"context"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/kaitd/kaitd/internal/hook"
	"github.com/kaitd/kaitd/internal/ingest"
)

var (
	hookKind    string
	hookBaseURL string
)

// hookCmd is the agent-runtime hook entry point: one event on stdin,
// POSTed to the running daemon, exit 0. The same binary serves every hook
// kind; the runtime passes --kind or sets it in the payload.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Read one event from stdin and POST it to the ingest daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		token, err := ingest.ResolveToken(cfg.TokenFilePath())
		if err != nil {
			return err
		}

		baseURL := goutils.Env("KAITD_URL", hookBaseURL)
		if baseURL == "" {
			baseURL = "http://" + cfg.Ingest.Addr()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return hook.NewClient(baseURL, token).Run(ctx, os.Stdin, hookKind)
	},
}

func init() {
	hookCmd.Flags().StringVar(&hookKind, "kind", "", "override the event kind (pre_tool, post_tool, post_tool_failure, user_prompt)")
	hookCmd.Flags().StringVar(&hookBaseURL, "url", "", "daemon base URL (default http://<ingest.listen>)")
}
