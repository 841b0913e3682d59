// Command veil replaces social media comments with calmer lines.
//
// Usage:
//
//	veil scan --url https://www.youtube.com/watch?v=x --in page.html --out veiled.html
//	veil watch --url https://www.youtube.com/watch?v=x          # commands on stdin
//	veil watch --url https://x.com/a/status/1 --mcp             # MCP over stdio
//	veil packs resolve core,motivational
//	veil drift --limit 20
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/commentveil/config"
)

const version = "0.1.0"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "veil",
		Short:         "Veil social media comments behind calmer lines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			a.cfg = cfg
			a.logger = cfg.Log.Logger(cmd.ErrOrStderr())
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to veil.yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newScanCmd(a), newWatchCmd(a), newPacksCmd(a), newDriftCmd(a))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("veil: fatal", "error", err)
		stop()
		os.Exit(1)
	}
}
