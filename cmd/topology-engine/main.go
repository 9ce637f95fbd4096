package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/chiwei-platform/topology-engine/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "topology-engine",
		Short:         "Compile application descriptors into deployable unit topologies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			return setupLogging(cfg)
		},
	}
)

func init() {
	rootCmd.AddCommand(planCmd, applyCmd, serveCmd, previewCmd)
}

func setupLogging(c *config.Config) error {
	level, err := c.SlogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch c.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
