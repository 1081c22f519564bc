package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "supplychalao",
		Short: "Supply chain dashboard with live orders and team messages",
		Long: `supplychalao serves a small supply chain dashboard: orders, team messages
and per-user settings, kept live through a realtime change feed.

The dashboard needs a Data Backend. Point SUPABASE_URL and SUPABASE_ANON_KEY
at one, run "supplychalao backend" to host one yourself, or pass --memory to
keep everything in process.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error (default from LOG_LEVEL)")

	root.AddCommand(newBackendCmd(), newWebCmd())
	return root
}

// newLogger builds the process logger. The flag wins over the env value.
func newLogger(cmd *cobra.Command, envLevel string) (*slog.Logger, error) {
	level := envLevel
	if flag, _ := cmd.Root().PersistentFlags().GetString("log-level"); flag != "" {
		level = flag
	}
	var l slog.Level
	if level != "" {
		if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q", level)
		}
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})), nil
}
