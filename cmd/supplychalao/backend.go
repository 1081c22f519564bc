package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sakif/supply-chalao/internal/config"
	"github.com/sakif/supply-chalao/internal/server"
)

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the self-hosted Data Backend",
		Long: `Run the Data Backend: email/password auth with refreshable sessions, the
orders, messages and settings tables with per-user ownership, and a
WebSocket change feed.

Requires JWT_SECRET and SUPABASE_ANON_KEY. Data is kept in SQLite at DB_PATH.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Server
			if err := config.Parse(&cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port, _ = cmd.Flags().GetInt("port")
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath, _ = cmd.Flags().GetString("db")
			}

			logger, err := newLogger(cmd, cfg.LogLevel)
			if err != nil {
				return err
			}
			srv, err := server.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating backend server: %w", err)
			}
			if err := srv.Run(cmd.Context()); err != nil {
				logger.Error("backend server error", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "port to listen on (default from PORT, else 54321)")
	cmd.Flags().String("db", "", "SQLite database path (default from DB_PATH)")
	return cmd
}
