package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/backend/memory"
	"github.com/sakif/supply-chalao/internal/backend/rest"
	"github.com/sakif/supply-chalao/internal/config"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/session"
	"github.com/sakif/supply-chalao/internal/web"
)

// Demo account seeded in --memory mode.
const (
	demoEmail    = "demo@supplychalao.local"
	demoPassword = "demo1234"
)

func newWebCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "web",
		Short: "Run the dashboard",
		Long: `Run the dashboard for a single viewer.

Without SUPABASE_URL and SUPABASE_ANON_KEY the dashboard still starts, shows
a setup banner and keeps sign-in disabled. --memory runs against an
in-process backend with a seeded demo account instead.`,
		RunE: runWeb,
	}
	cmd.Flags().String("addr", "", "listen address (default from WEB_ADDR, else 127.0.0.1:3000)")
	cmd.Flags().Bool("memory", false, "use an in-process backend instead of SUPABASE_URL")
	cmd.Flags().String("session-file", "", "persist the session here (default from SESSION_FILE)")
	return cmd
}

func runWeb(cmd *cobra.Command, args []string) error {
	var cfg config.Web
	if err := config.Parse(&cfg); err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr, _ = cmd.Flags().GetString("addr")
	}
	if cmd.Flags().Changed("session-file") {
		cfg.SessionFile, _ = cmd.Flags().GetString("session-file")
	}
	inMemory, _ := cmd.Flags().GetBool("memory")

	logger, err := newLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	be, configured, closeBackend, err := openBackend(cfg, inMemory, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	mgr := session.New(be, configured,
		session.WithLogger(logger),
		session.WithResolveTimeout(cfg.ResolveTimeout),
	)
	mgr.Start(cmd.Context())
	defer mgr.Close()

	srv, err := web.New(web.Config{Sessions: mgr, Backend: be, Logger: logger})
	if err != nil {
		return err
	}
	return srv.Run(cmd.Context(), cfg.Addr)
}

// openBackend picks the Data Backend. A nil backend with configured false
// means the settings are missing; the dashboard runs in setup mode.
func openBackend(cfg config.Web, inMemory bool, logger *slog.Logger) (backend.Backend, bool, func(), error) {
	if inMemory {
		b := memory.New()
		if _, err := b.CreateUser(demoEmail, demoPassword, map[string]any{model.MetaFullName: "Demo User"}); err != nil {
			b.Close()
			return nil, false, nil, fmt.Errorf("seeding demo account: %w", err)
		}
		logger.Info("in-memory backend ready",
			slog.String("email", demoEmail),
			slog.String("password", demoPassword),
		)
		return b, true, b.Close, nil
	}

	bcfg, err := config.LoadBackend()
	if err != nil {
		return nil, false, nil, err
	}
	if !bcfg.Configured() {
		return nil, false, func() {}, nil
	}
	c, err := rest.New(bcfg, rest.WithLogger(logger), rest.WithSessionFile(cfg.SessionFile))
	if err != nil {
		return nil, false, nil, err
	}
	logger.Info("using backend", slog.String("url", bcfg.URL))
	return c, true, c.Close, nil
}
