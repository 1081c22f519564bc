package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"backend", "web"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		env     string
		want    slog.Level
		wantErr bool
	}{
		{name: "default is info", want: slog.LevelInfo},
		{name: "env level", env: "debug", want: slog.LevelDebug},
		{name: "flag overrides env", flag: "error", env: "debug", want: slog.LevelError},
		{name: "invalid", env: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, _, err := newRootCmd().Find([]string{"web"})
			require.NoError(t, err)
			if tt.flag != "" {
				require.NoError(t, cmd.Root().PersistentFlags().Set("log-level", tt.flag))
			}

			logger, err := newLogger(cmd, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Enabled(t.Context(), tt.want))
			if tt.want > slog.LevelDebug {
				assert.False(t, logger.Enabled(t.Context(), tt.want-1))
			}
		})
	}
}
