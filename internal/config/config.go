// Package config loads process configuration from the environment.
//
// Values come from real environment variables first; `.env.local` and `.env`
// in the working directory fill in anything unset (missing files are fine).
// Parsing is done with caarlos0/env struct tags.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// PlaceholderURL is the service location shipped in example env files.
const PlaceholderURL = "https://placeholder.supabase.co"

// DotenvFiles are loaded, in order, before parsing. Earlier files win because
// godotenv never overrides a variable that is already set.
var DotenvFiles = []string{".env.local", ".env"}

// Backend holds the two settings the dashboard core needs to reach the Data
// Backend: its location and its public access key.
type Backend struct {
	URL     string `env:"SUPABASE_URL"`
	AnonKey string `env:"SUPABASE_ANON_KEY"`
}

// Configured reports whether both settings are present and the location is
// not an obvious placeholder.
func (b Backend) Configured() bool {
	u := strings.TrimSpace(b.URL)
	if u == "" || strings.TrimSpace(b.AnonKey) == "" {
		return false
	}
	return !IsPlaceholderURL(u)
}

// IsPlaceholderURL matches PlaceholderURL and any host whose first label is
// "placeholder" (placeholder.example.com, placeholder.local, ...).
func IsPlaceholderURL(raw string) bool {
	if strings.TrimRight(raw, "/") == PlaceholderURL {
		return true
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		// Not a usable location either way.
		return true
	}
	first, _, _ := strings.Cut(parsed.Hostname(), ".")
	return strings.EqualFold(first, "placeholder")
}

// Web configures the dashboard UI shell.
type Web struct {
	Addr           string        `env:"WEB_ADDR" envDefault:"127.0.0.1:3000"`
	ResolveTimeout time.Duration `env:"SESSION_RESOLVE_TIMEOUT" envDefault:"10s"`
	SessionFile    string        `env:"SESSION_FILE"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Server configures the self-hosted backend server.
type Server struct {
	Port            int           `env:"PORT" envDefault:"54321"`
	DBPath          string        `env:"DB_PATH" envDefault:"data/chalao.db"`
	JWTSecret       string        `env:"JWT_SECRET,required,notEmpty"`
	AnonKey         string        `env:"SUPABASE_ANON_KEY,required,notEmpty"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

var (
	dotenvOnce sync.Once

	backendOnce sync.Once
	backendCfg  Backend
	backendErr  error
)

func loadDotenv() {
	dotenvOnce.Do(func() {
		for _, f := range DotenvFiles {
			// A missing file is the common case.
			_ = godotenv.Load(f)
		}
	})
}

// Parse fills target from the environment after loading the dotenv files.
func Parse(target any) error {
	loadDotenv()
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadBackend reads the Backend settings once per process. Every later call
// returns the cached value; changing them requires a restart.
func LoadBackend() (Backend, error) {
	backendOnce.Do(func() {
		backendErr = Parse(&backendCfg)
	})
	return backendCfg, backendErr
}
