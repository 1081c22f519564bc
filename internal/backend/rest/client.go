// Package rest is the Data Backend client for the backend server: auth and
// rows over HTTP, the change feed over one WebSocket per subscription.
//
// The session is held as an oauth2.Token behind oauth2.ReuseTokenSource.
// Every authenticated call asks the source for a token; once the access
// token is (nearly) expired the source trades the refresh token for a new
// pair and the client emits TOKEN_REFRESHED. A refresh the server rejects
// ends the session with SIGNED_OUT.
//
// REQUEST FLOW:
//
//  1. every call carries the project key in the apikey header
//  2. authenticated calls add "Authorization: Bearer <access token>"
//  3. a non-2xx answer is decoded from the server's error body and mapped
//     onto the apperror taxonomy (errorFromResponse)
//  4. a transport failure, or a 5xx, becomes apperror.Network
//
// WHY A GENERATION COUNTER?
// A refresh runs without the lock held, and the viewer may sign out or sign
// in as someone else meanwhile. Each installed session bumps c.gen; a
// refresher whose generation is stale throws its result away instead of
// resurrecting the old session.
//
// With WithSessionFile the session survives restarts. The file holds live
// tokens, so it is written with mode 0600 and replaced atomically.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/auth"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/config"
	"github.com/sakif/supply-chalao/internal/wire"
)

var _ backend.Backend = (*Client)(nil)

const (
	defaultTimeout     = 15 * time.Second
	defaultEarlyExpiry = 10 * time.Second
)

// Client is safe for concurrent use.
type Client struct {
	base        *url.URL
	anonKey     string
	http        *http.Client
	logger      *slog.Logger
	sessionFile string
	earlyExpiry time.Duration
	emitter     *backend.AuthEmitter

	mu      sync.Mutex
	session *backend.Session
	src     oauth2.TokenSource
	// gen changes whenever the session is replaced, so a refresh that
	// started under an older session cannot overwrite a newer one.
	gen uint64

	persistMu sync.Mutex

	feedsMu sync.Mutex
	feeds   map[*feed]struct{}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSessionFile persists the session to path so GetSession survives a
// restart. The file is written 0600 and removed on sign-out.
func WithSessionFile(path string) Option {
	return func(c *Client) { c.sessionFile = path }
}

// WithEarlyExpiry sets how long before its expiry an access token is
// refreshed.
func WithEarlyExpiry(d time.Duration) Option {
	return func(c *Client) { c.earlyExpiry = d }
}

// New builds a client for cfg. It does not contact the server; a persisted
// session, if any, is loaded from the session file.
func New(cfg config.Backend, opts ...Option) (*Client, error) {
	if !cfg.Configured() {
		return nil, apperror.Configuration()
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("rest: invalid backend URL %q", cfg.URL)
	}

	c := &Client{
		base:        base,
		anonKey:     cfg.AnonKey,
		http:        &http.Client{Timeout: defaultTimeout},
		logger:      slog.New(slog.DiscardHandler),
		earlyExpiry: defaultEarlyExpiry,
		emitter:     backend.NewAuthEmitter(),
		feeds:       make(map[*feed]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if s := c.loadSession(); s != nil {
		c.mu.Lock()
		c.installLocked(s)
		c.mu.Unlock()
	}
	return c, nil
}

// Close ends every change-feed subscription and auth listener.
func (c *Client) Close() {
	c.feedsMu.Lock()
	feeds := make([]*feed, 0, len(c.feeds))
	for f := range c.feeds {
		feeds = append(feeds, f)
	}
	c.feedsMu.Unlock()

	for _, f := range feeds {
		f.Unsubscribe()
	}
	c.emitter.Close()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// request describes one HTTP call.
type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// bearer, when set, is sent as the Authorization header. authed calls
	// take it from the token source instead.
	bearer *oauth2.Token
	authed bool
	dst    any
}

func (c *Client) do(ctx context.Context, r request) error {
	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("rest: encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.endpoint(r.path, r.query), body)
	if err != nil {
		return fmt.Errorf("rest: building request: %w", err)
	}
	req.Header.Set(auth.APIKeyHeader, c.anonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	tok := r.bearer
	if r.authed {
		if tok, err = c.token(); err != nil {
			return err
		}
	}
	if tok != nil {
		tok.SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperror.Network(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errorFromResponse(resp)
	}
	if r.dst == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.dst); err != nil {
		return apperror.Network(fmt.Errorf("decoding %s %s response: %w", r.method, r.path, err))
	}
	return nil
}

// errorFromResponse maps a non-2xx response back onto the apperror
// sentinels. Credential rejections are ErrCredentials, server failures are
// ErrNetwork.
func errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body wire.ErrorBody
	_ = json.Unmarshal(raw, &body)
	msg := body.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 500:
		return apperror.Network(fmt.Errorf("server returned %d: %s", resp.StatusCode, msg))
	case body.Error == wire.CodeInvalidGrant, body.Error == wire.CodeUserExists:
		return apperror.InvalidCredentials(msg)
	case resp.StatusCode == http.StatusUnauthorized:
		return apperror.InvalidCredentials(msg)
	case resp.StatusCode == http.StatusForbidden:
		return apperror.Forbidden(msg)
	case resp.StatusCode == http.StatusNotFound:
		return &apperror.AppError{Err: apperror.ErrNotFound, Message: msg}
	case resp.StatusCode == http.StatusConflict:
		return &apperror.AppError{Err: apperror.ErrConflict, Message: msg}
	default:
		return apperror.ValidationFailed("", msg)
	}
}

// isCredentialError reports whether err means the server rejected the
// session itself, as opposed to failing to answer.
func isCredentialError(err error) bool {
	return errors.Is(err, apperror.ErrCredentials) || errors.Is(err, apperror.ErrUnauthorized)
}
