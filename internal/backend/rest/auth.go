package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/wire"
)

func toSession(r wire.SessionResponse) *backend.Session {
	s := &backend.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		User:         r.User.Clone(),
	}
	if r.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0).UTC()
	}
	return s
}

func oauthToken(s *backend.Session) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
		Expiry:       s.ExpiresAt,
	}
}

func copySession(s *backend.Session) *backend.Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.User = s.User.Clone()
	return &cp
}

// installLocked replaces the current session (nil clears it) and its token
// source.
func (c *Client) installLocked(s *backend.Session) {
	c.gen++
	c.session = s
	if s == nil {
		c.src = nil
		return
	}
	c.src = oauth2.ReuseTokenSourceWithExpiry(oauthToken(s), &refresher{c: c, gen: c.gen}, c.earlyExpiry)
}

// setSession installs s, persists it and emits kind.
func (c *Client) setSession(s *backend.Session, kind backend.AuthEventKind) {
	c.mu.Lock()
	c.installLocked(s)
	c.emitter.Emit(backend.AuthEvent{Kind: kind, Session: copySession(s)})
	c.mu.Unlock()
	c.persist()
}

// token returns a live access token, refreshing it when needed.
func (c *Client) token() (*oauth2.Token, error) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	if src == nil {
		return nil, apperror.Unauthorized("sign in required")
	}

	tok, err := src.Token()
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperror.Network(err)
	}
	return tok, nil
}

// refresher is the oauth2.TokenSource behind ReuseTokenSource. It runs the
// refresh grant for the session generation it was created for.
type refresher struct {
	c   *Client
	gen uint64
}

func (r *refresher) Token() (*oauth2.Token, error) {
	c := r.c
	c.mu.Lock()
	if c.gen != r.gen || c.session == nil {
		c.mu.Unlock()
		return nil, apperror.Unauthorized("session replaced")
	}
	refreshToken := c.session.RefreshToken
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var resp wire.SessionResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   wire.PathToken,
		query:  url.Values{"grant_type": {wire.GrantRefresh}},
		body:   wire.RefreshRequest{RefreshToken: refreshToken},
		dst:    &resp,
	})

	c.mu.Lock()
	if c.gen != r.gen {
		c.mu.Unlock()
		return nil, apperror.Unauthorized("session replaced")
	}
	if err != nil {
		if !isCredentialError(err) {
			c.mu.Unlock()
			return nil, err
		}
		c.logger.Warn("session refresh rejected, signing out", slog.String("error", err.Error()))
		c.installLocked(nil)
		c.emitter.Emit(backend.AuthEvent{Kind: backend.SignedOut})
		c.mu.Unlock()
		c.persist()
		return nil, err
	}

	s := toSession(resp)
	c.session = s
	c.emitter.Emit(backend.AuthEvent{Kind: backend.TokenRefreshed, Session: copySession(s)})
	c.mu.Unlock()
	c.persist()

	c.logger.Debug("session refreshed", slog.String("userID", s.User.ID))
	return oauthToken(s), nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	var resp wire.SessionResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   wire.PathToken,
		query:  url.Values{"grant_type": {wire.GrantPassword}},
		body:   wire.Credentials{Email: email, Password: password},
		dst:    &resp,
	})
	if err != nil {
		return nil, err
	}
	s := toSession(resp)
	c.setSession(s, backend.SignedIn)
	return copySession(s), nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.Session, error) {
	var resp wire.SessionResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   wire.PathSignUp,
		body:   wire.Credentials{Email: email, Password: password, Data: metadata},
		dst:    &resp,
	})
	if err != nil {
		return nil, err
	}
	s := toSession(resp)
	c.setSession(s, backend.SignedIn)
	return copySession(s), nil
}

// SignOut revokes the session on the server and clears it locally. A session
// the server no longer knows counts as signed out; a network failure leaves
// the local session in place and is returned.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	err := c.do(ctx, request{method: http.MethodPost, path: wire.PathLogout, bearer: oauthToken(s)})
	if err != nil && !isCredentialError(err) && !errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("rest: signing out: %w", err)
	}
	c.setSession(nil, backend.SignedOut)
	return nil
}

// GetSession returns the current session, refreshing an expired access
// token first. (nil, nil) means nobody is signed in, including when the
// refresh was rejected.
func (c *Client) GetSession(ctx context.Context) (*backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Network(err)
	}
	if _, err := c.token(); err != nil {
		if isCredentialError(err) {
			return nil, nil
		}
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySession(c.session), nil
}

func (c *Client) OnAuthStateChange(fn func(backend.AuthEvent)) backend.Subscription {
	return c.emitter.Subscribe(fn)
}

func (c *Client) UpdateUser(ctx context.Context, metadata map[string]any) (*model.Identity, error) {
	var id model.Identity
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   wire.PathUser,
		body:   wire.UpdateUserRequest{Data: metadata},
		authed: true,
		dst:    &id,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	var s *backend.Session
	if c.session != nil && c.session.User.ID == id.ID {
		c.session.User = id.Clone()
		s = copySession(c.session)
		c.emitter.Emit(backend.AuthEvent{Kind: backend.UserUpdated, Session: copySession(s)})
	}
	c.mu.Unlock()
	if s != nil {
		c.persist()
	}
	return &id, nil
}

// ===== Session file =====

func (c *Client) loadSession() *backend.Session {
	if c.sessionFile == "" {
		return nil
	}
	raw, err := os.ReadFile(c.sessionFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("reading session file", slog.String("path", c.sessionFile), slog.String("error", err.Error()))
		}
		return nil
	}
	var s backend.Session
	if err := json.Unmarshal(raw, &s); err != nil || s.AccessToken == "" || s.User.ID == "" {
		c.logger.Warn("ignoring unreadable session file", slog.String("path", c.sessionFile))
		return nil
	}
	return &s
}

// persist writes the current session to the session file, or removes the
// file when nobody is signed in. Failures are logged; the in-memory session
// stays authoritative.
func (c *Client) persist() {
	if c.sessionFile == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	s := copySession(c.session)
	c.mu.Unlock()
	if s == nil {
		if err := os.Remove(c.sessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("removing session file", slog.String("error", err.Error()))
		}
		return
	}

	raw, err := json.Marshal(s)
	if err != nil {
		c.logger.Error("encoding session", slog.String("error", err.Error()))
		return
	}
	dir := filepath.Dir(c.sessionFile)
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		c.logger.Warn("writing session file", slog.String("error", err.Error()))
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		c.logger.Warn("writing session file", slog.String("error", err.Error()))
		return
	}
	if err := tmp.Chmod(0o600); err != nil {
		c.logger.Warn("securing session file", slog.String("error", err.Error()))
	}
	if err := tmp.Close(); err != nil {
		c.logger.Warn("writing session file", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp.Name(), c.sessionFile); err != nil {
		c.logger.Warn("replacing session file", slog.String("error", err.Error()))
	}
}
