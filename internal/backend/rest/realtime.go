package rest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/auth"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	closeGrace       = time.Second
)

// feed is one live change-feed subscription: a WebSocket, a reader goroutine
// and an ordered delivery queue.
type feed struct {
	c      *Client
	conn   *websocket.Conn
	queue  *backend.Queue[backend.Change]
	filter backend.ChangeFilter
	done   chan struct{}
	once   sync.Once
}

func (c *Client) realtimeURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(c.base.Path, "/") + wire.PathRealtime
	u.RawQuery = url.Values{auth.APIKeyHeader: {c.anonKey}}.Encode()
	return u.String()
}

// Subscribe opens a WebSocket, subscribes with the current access token and
// returns once the server confirmed. ctx bounds the handshake only.
func (c *Client) Subscribe(ctx context.Context, filter backend.ChangeFilter, fn func(backend.Change)) (backend.Subscription, error) {
	tok, err := c.token()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.realtimeURL(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, errorFromResponse(resp)
		}
		return nil, apperror.Network(err)
	}

	reply, err := handshake(ctx, conn, wire.Frame{
		Type:        wire.FrameSubscribe,
		Table:       filter.Table,
		Column:      filter.Column,
		Value:       filter.Value,
		AccessToken: tok.AccessToken,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Type != wire.FrameSubscribed {
		conn.Close()
		return nil, frameError(reply)
	}

	f := &feed{
		c:      c,
		conn:   conn,
		queue:  backend.NewQueue(fn),
		filter: filter,
		done:   make(chan struct{}),
	}
	c.feedsMu.Lock()
	c.feeds[f] = struct{}{}
	c.feedsMu.Unlock()

	go f.read()
	c.logger.Debug("change feed subscribed", slog.String("table", filter.Table))
	return f, nil
}

func handshake(ctx context.Context, conn *websocket.Conn, sub wire.Frame) (wire.Frame, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(sub); err != nil {
		return wire.Frame{}, apperror.Network(err)
	}
	_ = conn.SetReadDeadline(deadline)
	var reply wire.Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return wire.Frame{}, apperror.Network(err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return reply, nil
}

// frameError maps a server error frame onto the apperror sentinels.
func frameError(f wire.Frame) error {
	msg := f.Message
	if msg == "" {
		msg = "subscription rejected"
	}
	switch f.Error {
	case wire.CodeUnauthorized:
		return apperror.Unauthorized(msg)
	case wire.CodeNotFound:
		return &apperror.AppError{Err: apperror.ErrNotFound, Message: msg}
	case wire.CodeForbidden:
		return apperror.Forbidden(msg)
	}
	return apperror.ValidationFailed("", msg)
}

func (f *feed) read() {
	defer close(f.done)
	for {
		var frame wire.Frame
		if err := f.conn.ReadJSON(&frame); err != nil {
			f.logEnd(err)
			return
		}
		if frame.Type != wire.FrameChange {
			continue
		}
		f.queue.Push(frame.Change())
	}
}

// logEnd reports why the reader stopped. Closing the socket locally or a
// normal close from the server is expected; anything else is a dropped feed.
func (f *feed) logEnd(err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, net.ErrClosed):
	case errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure:
	case errors.As(err, &closeErr):
		f.c.logger.Warn("change feed closed by server",
			slog.String("table", f.filter.Table),
			slog.Int("code", closeErr.Code),
			slog.String("reason", closeErr.Text),
		)
	default:
		f.c.logger.Warn("change feed dropped",
			slog.String("table", f.filter.Table),
			slog.String("error", err.Error()),
		)
	}
}

// Unsubscribe closes the socket and waits until no callback is running or
// will run. It must not be called from the callback.
func (f *feed) Unsubscribe() {
	f.once.Do(func() {
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		f.conn.Close()
		<-f.done
		f.queue.Close()

		f.c.feedsMu.Lock()
		delete(f.c.feeds, f)
		f.c.feedsMu.Unlock()
	})
}
