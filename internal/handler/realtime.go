package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/changefeed"
	"github.com/sakif/supply-chalao/internal/schema"
	"github.com/sakif/supply-chalao/internal/service"
	"github.com/sakif/supply-chalao/internal/wire"
)

const (
	subscribeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

// RealtimeHandler streams row changes over one WebSocket per subscription.
//
//	client → {"type":"subscribe","table":"messages","access_token":"..."}
//	server → {"type":"subscribed"}            or {"type":"error","message":"..."}
//	server → {"type":"change","event":"INSERT","table":"messages","record":{...}}
//
// A change is forwarded only when its row passes the subscription filter and
// the subscriber may read it under the table's ownership rules. The viewer is
// fixed by the token presented at subscribe time.
type RealtimeHandler struct {
	auth     *service.AuthService
	broker   *changefeed.Broker
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewRealtimeHandler(svc *service.AuthService, broker *changefeed.Broker, logger *slog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		auth:   svc,
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are native processes, not browsers; the apikey gate
			// already ran.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

type subscription struct {
	table  *schema.Table
	filter backend.ChangeFilter
	viewer string
}

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("realtime: upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub, err := h.handshake(conn)
	if err != nil {
		_, code := statusOf(err)
		msg := apperror.Message(err)
		_ = h.writeFrame(conn, wire.Frame{Type: wire.FrameError, Error: code, Message: msg})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg),
			time.Now().Add(writeTimeout))
		return
	}

	feed := h.broker.Subscribe(sub.table.Name)
	defer feed.Close()

	if err := h.writeFrame(conn, wire.Frame{Type: wire.FrameSubscribed, Table: sub.table.Name}); err != nil {
		return
	}
	h.logger.Debug("realtime: subscribed",
		slog.String("table", sub.table.Name),
		slog.String("viewer", sub.viewer),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.readPump(ctx, cancel, conn)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-feed.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if !sub.wants(ev) {
				continue
			}
			frame, err := changeFrame(ev)
			if err != nil {
				h.logger.Error("realtime: encoding change", slog.String("error", err.Error()))
				continue
			}
			if err := h.writeFrame(conn, frame); err != nil {
				return
			}
		}
	}
}

// handshake reads and validates the subscribe frame.
func (h *RealtimeHandler) handshake(conn *websocket.Conn) (*subscription, error) {
	_ = conn.SetReadDeadline(time.Now().Add(subscribeTimeout))
	var req wire.Frame
	if err := conn.ReadJSON(&req); err != nil || req.Type != wire.FrameSubscribe {
		return nil, apperror.ValidationFailed("type", "expected a subscribe frame")
	}

	claims, err := h.auth.ValidateToken(req.AccessToken)
	if err != nil {
		return nil, err
	}
	t, err := service.Table(req.Table)
	if err != nil {
		return nil, err
	}
	if req.Column != "" && !t.Has(req.Column) {
		return nil, apperror.ValidationFailed(req.Column, "unknown column "+req.Column+" on "+t.Name)
	}
	return &subscription{
		table:  t,
		filter: backend.ChangeFilter{Table: t.Name, Column: req.Column, Value: req.Value},
		viewer: claims.Subject,
	}, nil
}

func (s *subscription) wants(ev changefeed.Event) bool {
	row := ev.Row()
	return row != nil &&
		s.table.Visible(row, s.viewer) &&
		s.filter.Matches(row)
}

// readPump discards client frames and keeps the pong deadline alive; it
// cancels ctx once the client goes away.
func (h *RealtimeHandler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("realtime: client went away", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *RealtimeHandler) writeFrame(conn *websocket.Conn, f wire.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func changeFrame(ev changefeed.Event) (wire.Frame, error) {
	f := wire.Frame{
		Type:       wire.FrameChange,
		Table:      ev.Table,
		Event:      ev.Kind,
		CommitTime: ev.CommitTime,
	}
	var err error
	if ev.Record != nil {
		if f.Record, err = json.Marshal(ev.Record); err != nil {
			return f, err
		}
	}
	if ev.OldRecord != nil {
		if f.OldRecord, err = json.Marshal(ev.OldRecord); err != nil {
			return f, err
		}
	}
	return f, nil
}
