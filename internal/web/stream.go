package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/guard"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/realtime"
)

// SSE event names.
const (
	eventNavigate = "navigate"
	eventOutcome  = "outcome"
	eventOrders   = "orders"
	eventMessages = "messages"
)

const heartbeatInterval = 25 * time.Second

// sseWriter writes Server-Sent Events and flushes after each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func startSSE(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("web: streaming not supported: %w", err)
	}
	return &sseWriter{w: w, rc: rc}, nil
}

// send writes one event. Multi-line data is split into data lines.
func (s *sseWriter) send(event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: " + event + "\n")
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: " + strings.TrimRight(line, "\r") + "\n")
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) ping() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	return s.rc.Flush()
}

// handleLive watches the guard for this open page. It sends "navigate" with
// the sign-in path once per transition into the redirect outcome, and
// "outcome" whenever the outcome changes otherwise.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	sse, err := startSSE(w)
	if err != nil {
		s.logger.Error("live stream", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	decisions := make(chan guard.Decision, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		guard.Watch(ctx, s.sessions, func(d guard.Decision) {
			select {
			case decisions <- d:
			case <-ctx.Done():
			}
		})
	}()
	defer func() {
		cancel()
		<-done
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if sse.ping() != nil {
				return
			}
		case d := <-decisions:
			event, data := eventOutcome, d.Outcome.String()
			if d.Navigate {
				event, data = eventNavigate, loginPath
			}
			if sse.send(event, data) != nil {
				return
			}
		}
	}
}

// pump mounts b for the lifetime of the request and sends render() as
// event after the initial fetch and after every update.
func pump[T realtime.Keyed](s *Server, w http.ResponseWriter, r *http.Request, b *realtime.Bridge[T], event string, render func([]T) (string, error)) {
	if err := b.Mount(r.Context()); err != nil {
		s.logger.Warn("live view mount failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		http.Error(w, "live updates unavailable", formStatus(err))
		return
	}
	defer b.Unmount()

	sse, err := startSSE(w)
	if err != nil {
		s.logger.Error("live stream", slog.String("error", err.Error()))
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if sse.ping() != nil {
				return
			}
		case <-b.Updates():
			html, err := render(b.Items())
			if err != nil {
				s.logger.Error("rendering live view", slog.String("error", err.Error()))
				continue
			}
			if sse.send(event, html) != nil {
				return
			}
		}
	}
}

// handleDashboardStream keeps the orders panel current. Any change to the
// viewer's orders reloads them, since the counters depend on every row.
func (s *Server) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	b := realtime.New(realtime.Config[model.Order]{
		Feed:   s.feed,
		Filter: backend.ChangeFilter{Table: "orders", Column: "user_id", Value: me.ID},
		Fetch: func(ctx context.Context) ([]model.Order, error) {
			return s.orders.All(ctx, me.ID)
		},
		Policy: realtime.Refetch,
		Logger: s.logger,
	})
	pump(s, w, r, b, eventOrders, func(all []model.Order) (string, error) {
		return s.fragment("orders_panel", ordersPanel(all))
	})
}

// handleMessagesStream merges new messages into the list as they arrive.
func (s *Server) handleMessagesStream(w http.ResponseWriter, r *http.Request) {
	me := viewer(r)
	b := realtime.New(realtime.Config[model.Message]{
		Feed:   s.feed,
		Filter: backend.ChangeFilter{Table: "messages"},
		Fetch:  s.messages.List,
		Policy: realtime.Merge,
		Less: func(a, b model.Message) bool {
			return a.CreatedAt.Before(b.CreatedAt)
		},
		Logger: s.logger,
	})
	pump(s, w, r, b, eventMessages, func(msgs []model.Message) (string, error) {
		return s.fragment("message_list", s.messageList(me.ID, msgs))
	})
}
