package supply

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/model"
)

const messagesTable = "messages"

type Messages struct {
	rows backend.Rows
}

func NewMessages(rows backend.Rows) *Messages {
	return &Messages{rows: rows}
}

// List returns every message, oldest first.
func (s *Messages) List(ctx context.Context) ([]model.Message, error) {
	var out []model.Message
	if err := s.rows.Select(ctx, backend.From(messagesTable).OrderBy("created_at", true), &out); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return out, nil
}

// Send posts text as author. Blank messages are rejected.
func (s *Messages) Send(ctx context.Context, author model.Identity, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, apperror.ValidationFailed("message", "message is required")
	}
	row := map[string]any{
		"message":    text,
		"user_email": author.Email,
		"user_name":  model.AuthorName(author),
	}
	var out []model.Message
	if err := s.rows.Insert(ctx, messagesTable, row, &out); err != nil {
		return model.Message{}, fmt.Errorf("sending message: %w", err)
	}
	if len(out) == 0 {
		return model.Message{}, fmt.Errorf("sending message: backend returned no row")
	}
	return out[0], nil
}

// DayGroup is a run of messages sent on the same calendar day.
type DayGroup struct {
	Label    string
	Messages []model.Message
}

// GroupByDate splits time-ordered messages into calendar days in loc, labelled
// "Today", "Yesterday" or "Jan 2" relative to now.
func GroupByDate(msgs []model.Message, now time.Time, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	today := dayOf(now.In(loc))
	yesterday := today.AddDate(0, 0, -1)

	var groups []DayGroup
	var current time.Time
	for _, m := range msgs {
		day := dayOf(m.CreatedAt.In(loc))
		if len(groups) == 0 || !day.Equal(current) {
			current = day
			groups = append(groups, DayGroup{Label: dayLabel(day, today, yesterday)})
		}
		g := &groups[len(groups)-1]
		g.Messages = append(g.Messages, m)
	}
	return groups
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dayLabel(day, today, yesterday time.Time) string {
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(yesterday):
		return "Yesterday"
	}
	return day.Format("Jan 2")
}
