package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/changefeed"
	"github.com/sakif/supply-chalao/internal/repository"
	"github.com/sakif/supply-chalao/internal/schema"
)

// MaxInsertBatch bounds how many rows one insert call may write.
const MaxInsertBatch = 100

// Publisher receives every committed change. *changefeed.Broker implements it.
type Publisher interface {
	Publish(changefeed.Event)
}

// RowService enforces row ownership on top of the generic row store:
//
//   - reads of owner-only tables are restricted to the viewer's rows
//   - every write is restricted to the viewer's rows
//   - inserts get a fresh xid, the viewer as owner and server timestamps
//
// Each committed write is published to the change feed.
type RowService struct {
	rows   repository.RowRepository
	feed   Publisher
	now    func() time.Time
	logger *slog.Logger
}

func NewRowService(rows repository.RowRepository, feed Publisher, logger *slog.Logger) *RowService {
	return &RowService{
		rows:   rows,
		feed:   feed,
		now:    time.Now,
		logger: logger,
	}
}

// Table resolves a table name, or apperror.ErrNotFound.
func Table(name string) (*schema.Table, error) {
	t, ok := schema.Lookup(name)
	if !ok {
		return nil, apperror.NotFound("table", name)
	}
	return t, nil
}

func (s *RowService) Select(ctx context.Context, viewer, table string, q repository.RowQuery) ([]schema.Row, error) {
	t, err := s.scope(viewer, table)
	if err != nil {
		return nil, err
	}
	if !t.PublicRead {
		q.Owner = viewer
	}
	rows, err := s.rows.SelectRows(ctx, t, q)
	if err != nil {
		return nil, fmt.Errorf("service/rows: selecting %s: %w", t.Name, err)
	}
	return rows, nil
}

// Insert validates every row, then writes the batch atomically. Events are
// published only after the batch is committed.
func (s *RowService) Insert(ctx context.Context, viewer, table string, raw []map[string]any) ([]schema.Row, error) {
	t, err := s.scope(viewer, table)
	if err != nil {
		return nil, err
	}
	switch {
	case len(raw) == 0:
		return nil, apperror.ValidationFailed("", "no rows to insert")
	case len(raw) > MaxInsertBatch:
		return nil, apperror.ValidationFailed("", fmt.Sprintf("at most %d rows per insert", MaxInsertBatch))
	}

	now := s.now()
	prepared := make([]schema.Row, 0, len(raw))
	for _, r := range raw {
		row, err := t.PrepareInsert(r, viewer, xid.New().String(), now)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, row)
	}

	if err := s.rows.InsertRows(ctx, t, prepared); err != nil {
		return nil, fmt.Errorf("service/rows: inserting into %s: %w", t.Name, err)
	}
	for _, row := range prepared {
		s.publish(t, backend.ChangeInsert, row, nil)
	}
	s.logger.Debug("rows inserted", slog.String("table", t.Name), slog.Int("count", len(prepared)))
	return prepared, nil
}

// Update patches the viewer's matching rows and returns them as stored.
func (s *RowService) Update(ctx context.Context, viewer, table string, q repository.RowQuery, raw map[string]any) ([]schema.Row, error) {
	t, err := s.scope(viewer, table)
	if err != nil {
		return nil, err
	}
	patch, err := t.PreparePatch(raw, s.now())
	if err != nil {
		return nil, err
	}

	q.Owner = viewer
	before, after, err := s.rows.UpdateRows(ctx, t, q, patch)
	if err != nil {
		return nil, fmt.Errorf("service/rows: updating %s: %w", t.Name, err)
	}
	for i := range after {
		s.publish(t, backend.ChangeUpdate, after[i], before[i])
	}
	return after, nil
}

// Delete removes the viewer's matching rows and returns them.
func (s *RowService) Delete(ctx context.Context, viewer, table string, q repository.RowQuery) ([]schema.Row, error) {
	t, err := s.scope(viewer, table)
	if err != nil {
		return nil, err
	}
	q.Owner = viewer
	gone, err := s.rows.DeleteRows(ctx, t, q)
	if err != nil {
		return nil, fmt.Errorf("service/rows: deleting from %s: %w", t.Name, err)
	}
	for _, row := range gone {
		s.publish(t, backend.ChangeDelete, nil, row)
	}
	return gone, nil
}

func (s *RowService) scope(viewer, table string) (*schema.Table, error) {
	if viewer == "" {
		return nil, apperror.Unauthorized("sign in required")
	}
	return Table(table)
}

func (s *RowService) publish(t *schema.Table, kind backend.ChangeKind, record, old schema.Row) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(changefeed.Event{
		Table:      t.Name,
		Kind:       kind,
		Record:     record,
		OldRecord:  old,
		CommitTime: s.now().UTC(),
	})
}
