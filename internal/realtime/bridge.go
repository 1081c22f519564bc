// Package realtime keeps a local list of rows in step with a backend change
// feed.
//
// A Bridge is mounted by a live view and unmounted when the view goes away.
// Mount subscribes first and fetches second; changes that arrive while the
// initial fetch is in flight are held back and replayed on top of the fetched
// rows. Rows are keyed by id, so a row that shows up in both the fetch and a
// replayed INSERT appears once.
//
// Two policies are supported, and one Bridge uses exactly one:
//
//	Merge   – apply the changed row in place (chat-style feeds)
//	Refetch – reload the whole list (views with aggregate counts); bursts of
//	          changes collapse into at most one pending reload
//
// WHY SUBSCRIBE BEFORE FETCH?
// Fetching first leaves a gap: a row written after the SELECT returns but
// before the socket is listening is never seen. Subscribing first closes the
// gap at the cost of possible duplicates, and keying by id absorbs those.
//
// LIFECYCLE:
//
//	New      → idle, nothing open
//	Mount    → subscribed, fetched, Updates fires once
//	changes  → Items changes, Updates fires (coalesced, never blocks)
//	Unmount  → socket closed, reload loop stopped; safe to call twice
//
// A Bridge is not reusable across mounts by two views at once. Each live view
// builds its own.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/sakif/supply-chalao/internal/backend"
)

// Keyed rows have a unique, stable id.
type Keyed interface {
	Key() string
}

type Policy int

const (
	Merge Policy = iota
	Refetch
)

func (p Policy) String() string {
	if p == Refetch {
		return "refetch"
	}
	return "merge"
}

// ErrMounted is returned by Mount on a Bridge that is already mounted.
var ErrMounted = errors.New("realtime: bridge already mounted")

// Config describes one synchronized list.
type Config[T Keyed] struct {
	Feed   backend.ChangeFeed
	Filter backend.ChangeFilter
	// Fetch loads the full list.
	Fetch  func(ctx context.Context) ([]T, error)
	Policy Policy
	// Less keeps merged lists ordered; nil keeps arrival order.
	Less   func(a, b T) bool
	Logger *slog.Logger
}

type Bridge[T Keyed] struct {
	cfg    Config[T]
	logger *slog.Logger

	mu       sync.Mutex
	items    []T
	fetching bool
	held     []backend.Change
	mounted  bool

	updates chan struct{}
	reload  chan struct{}

	sub    backend.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New[T Keyed](cfg Config[T]) *Bridge[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge[T]{
		cfg:     cfg,
		logger:  logger.With(slog.String("table", cfg.Filter.Table), slog.String("policy", cfg.Policy.String())),
		updates: make(chan struct{}, 1),
		reload:  make(chan struct{}, 1),
	}
}

// Mount subscribes to the change feed and performs the initial fetch. On
// error nothing is left running.
func (b *Bridge[T]) Mount(ctx context.Context) error {
	b.mu.Lock()
	if b.mounted {
		b.mu.Unlock()
		return ErrMounted
	}
	b.mounted = true
	b.fetching = true
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sub, err := b.cfg.Feed.Subscribe(ctx, b.cfg.Filter, b.onChange)
	if err != nil {
		cancel()
		b.reset()
		return err
	}

	rows, err := b.cfg.Fetch(ctx)
	if err != nil {
		sub.Unsubscribe()
		cancel()
		b.reset()
		return err
	}

	b.mu.Lock()
	b.sub, b.cancel = sub, cancel
	b.items = nil
	for _, row := range rows {
		b.upsertLocked(row)
	}
	held := b.held
	b.held = nil
	b.fetching = false
	switch b.cfg.Policy {
	case Merge:
		for _, ch := range held {
			b.applyLocked(ch)
		}
		b.sortLocked()
	case Refetch:
		if len(held) > 0 {
			b.requestReload()
		}
	}
	b.mu.Unlock()

	if b.cfg.Policy == Refetch {
		b.wg.Add(1)
		go b.reloadLoop(ctx)
	}
	b.signal()
	return nil
}

func (b *Bridge[T]) reset() {
	b.mu.Lock()
	b.mounted = false
	b.fetching = false
	b.held = nil
	b.mu.Unlock()
}

// Unmount cancels the subscription and waits for in-flight work. No update
// is delivered afterwards.
func (b *Bridge[T]) Unmount() {
	b.mu.Lock()
	sub, cancel := b.sub, b.cancel
	b.sub, b.cancel = nil, nil
	b.mounted = false
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// Items returns a copy of the current list.
func (b *Bridge[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.items)
}

// Updates receives a value whenever Items may have changed. Notifications
// coalesce; readers should call Items after each one.
func (b *Bridge[T]) Updates() <-chan struct{} {
	return b.updates
}

func (b *Bridge[T]) signal() {
	select {
	case b.updates <- struct{}{}:
	default:
	}
}

func (b *Bridge[T]) onChange(ch backend.Change) {
	b.mu.Lock()
	if b.fetching {
		b.held = append(b.held, ch)
		b.mu.Unlock()
		return
	}
	if b.cfg.Policy == Refetch {
		b.requestReload()
		b.mu.Unlock()
		return
	}
	b.applyLocked(ch)
	b.sortLocked()
	b.mu.Unlock()
	b.signal()
}

func (b *Bridge[T]) requestReload() {
	select {
	case b.reload <- struct{}{}:
	default:
		// A reload is already pending; it will see this change too.
	}
}

func (b *Bridge[T]) reloadLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.reload:
		}

		rows, err := b.cfg.Fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("refetch failed", slog.String("error", err.Error()))
			}
			continue
		}
		b.mu.Lock()
		b.items = nil
		for _, row := range rows {
			b.upsertLocked(row)
		}
		b.mu.Unlock()
		b.signal()
	}
}

func (b *Bridge[T]) applyLocked(ch backend.Change) {
	var row T
	if err := json.Unmarshal(ch.Row(), &row); err != nil {
		b.logger.Warn("dropping undecodable change", slog.String("event", string(ch.Kind)), slog.String("error", err.Error()))
		return
	}
	if ch.Kind == backend.ChangeDelete {
		b.items = slices.DeleteFunc(b.items, func(it T) bool { return it.Key() == row.Key() })
		return
	}
	b.upsertLocked(row)
}

func (b *Bridge[T]) upsertLocked(row T) {
	if i := slices.IndexFunc(b.items, func(it T) bool { return it.Key() == row.Key() }); i >= 0 {
		b.items[i] = row
		return
	}
	b.items = append(b.items, row)
}

func (b *Bridge[T]) sortLocked() {
	if b.cfg.Less == nil {
		return
	}
	slices.SortStableFunc(b.items, func(x, y T) int {
		switch {
		case b.cfg.Less(x, y):
			return -1
		case b.cfg.Less(y, x):
			return 1
		}
		return 0
	})
}
