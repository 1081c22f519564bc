// Package memory is an in-process Data Backend. It applies the same row
// ownership rules as the backend server and is used for the dashboard's demo
// mode and for tests of the session, guard and realtime packages.
//
// It models a single viewer: there is at most one current session.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/sakif/supply-chalao/internal/apperror"
	"github.com/sakif/supply-chalao/internal/backend"
	"github.com/sakif/supply-chalao/internal/model"
	"github.com/sakif/supply-chalao/internal/schema"
)

var _ backend.Backend = (*Backend)(nil)

const minPasswordLength = 6

type account struct {
	identity model.Identity
	password string
}

type feedSub struct {
	filter backend.ChangeFilter
	viewer string
	queue  *backend.Queue[backend.Change]
}

// Backend is safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	byEmail  map[string]*account
	byID     map[string]*account
	session  *backend.Session
	tables   map[string][]schema.Row
	subs     map[uint64]*feedSub
	nextSub  uint64
	emitter  *backend.AuthEmitter
	tokenTTL time.Duration
	now      func() time.Time

	hooks Hooks
}

// Hooks inject faults and interleavings. Zero values disable them.
type Hooks struct {
	// GetSessionErr makes GetSession fail with this error.
	GetSessionErr error
	// GetSessionGate, when non-nil, blocks GetSession until it is closed or
	// the context ends.
	GetSessionGate <-chan struct{}
	// BeforeSelect runs before a Select reads rows, outside the lock.
	BeforeSelect func(q backend.Query)
	// SignOutErr makes SignOut fail with this error.
	SignOutErr error
}

type Option func(*Backend)

func WithHooks(h Hooks) Option {
	return func(b *Backend) { b.hooks = h }
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

func WithTokenTTL(d time.Duration) Option {
	return func(b *Backend) { b.tokenTTL = d }
}

func New(opts ...Option) *Backend {
	b := &Backend{
		byEmail:  make(map[string]*account),
		byID:     make(map[string]*account),
		tables:   make(map[string][]schema.Row),
		subs:     make(map[uint64]*feedSub),
		emitter:  backend.NewAuthEmitter(),
		tokenTTL: time.Hour,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetHooks replaces the hooks; tests use it between phases.
func (b *Backend) SetHooks(h Hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

// Close stops every listener and change-feed subscription.
func (b *Backend) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*feedSub)
	b.mu.Unlock()

	for _, s := range subs {
		s.queue.Close()
	}
	b.emitter.Close()
}

// ===== Auth =====

// CreateUser registers an account without signing in. Used for seeding.
func (b *Backend) CreateUser(email, password string, metadata map[string]any) (model.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.createLocked(email, password, metadata)
	if err != nil {
		return model.Identity{}, err
	}
	return acc.identity.Clone(), nil
}

func (b *Backend) createLocked(email, password string, metadata map[string]any) (*account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperror.ValidationFailed("email", "a valid email is required")
	}
	if len(password) < minPasswordLength {
		return nil, apperror.ValidationFailed("password", fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if _, exists := b.byEmail[email]; exists {
		return nil, apperror.InvalidCredentials("user already registered")
	}

	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	acc := &account{
		identity: model.Identity{
			ID:        uuid.NewString(),
			Email:     email,
			Metadata:  meta,
			CreatedAt: b.now().UTC(),
		},
		password: password,
	}
	b.byEmail[email] = acc
	b.byID[acc.identity.ID] = acc
	return acc, nil
}

func (b *Backend) newSessionLocked(acc *account) *backend.Session {
	return &backend.Session{
		AccessToken:  "mem-" + xid.New().String(),
		RefreshToken: uuid.NewString(),
		TokenType:    "bearer",
		ExpiresAt:    b.now().Add(b.tokenTTL),
		User:         acc.identity.Clone(),
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

func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Network(err)
	}

	b.mu.Lock()
	acc, ok := b.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok || acc.password != password {
		b.mu.Unlock()
		return nil, apperror.InvalidCredentials("")
	}
	b.session = b.newSessionLocked(acc)
	out := copySession(b.session)
	b.emitter.Emit(backend.AuthEvent{Kind: backend.SignedIn, Session: copySession(b.session)})
	b.mu.Unlock()

	return out, nil
}

func (b *Backend) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Network(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.createLocked(email, password, metadata)
	if err != nil {
		return nil, err
	}
	b.session = b.newSessionLocked(acc)
	b.emitter.Emit(backend.AuthEvent{Kind: backend.SignedIn, Session: copySession(b.session)})
	return copySession(b.session), nil
}

func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hooks.SignOutErr != nil {
		return b.hooks.SignOutErr
	}
	b.session = nil
	b.emitter.Emit(backend.AuthEvent{Kind: backend.SignedOut})
	return nil
}

func (b *Backend) GetSession(ctx context.Context) (*backend.Session, error) {
	b.mu.Lock()
	gate, failErr := b.hooks.GetSessionGate, b.hooks.GetSessionErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, apperror.Network(ctx.Err())
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return copySession(b.session), nil
}

func (b *Backend) OnAuthStateChange(fn func(backend.AuthEvent)) backend.Subscription {
	return b.emitter.Subscribe(fn)
}

func (b *Backend) UpdateUser(ctx context.Context, metadata map[string]any) (*model.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil, apperror.Unauthorized("sign in to update your profile")
	}
	acc := b.byID[b.session.User.ID]
	if acc.identity.Metadata == nil {
		acc.identity.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		acc.identity.Metadata[k] = v
	}
	b.session.User = acc.identity.Clone()
	b.emitter.Emit(backend.AuthEvent{Kind: backend.UserUpdated, Session: copySession(b.session)})

	id := acc.identity.Clone()
	return &id, nil
}

// RefreshSession rotates the current session's tokens and emits
// TOKEN_REFRESHED. It is a no-op without a session.
func (b *Backend) RefreshSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return
	}
	b.session = b.newSessionLocked(b.byID[b.session.User.ID])
	b.emitter.Emit(backend.AuthEvent{Kind: backend.TokenRefreshed, Session: copySession(b.session)})
}

// ===== Rows =====

func (b *Backend) viewerLocked() string {
	if b.session == nil {
		return ""
	}
	return b.session.User.ID
}

func lookup(name string) (*schema.Table, error) {
	t, ok := schema.Lookup(name)
	if !ok {
		return nil, apperror.NotFound("table", name)
	}
	return t, nil
}

func matches(t *schema.Table, row schema.Row, filters []parsedEq) bool {
	for _, f := range filters {
		if backend.FormatValue(row[f.column]) != backend.FormatValue(f.value) {
			return false
		}
	}
	return true
}

type parsedEq struct {
	column string
	value  any
}

func parseFilters(t *schema.Table, q backend.Query) ([]parsedEq, error) {
	out := make([]parsedEq, 0, len(q.Filters))
	for _, f := range q.Filters {
		v, err := t.ParseFilter(f.Column, f.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, parsedEq{column: f.Column, value: v})
	}
	return out, nil
}

func decodeInto(rows []schema.Row, dst any) error {
	if dst == nil {
		return nil
	}
	if rows == nil {
		rows = []schema.Row{}
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("memory: encoding rows: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("memory: decoding rows: %w", err)
	}
	return nil
}

func cloneRow(r schema.Row) schema.Row {
	cp := make(schema.Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

func (b *Backend) Select(ctx context.Context, q backend.Query, dst any) error {
	t, err := lookup(q.Table)
	if err != nil {
		return err
	}
	filters, err := parseFilters(t, q)
	if err != nil {
		return err
	}
	if q.Order != nil && !t.Has(q.Order.Column) {
		return apperror.ValidationFailed("order", "unknown order column "+q.Order.Column)
	}

	b.mu.Lock()
	before := b.hooks.BeforeSelect
	b.mu.Unlock()
	if before != nil {
		before(q)
	}
	if err := ctx.Err(); err != nil {
		return apperror.Network(err)
	}

	b.mu.Lock()
	viewer := b.viewerLocked()
	if viewer == "" {
		b.mu.Unlock()
		return apperror.Unauthorized("sign in to read " + t.Name)
	}
	var out []schema.Row
	for _, row := range b.tables[t.Name] {
		if t.Visible(row, viewer) && matches(t, row, filters) {
			out = append(out, cloneRow(row))
		}
	}
	b.mu.Unlock()

	if q.Order != nil {
		col, asc := q.Order.Column, q.Order.Ascending
		sort.SliceStable(out, func(i, j int) bool {
			if asc {
				return schema.Less(out[i][col], out[j][col])
			}
			return schema.Less(out[j][col], out[i][col])
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return decodeInto(out, dst)
}

func (b *Backend) Insert(ctx context.Context, table string, rows any, dst any) error {
	b.mu.Lock()
	viewer := b.viewerLocked()
	b.mu.Unlock()
	return b.insert(ctx, viewer, table, rows, dst)
}

// InsertAs writes rows on behalf of userID, as another participant would.
func (b *Backend) InsertAs(ctx context.Context, userID, table string, rows any, dst any) error {
	return b.insert(ctx, userID, table, rows, dst)
}

func (b *Backend) insert(ctx context.Context, viewer, table string, rows any, dst any) error {
	if err := ctx.Err(); err != nil {
		return apperror.Network(err)
	}
	t, err := lookup(table)
	if err != nil {
		return err
	}
	raws, err := schema.DecodeRows(rows)
	if err != nil {
		return err
	}

	b.mu.Lock()
	now := b.now()
	prepared := make([]schema.Row, 0, len(raws))
	for _, raw := range raws {
		row, err := t.PrepareInsert(raw, viewer, xid.New().String(), now)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		// Every row of a batch has the same owner, so a one-row-per-owner
		// table takes at most one row per call.
		if t.OneRowPerOwner && (len(prepared) > 0 || b.ownerHasRowLocked(t, viewer)) {
			b.mu.Unlock()
			return apperror.Conflict(t.Name, viewer)
		}
		prepared = append(prepared, row)
	}
	out := make([]schema.Row, 0, len(prepared))
	for _, row := range prepared {
		b.tables[t.Name] = append(b.tables[t.Name], row)
		out = append(out, cloneRow(row))
		b.publishLocked(t, backend.ChangeInsert, row, nil)
	}
	b.mu.Unlock()

	return decodeInto(out, dst)
}

func (b *Backend) ownerHasRowLocked(t *schema.Table, owner string) bool {
	for _, row := range b.tables[t.Name] {
		if row[t.Owner] == owner {
			return true
		}
	}
	return false
}

func (b *Backend) Update(ctx context.Context, q backend.Query, patch any, dst any) error {
	if err := ctx.Err(); err != nil {
		return apperror.Network(err)
	}
	t, err := lookup(q.Table)
	if err != nil {
		return err
	}
	filters, err := parseFilters(t, q)
	if err != nil {
		return err
	}
	raws, err := schema.DecodeRows(patch)
	if err != nil {
		return err
	}
	if len(raws) != 1 {
		return apperror.ValidationFailed("", "update takes exactly one patch object")
	}

	b.mu.Lock()
	viewer := b.viewerLocked()
	if viewer == "" {
		b.mu.Unlock()
		return apperror.Unauthorized("sign in to update " + t.Name)
	}
	p, err := t.PreparePatch(raws[0], b.now())
	if err != nil {
		b.mu.Unlock()
		return err
	}
	var out []schema.Row
	for i, row := range b.tables[t.Name] {
		if row[t.Owner] != viewer || !matches(t, row, filters) {
			continue
		}
		old := cloneRow(row)
		for k, v := range p {
			row[k] = v
		}
		b.tables[t.Name][i] = row
		out = append(out, cloneRow(row))
		b.publishLocked(t, backend.ChangeUpdate, row, old)
	}
	b.mu.Unlock()

	return decodeInto(out, dst)
}

func (b *Backend) Delete(ctx context.Context, q backend.Query) error {
	if err := ctx.Err(); err != nil {
		return apperror.Network(err)
	}
	t, err := lookup(q.Table)
	if err != nil {
		return err
	}
	filters, err := parseFilters(t, q)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	viewer := b.viewerLocked()
	if viewer == "" {
		return apperror.Unauthorized("sign in to delete " + t.Name)
	}
	kept := b.tables[t.Name][:0]
	for _, row := range b.tables[t.Name] {
		if row[t.Owner] == viewer && matches(t, row, filters) {
			b.publishLocked(t, backend.ChangeDelete, nil, row)
			continue
		}
		kept = append(kept, row)
	}
	b.tables[t.Name] = kept
	return nil
}

// ===== Change feed =====

func (b *Backend) Subscribe(ctx context.Context, filter backend.ChangeFilter, fn func(backend.Change)) (backend.Subscription, error) {
	t, err := lookup(filter.Table)
	if err != nil {
		return nil, err
	}
	if filter.Column != "" && !t.Has(filter.Column) {
		return nil, apperror.ValidationFailed("filter", "unknown filter column "+filter.Column)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperror.Network(err)
	}

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &feedSub{
		filter: filter,
		viewer: b.viewerLocked(),
		queue:  backend.NewQueue(fn),
	}
	b.mu.Unlock()

	var once sync.Once
	return backend.SubscriptionFunc(func() {
		once.Do(func() {
			b.mu.Lock()
			s, ok := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			if ok {
				s.queue.Close()
			}
		})
	}), nil
}

// SubscriberCount reports live change-feed subscriptions.
func (b *Backend) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Backend) publishLocked(t *schema.Table, kind backend.ChangeKind, record, old schema.Row) {
	row := record
	if row == nil {
		row = old
	}
	ch := backend.Change{Kind: kind, Table: t.Name, CommitTime: b.now().UTC()}
	if record != nil {
		ch.Record, _ = json.Marshal(record)
	}
	if old != nil {
		ch.OldRecord, _ = json.Marshal(old)
	}

	generic := make(map[string]any, len(row))
	for k, v := range row {
		generic[k] = v
	}
	for _, s := range b.subs {
		if s.filter.Table != t.Name || !t.Visible(row, s.viewer) || !s.filter.Matches(generic) {
			continue
		}
		s.queue.Push(ch)
	}
}
