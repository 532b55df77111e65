package audit

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Store provides append-only access to audit entries.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AutoMigrate creates the audit table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Entry{})
}

// WithTx returns a Store bound to an open transaction. Entries recorded
// through it commit or roll back with the transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, now: s.now}
}

// Record durably appends e. The ID and timestamp are filled in when empty.
// A nil return means the entry is stored; there is no buffered path.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.Actor == "" || e.Action == "" || e.Resource == "" {
		return fmt.Errorf("%w: actor, action and resource are required", ErrInvalidEntry)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.Seq = 0

	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Cursor is a position in the (timestamp, seq) ordering of the trail.
type Cursor struct {
	At  time.Time
	Seq int64
}

// Token encodes the cursor as an opaque page token.
func (c Cursor) Token() string {
	raw := c.At.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatInt(c.Seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a page token produced by Cursor.Token.
func ParseCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid page token: %w", err)
	}
	at, seq, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("invalid page token")
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("invalid page token: %w", err)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid page token: %w", err)
	}
	return &Cursor{At: t, Seq: n}, nil
}

// Query returns the entries matching f in timestamp order. The sequence is
// lazy (pages are fetched while iterating), finite (it stops at the newest
// entry present when iteration begins) and restartable (each range over it
// starts again from f.After).
func (s *Store) Query(ctx context.Context, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if err := f.validate(); err != nil {
			yield(Entry{}, err)
			return
		}
		var horizon int64
		if err := s.db.WithContext(ctx).Model(&Entry{}).Select("COALESCE(MAX(seq), 0)").Scan(&horizon).Error; err != nil {
			yield(Entry{}, fmt.Errorf("query audit entries: %w", err))
			return
		}

		size := clampPageSize(f.PageSize)
		cursor := f.After
		for {
			page, err := s.fetch(ctx, f, cursor, horizon, size)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			last := page[len(page)-1]
			cursor = &Cursor{At: last.Timestamp, Seq: last.Seq}
		}
	}
}

// Page returns one page of matching entries and the token for the next one.
// An empty token means there are no further entries.
func (s *Store) Page(ctx context.Context, f Filter, pageToken string) ([]Entry, string, error) {
	if err := f.validate(); err != nil {
		return nil, "", err
	}
	if pageToken != "" {
		c, err := ParseCursor(pageToken)
		if err != nil {
			return nil, "", err
		}
		f.After = c
	}
	size := clampPageSize(f.PageSize)
	entries, err := s.fetch(ctx, f, f.After, 0, size+1)
	if err != nil {
		return nil, "", err
	}
	var next string
	if len(entries) > size {
		entries = entries[:size]
		last := entries[size-1]
		next = Cursor{At: last.Timestamp, Seq: last.Seq}.Token()
	}
	return entries, next, nil
}

// Count returns the number of entries matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	if err := f.validate(); err != nil {
		return 0, err
	}
	q, err := f.apply(s.db.WithContext(ctx).Model(&Entry{}))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// MaxSeq returns the highest sequence number written so far, or zero.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Select("COALESCE(MAX(seq), 0)").Scan(&n).Error; err != nil {
		return 0, fmt.Errorf("read audit sequence: %w", err)
	}
	return n, nil
}

// Range iterates entries with after < seq <= through in sequence order.
// Unlike Query it ignores recording timestamps, which are writer clocks
// and may arrive out of order.
func (s *Store) Range(ctx context.Context, after, through int64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for after < through {
			var page []Entry
			err := s.db.WithContext(ctx).Model(&Entry{}).
				Where("seq > ? AND seq <= ?", after, through).
				Order("seq ASC").Limit(maxPageSize).Find(&page).Error
			if err != nil {
				yield(Entry{}, fmt.Errorf("query audit entries: %w", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < maxPageSize {
				return
			}
			after = page[len(page)-1].Seq
		}
	}
}

func (s *Store) fetch(ctx context.Context, f Filter, after *Cursor, horizon int64, limit int) ([]Entry, error) {
	q, err := f.apply(s.db.WithContext(ctx).Model(&Entry{}))
	if err != nil {
		return nil, err
	}
	if after != nil {
		at := after.At.UTC()
		q = q.Where("(recorded_at > ? OR (recorded_at = ? AND seq > ?))", at, at, after.Seq)
	}
	if horizon > 0 {
		q = q.Where("seq <= ?", horizon)
	}
	var entries []Entry
	if err := q.Order("recorded_at ASC").Order("seq ASC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return entries, nil
}

func clampPageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
