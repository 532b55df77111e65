// Package lock provides TTL leases with fencing tokens, one per resource key,
// stored in the shared database so that independent engine processes can
// exclude each other.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrExpired is returned by Renew when the lease is no longer live or has
	// been reassigned.
	ErrExpired = errors.New("lease expired")
	// ErrNotHolder is returned when a lease's token no longer matches the key.
	ErrNotHolder = errors.New("not the current lock holder")
)

// BusyError reports that a live lease is held by someone else.
type BusyError struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lock %s is held by %s since %s", e.Key, e.Holder, e.AcquiredAt.Format(time.RFC3339))
}

// Lease is proof of holding a key. Token increases on every acquisition of
// the key, so a stale lease can always be told apart from the current one.
type Lease struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	Token      int64     `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// record is the persisted lock row. Rows are never deleted; releasing a key
// clears the holder so the token sequence survives.
type record struct {
	LockKey      string     `gorm:"primaryKey;column:lock_key;type:varchar(255)"`
	Holder       string     `gorm:"column:holder;type:varchar(255);not null;default:''"`
	FencingToken int64      `gorm:"column:fencing_token;not null"`
	AcquiredAt   time.Time  `gorm:"column:acquired_at;not null"`
	ExpiresAt    time.Time  `gorm:"column:expires_at;index;not null"`
	FencedAt     *time.Time `gorm:"column:fenced_at"`
}

func (record) TableName() string { return "migration_locks" }

func (r record) lease() *Lease {
	return &Lease{Key: r.LockKey, Holder: r.Holder, Token: r.FencingToken, AcquiredAt: r.AcquiredAt, ExpiresAt: r.ExpiresAt}
}

func (r record) live(now time.Time) bool {
	return r.Holder != "" && r.ExpiresAt.After(now)
}

// KeyForAPI returns the lock key guarding an API's migration record.
func KeyForAPI(apiID string) string {
	return "api:" + apiID
}

// Manager hands out leases.
type Manager struct {
	db           *gorm.DB
	now          func() time.Time
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPollInterval sets how often AcquireWait retries.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(db *gorm.DB, opts ...Option) *Manager {
	m := &Manager{db: db, now: time.Now, pollInterval: 50 * time.Millisecond, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AutoMigrate creates the lock table.
func (m *Manager) AutoMigrate() error {
	return m.db.AutoMigrate(&record{})
}

// WithTx returns a Manager bound to an open transaction.
func (m *Manager) WithTx(tx *gorm.DB) *Manager {
	c := *m
	c.db = tx
	return &c
}

func (m *Manager) clock() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// Acquire takes the key for holder if no live lease exists. An expired lease
// that was never released is taken over. Returns *BusyError otherwise.
func (m *Manager) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, error) {
	if key == "" || holder == "" {
		return nil, fmt.Errorf("acquire lock: key and holder are required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("acquire lock %s: ttl must be positive", key)
	}
	db := m.db.WithContext(ctx)
	now := m.clock()
	expires := now.Add(ttl)

	// Takeover of a free or expired row is a single conditional update.
	res := db.Model(&record{}).
		Where("lock_key = ? AND (holder = '' OR expires_at <= ?)", key, now).
		Updates(map[string]any{
			"holder":        holder,
			"fencing_token": gorm.Expr("fencing_token + 1"),
			"acquired_at":   now,
			"expires_at":    expires,
			"fenced_at":     nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, res.Error)
	}

	if res.RowsAffected == 0 {
		rec := record{LockKey: key, Holder: holder, FencingToken: 1, AcquiredAt: now, ExpiresAt: expires}
		if err := db.Create(&rec).Error; err != nil {
			current, getErr := m.get(ctx, key)
			if getErr != nil {
				return nil, fmt.Errorf("acquire lock %s: %w", key, errors.Join(err, getErr))
			}
			if current != nil && current.live(now) {
				return nil, &BusyError{Key: key, Holder: current.Holder, AcquiredAt: current.AcquiredAt, ExpiresAt: current.ExpiresAt}
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		m.logger.Debug("lock acquired", "key", key, "holder", holder, "token", rec.FencingToken)
		return rec.lease(), nil
	}

	current, err := m.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if current == nil || current.Holder != holder {
		// Someone else took the row between our update and read; only
		// possible with a ttl shorter than the round trip.
		if current != nil && current.live(m.clock()) {
			return nil, &BusyError{Key: key, Holder: current.Holder, AcquiredAt: current.AcquiredAt, ExpiresAt: current.ExpiresAt}
		}
		return nil, fmt.Errorf("acquire lock %s: lease lost immediately after acquisition", key)
	}
	m.logger.Debug("lock acquired", "key", key, "holder", holder, "token", current.FencingToken)
	return current.lease(), nil
}

// AcquireWait retries Acquire until it succeeds, wait elapses or ctx ends.
// On timeout the last *BusyError is returned.
func (m *Manager) AcquireWait(ctx context.Context, key, holder string, ttl, wait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		lease, err := m.Acquire(ctx, key, holder, ttl)
		var busy *BusyError
		if err == nil || !errors.As(err, &busy) {
			return lease, err
		}
		if !time.Now().Add(m.pollInterval).Before(deadline) {
			return nil, busy
		}
		select {
		case <-ctx.Done():
			return nil, busy
		case <-time.After(m.pollInterval):
		}
	}
}

// Renew extends a live lease. The exact token must still be current.
func (m *Manager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("renew lock %s: ttl must be positive", lease.Key)
	}
	now := m.clock()
	expires := now.Add(ttl)
	res := m.db.WithContext(ctx).Model(&record{}).
		Where("lock_key = ? AND holder = ? AND fencing_token = ? AND expires_at > ?", lease.Key, lease.Holder, lease.Token, now).
		Update("expires_at", expires)
	if res.Error != nil {
		return nil, fmt.Errorf("renew lock %s: %w", lease.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrExpired
	}
	renewed := *lease
	renewed.ExpiresAt = expires
	return &renewed, nil
}

// Release gives the key up. Releasing an expired lease is allowed as long
// as nobody acquired the key since.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	now := m.clock()
	res := m.db.WithContext(ctx).Model(&record{}).
		Where("lock_key = ? AND holder = ? AND fencing_token = ?", lease.Key, lease.Holder, lease.Token).
		Updates(map[string]any{"holder": "", "expires_at": now})
	if res.Error != nil {
		return fmt.Errorf("release lock %s: %w", lease.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotHolder
	}
	m.logger.Debug("lock released", "key", lease.Key, "holder", lease.Holder, "token", lease.Token)
	return nil
}

// ForceRelease clears the key regardless of holder and returns the lease it
// displaced, or nil when none was live. It always succeeds unless the store
// itself fails; callers are expected to audit the displaced holder.
func (m *Manager) ForceRelease(ctx context.Context, key, admin string) (*Lease, error) {
	now := m.clock()
	current, err := m.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("force release lock %s: %w", key, err)
	}
	if current == nil {
		return nil, nil
	}
	res := m.db.WithContext(ctx).Model(&record{}).
		Where("lock_key = ?", key).
		Updates(map[string]any{"holder": "", "expires_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("force release lock %s: %w", key, res.Error)
	}
	if !current.live(now) {
		return nil, nil
	}
	m.logger.Warn("lock force released", "key", key, "admin", admin, "displacedHolder", current.Holder, "token", current.FencingToken)
	return current.lease(), nil
}

// Preempt takes the key for holder unconditionally and returns the live
// lease it displaced, if any. The displaced holder's token stops fencing.
func (m *Manager) Preempt(ctx context.Context, key, holder string, ttl time.Duration) (*Lease, *Lease, error) {
	if ttl <= 0 {
		return nil, nil, fmt.Errorf("preempt lock %s: ttl must be positive", key)
	}
	now := m.clock()
	var lease, displaced *Lease
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current record
		err := tx.Where("lock_key = ?", key).Take(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec := record{LockKey: key, Holder: holder, FencingToken: 1, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			lease = rec.lease()
			return nil
		case err != nil:
			return err
		}
		if current.live(now) && current.Holder != holder {
			displaced = current.lease()
		}
		next := current
		next.Holder = holder
		next.FencingToken = current.FencingToken + 1
		next.AcquiredAt = now
		next.ExpiresAt = now.Add(ttl)
		res := tx.Model(&record{}).
			Where("lock_key = ? AND fencing_token = ?", key, current.FencingToken).
			Updates(map[string]any{
				"holder":        holder,
				"fencing_token": next.FencingToken,
				"acquired_at":   now,
				"expires_at":    next.ExpiresAt,
				"fenced_at":     nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("lock changed concurrently")
		}
		lease = next.lease()
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("preempt lock %s: %w", key, err)
	}
	if displaced != nil {
		m.logger.Warn("lock preempted", "key", key, "holder", holder, "displacedHolder", displaced.Holder, "token", lease.Token)
	}
	return lease, displaced, nil
}

// Fence confirms, inside the caller's transaction, that lease is still the
// live lease for its key. Writers guarded by a lease call this in the same
// transaction as their write so a displaced holder can never commit.
func (m *Manager) Fence(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return ErrNotHolder
	}
	now := m.clock()
	res := m.db.WithContext(ctx).Model(&record{}).
		Where("lock_key = ? AND holder = ? AND fencing_token = ? AND expires_at > ?", lease.Key, lease.Holder, lease.Token, now).
		Update("fenced_at", now)
	if res.Error != nil {
		return fmt.Errorf("fence lock %s: %w", lease.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotHolder
	}
	return nil
}

// Get returns the live lease for key, or nil.
func (m *Manager) Get(ctx context.Context, key string) (*Lease, error) {
	rec, err := m.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.live(m.clock()) {
		return nil, nil
	}
	return rec.lease(), nil
}

// List returns every live lease ordered by key.
func (m *Manager) List(ctx context.Context) ([]Lease, error) {
	var recs []record
	err := m.db.WithContext(ctx).
		Where("holder <> '' AND expires_at > ?", m.clock()).
		Order("lock_key ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	leases := make([]Lease, 0, len(recs))
	for _, r := range recs {
		leases = append(leases, *r.lease())
	}
	return leases, nil
}

func (m *Manager) get(ctx context.Context, key string) (*record, error) {
	var rec record
	err := m.db.WithContext(ctx).Where("lock_key = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
