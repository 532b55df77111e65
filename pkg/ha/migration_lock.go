package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// schemaLockName keys both the advisory lock and the fallback row.
const schemaLockName = "gateway-orchestrator-schema"

// MigrationLocker serialises schema migrations so that replicas starting
// together do not run AutoMigrate concurrently.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker picks a locker for db's dialect: a session advisory
// lock on PostgreSQL, a lock row everywhere else.
func NewMigrationLocker(db *gorm.DB) MigrationLocker {
	if db == nil {
		return noopMigrationLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(schemaLockName))),
		}
	}
	lock := &tableMigrationLock{
		db:         db,
		maxRetries: 30,
		retry:      time.Second,
		staleAfter: 5 * time.Minute,
	}
	// Created up front so concurrent first callers never race on it.
	_ = db.AutoMigrate(&schemaLockRecord{})
	return lock
}

// Migrate runs fn under the migration lock when cfg enables it.
func Migrate(ctx context.Context, cfg *HAConfig, db *gorm.DB, fn func() error) error {
	if cfg != nil && !cfg.MigrationLockEnabled {
		return fn()
	}
	return NewMigrationLocker(db).WithLock(ctx, fn)
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Advisory locks belong to a session, so lock and unlock must share a
	// connection.
	conn, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve connection for migration lock: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = c.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", l.lockID)
	}()

	return fn()
}

type schemaLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (schemaLockRecord) TableName() string { return "orchestrator_schema_lock" }

// tableMigrationLock relies on the primary key: only one replica can insert
// the lock row. Rows older than staleAfter are assumed to belong to a
// crashed replica and are removed.
type tableMigrationLock struct {
	db         *gorm.DB
	maxRetries int
	retry      time.Duration
	staleAfter time.Duration
}

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	row := schemaLockRecord{ID: schemaLockName, LockedBy: hostname}

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", schemaLockName, time.Now().UTC().Add(-l.staleAfter)).
			Delete(&schemaLockRecord{})

		row.LockedAt = time.Now().UTC()
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			break
		}
		if i == l.maxRetries-1 {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", l.maxRetries, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}

	defer func() {
		l.db.WithContext(context.WithoutCancel(ctx)).Where("id = ?", schemaLockName).Delete(&schemaLockRecord{})
	}()

	return fn()
}
