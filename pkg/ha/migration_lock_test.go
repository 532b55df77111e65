package ha

import (
	"context"
	"errors"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Shared cache so every connection sees the same in-memory database.
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func fastLock(t *testing.T, db *gorm.DB) *tableMigrationLock {
	t.Helper()
	l, ok := NewMigrationLocker(db).(*tableMigrationLock)
	require.True(t, ok, "sqlite should get the table lock")
	l.retry = 5 * time.Millisecond
	return l
}

func lockRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&schemaLockRecord{}).Count(&n).Error)
	return n
}

func TestNewMigrationLocker_NilDB(t *testing.T) {
	called := false
	err := NewMigrationLocker(nil).WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestTableMigrationLock_ReleasesAfterRun(t *testing.T) {
	db := setupTestDB(t)
	l := fastLock(t, db)

	called := false
	require.NoError(t, l.WithLock(context.Background(), func() error {
		called = true
		assert.EqualValues(t, 1, lockRows(t, db), "lock row should exist while fn runs")
		return nil
	}))
	assert.True(t, called)
	assert.Zero(t, lockRows(t, db))
}

func TestTableMigrationLock_ErrorPropagation(t *testing.T) {
	db := setupTestDB(t)
	l := fastLock(t, db)

	boom := errors.New("auto-migrate audit: boom")
	err := l.WithLock(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, lockRows(t, db), "lock must be released after an error")
}

func TestTableMigrationLock_Serialization(t *testing.T) {
	db := setupTestDB(t)
	l := fastLock(t, db)

	var concurrent, maxConcurrent atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), func() error {
				cur := concurrent.Add(1)
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxConcurrent.Load())
}

func TestTableMigrationLock_ContextCancellation(t *testing.T) {
	db := setupTestDB(t)
	l := fastLock(t, db)

	require.NoError(t, l.WithLock(context.Background(), func() error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := l.WithLock(ctx, func() error {
			t.Error("should not have acquired the lock")
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		return nil
	}))
}

func TestTableMigrationLock_GivesUp(t *testing.T) {
	db := setupTestDB(t)
	l := fastLock(t, db)
	l.maxRetries = 2

	require.NoError(t, db.Create(&schemaLockRecord{ID: schemaLockName, LockedAt: time.Now().UTC(), LockedBy: "other"}).Error)
	err := l.WithLock(context.Background(), func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestTableMigrationLock_ClearsStaleRow(t *testing.T) {
	db := setupTestDB(t)
	l := fastLock(t, db)

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Create(&schemaLockRecord{ID: schemaLockName, LockedAt: stale, LockedBy: "crashed"}).Error)

	called := false
	require.NoError(t, l.WithLock(context.Background(), func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestPgAdvisoryLock(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	locker := NewMigrationLocker(db)
	require.IsType(t, &pgAdvisoryLock{}, locker)

	id := int64(crc32.ChecksumIEEE([]byte(schemaLockName)))
	mock.ExpectExec("SELECT pg_advisory_lock($1)").WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_unlock($1)").WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))

	called := false
	require.NoError(t, locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgAdvisoryLock_AcquireFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectExec("SELECT pg_advisory_lock($1)").WillReturnError(errors.New("connection reset"))

	err = NewMigrationLocker(db).WithLock(context.Background(), func() error {
		t.Error("fn must not run without the lock")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire migration advisory lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateDisabledSkipsLock(t *testing.T) {
	cfg := DefaultHAConfig()
	cfg.MigrationLockEnabled = false

	called := false
	// A nil db would only be touched by a locker.
	require.NoError(t, Migrate(context.Background(), cfg, nil, func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}
