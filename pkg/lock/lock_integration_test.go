//go:build integration

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertSingleWinner races callers for one key on a real database: exactly
// one wins, and the next lease carries a larger token.
func assertSingleWinner(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.AutoMigrate())

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []*Lease
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			lease, err := m.Acquire(ctx, "api:payments", "holder-"+string(rune('a'+id)), time.Minute)
			if err == nil {
				mu.Lock()
				wins = append(wins, lease)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, wins, 1)

	require.NoError(t, m.Release(ctx, wins[0]))
	next, err := m.Acquire(ctx, "api:payments", "after", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, next.Token, wins[0].Token)
}
