// ABOUTME: Tests for the in-memory dedupe guard
// ABOUTME: Validates TTL expiry, the size cap, atomicity, and sweep behavior

package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard_FirstSightIsUnseen(t *testing.T) {
	guard := NewMemoryGuard(5*time.Minute, 100)
	defer guard.Close()

	seen, err := guard.CheckAndMark(context.Background(), "delivery-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryGuard_SecondSightIsSeen(t *testing.T) {
	guard := NewMemoryGuard(5*time.Minute, 100)
	defer guard.Close()

	_, err := guard.CheckAndMark(context.Background(), "delivery-1")
	require.NoError(t, err)

	seen, err := guard.CheckAndMark(context.Background(), "delivery-1")
	require.NoError(t, err)
	assert.True(t, seen, "a repeated delivery id is a duplicate")

	// Different ids stay independent
	seen, err = guard.CheckAndMark(context.Background(), "delivery-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryGuard_Expiry(t *testing.T) {
	guard := NewMemoryGuard(10*time.Millisecond, 100)
	defer guard.Close()

	_, err := guard.CheckAndMark(context.Background(), "short-lived")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	seen, err := guard.CheckAndMark(context.Background(), "short-lived")
	require.NoError(t, err)
	assert.False(t, seen, "an expired id is fair game again")

	// And the re-mark took effect
	seen, err = guard.CheckAndMark(context.Background(), "short-lived")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryGuard_SizeCapEvictsOldest(t *testing.T) {
	guard := NewMemoryGuard(5*time.Minute, 3)
	defer guard.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := guard.CheckAndMark(ctx, id)
		require.NoError(t, err)
	}

	// Fourth id pushes out the oldest
	_, err := guard.CheckAndMark(ctx, "d")
	require.NoError(t, err)

	seen, err := guard.CheckAndMark(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen, "oldest id should have been evicted")

	seen, err = guard.CheckAndMark(ctx, "b")
	require.NoError(t, err)
	assert.True(t, seen, "newer ids survive the eviction")
}

func TestMemoryGuard_OneWinnerPerID(t *testing.T) {
	guard := NewMemoryGuard(5*time.Minute, 1000)
	defer guard.Close()

	const goroutines = 100
	var unseen atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			seen, err := guard.CheckAndMark(context.Background(), "contested")
			if err == nil && !seen {
				unseen.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), unseen.Load(),
		"exactly one caller may observe a contested id as unseen")
}

func TestMemoryGuard_DropExpired(t *testing.T) {
	guard := NewMemoryGuard(10*time.Millisecond, 100)
	defer guard.Close()

	ctx := context.Background()
	for _, id := range []string{"x", "y", "z"} {
		_, err := guard.CheckAndMark(ctx, id)
		require.NoError(t, err)
	}
	require.Equal(t, 3, guard.Len())

	time.Sleep(20 * time.Millisecond)
	guard.dropExpired()

	assert.Equal(t, 0, guard.Len(), "sweep should clear expired entries")
}

func TestMemoryGuard_CloseIsIdempotent(t *testing.T) {
	guard := NewMemoryGuard(5*time.Minute, 100)

	_, err := guard.CheckAndMark(context.Background(), "before-close")
	require.NoError(t, err)

	require.NoError(t, guard.Close())
	require.NoError(t, guard.Close())
}
