package scopelock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutualExclusion(t *testing.T) {
	k := NewKeyed()
	const workers = 50

	var (
		wg      sync.WaitGroup
		holders int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(context.Background(), "scope-a")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "two workers held the same scope at once")
	assert.Equal(t, 0, k.Active(), "lock table should drain when idle")
}

func TestKeyedDistinctScopesParallel(t *testing.T) {
	k := NewKeyed()

	releaseA, err := k.Acquire(context.Background(), "scope-a")
	require.NoError(t, err)
	defer releaseA()

	// A held scope-a must not block scope-b.
	done := make(chan struct{})
	go func() {
		releaseB, err := k.Acquire(context.Background(), "scope-b")
		require.NoError(t, err)
		releaseB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("distinct scopes serialized")
	}
}

func TestKeyedAcquireRespectsContext(t *testing.T) {
	k := NewKeyed()

	release, err := k.Acquire(context.Background(), "scope-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "scope-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, k.Active())
}

func TestKeyedReleaseIdempotent(t *testing.T) {
	k := NewKeyed()
	release, err := k.Acquire(context.Background(), "scope-a")
	require.NoError(t, err)
	release()
	release() // second call must be a no-op

	release2, err := k.Acquire(context.Background(), "scope-a")
	require.NoError(t, err)
	release2()
}
