package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManager_SerializesOneExecution(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "exec-1")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		second, err := m.Acquire(ctx, "exec-1")
		if err != nil {
			return
		}

		mu.Lock()
		order = append(order, "second")
		mu.Unlock()

		second()
	}()

	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	order = append(order, "first")
	mu.Unlock()

	release()
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestMemoryManager_IndependentExecutions(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	releaseA, err := m.Acquire(ctx, "exec-a")
	require.NoError(t, err)

	// A held lease on one execution never blocks another.
	releaseB, err := m.Acquire(ctx, "exec-b")
	require.NoError(t, err)

	releaseA()
	releaseB()
}

func TestMemoryManager_AcquireHonorsContext(t *testing.T) {
	m := NewMemoryManager()

	release, err := m.Acquire(context.Background(), "exec-1")
	require.NoError(t, err)

	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "exec-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
