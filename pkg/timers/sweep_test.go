package timers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/persistence"
	"github.com/periscope-dev/engine/pkg/persistence/memory"
)

type recordingFirer struct {
	mu    sync.Mutex
	fired []models.Timer
	fail  map[string]error
	store persistence.TimerRepository
}

func (f *recordingFirer) FireTimer(ctx context.Context, timer models.Timer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.fail[timer.ID]; ok {
		return err
	}

	f.fired = append(f.fired, timer)

	// The engine deletes a fired timer as part of its commit.
	if f.store != nil {
		_ = f.store.Delete(ctx, []string{timer.ID})
	}

	return nil
}

func (f *recordingFirer) firedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, len(f.fired))
	for i, timer := range f.fired {
		ids[i] = timer.ID
	}

	return ids
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedTimers(t *testing.T, p *memory.Persistence, timers ...models.Timer) {
	t.Helper()

	_, err := p.History().Append(context.Background(), persistence.AppendBatch{
		Execution: &models.Execution{ID: "exec-1", Status: models.ExecutionStatusWaiting},
		Entries:   []models.HistoryEntry{models.NewHistoryEntry("exec-1", models.HistoryTimerScheduled, nil)},
		Timers:    timers,
	})
	require.NoError(t, err)
}

func TestProcessDue_FiresOnlyDueTimers(t *testing.T) {
	p := memory.NewPersistence()
	now := time.Now().UTC()

	seedTimers(t, p,
		models.Timer{ID: "due-1", ExecutionID: "exec-1", DueAt: now.Add(-time.Minute)},
		models.Timer{ID: "due-2", ExecutionID: "exec-1", DueAt: now.Add(-time.Second)},
		models.Timer{ID: "future", ExecutionID: "exec-1", DueAt: now.Add(time.Hour)},
	)

	firer := &recordingFirer{store: p.Timers()}
	sweep := NewSweep(testLogger(), p.Timers(), firer)

	sweep.processDue(context.Background())

	assert.Equal(t, []string{"due-1", "due-2"}, firer.firedIDs())
}

func TestProcessDue_ContinuesPastFiringErrors(t *testing.T) {
	p := memory.NewPersistence()
	now := time.Now().UTC()

	seedTimers(t, p,
		models.Timer{ID: "bad", ExecutionID: "exec-1", DueAt: now.Add(-2 * time.Minute)},
		models.Timer{ID: "good", ExecutionID: "exec-1", DueAt: now.Add(-time.Minute)},
	)

	firer := &recordingFirer{
		store: p.Timers(),
		fail:  map[string]error{"bad": errors.New("lease held elsewhere")},
	}
	sweep := NewSweep(testLogger(), p.Timers(), firer)

	sweep.processDue(context.Background())

	assert.Equal(t, []string{"good"}, firer.firedIDs())
}

func TestSweep_StartStop(t *testing.T) {
	p := memory.NewPersistence()
	now := time.Now().UTC()

	seedTimers(t, p,
		models.Timer{ID: "due-1", ExecutionID: "exec-1", DueAt: now.Add(-time.Minute)},
	)

	firer := &recordingFirer{store: p.Timers()}
	sweep := NewSweep(testLogger(), p.Timers(), firer).WithInterval(5 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, sweep.Start(ctx))
	require.NoError(t, sweep.Start(ctx)) // idempotent

	assert.Eventually(t, func() bool {
		return len(firer.firedIDs()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sweep.Stop(ctx))
	require.NoError(t, sweep.Stop(ctx)) // idempotent

	// No further firing after stop.
	seedTimers(t, p,
		models.Timer{ID: "due-2", ExecutionID: "exec-1", DueAt: now.Add(-time.Minute)},
	)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"due-1"}, firer.firedIDs())
}
