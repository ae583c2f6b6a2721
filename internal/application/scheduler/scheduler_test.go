package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/expgov/internal/application/engine"
	"github.com/alejandrodnm/expgov/internal/application/insights"
	"github.com/alejandrodnm/expgov/internal/application/scheduler"
	"github.com/alejandrodnm/expgov/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// calls registra el orden de las llamadas de todos los fakes.
type calls struct {
	mu  sync.Mutex
	seq []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = append(c.seq, name)
}

func (c *calls) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.seq {
		if s == name {
			n++
		}
	}
	return n
}

func (c *calls) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seq...)
}

type fakeEngine struct{ calls *calls }

func (f fakeEngine) Sweep(context.Context) engine.SweepReport {
	f.calls.add("sweep")
	return engine.SweepReport{
		Processed: 2,
		Ticks:     []domain.TickResult{{ExperimentID: "exp-1"}},
		Errors:    []string{"Experiment exp-2: boom"},
	}
}

func (f fakeEngine) EvaluateRunning(context.Context) engine.SweepReport {
	f.calls.add("evaluate")
	return engine.SweepReport{Errors: []string{}}
}

type fakeSyncer struct {
	calls *calls
	err   error
}

func (f fakeSyncer) Sync(context.Context) (insights.SyncReport, error) {
	f.calls.add("sync")
	return insights.SyncReport{Errors: []string{}}, f.err
}

type fakeNotifier struct {
	calls   *calls
	results [][]domain.TickResult
}

func (f *fakeNotifier) NotifyTicks(_ context.Context, results []domain.TickResult) error {
	f.calls.add("notify")
	f.results = append(f.results, results)
	return nil
}

func TestScheduler_OnceRunsFullCycle(t *testing.T) {
	c := &calls{}
	n := &fakeNotifier{calls: c}
	s := scheduler.New(scheduler.Config{Once: true, EvaluateInterval: time.Hour},
		fakeEngine{c}, fakeSyncer{calls: c}, n)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []string{"sync", "sweep", "notify", "evaluate"}, c.snapshot())
	require.Len(t, n.results, 1)
	assert.Equal(t, "exp-1", n.results[0][0].ExperimentID)
}

func TestScheduler_OnceWithoutOptionalParts(t *testing.T) {
	c := &calls{}
	s := scheduler.New(scheduler.Config{Once: true}, fakeEngine{c}, nil, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"sweep"}, c.snapshot())
}

func TestScheduler_SyncFailureDoesNotStopTicks(t *testing.T) {
	c := &calls{}
	s := scheduler.New(scheduler.Config{Once: true},
		fakeEngine{c}, fakeSyncer{calls: c, err: errors.New("meta down")}, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"sync", "sweep"}, c.snapshot())
}

func TestScheduler_LoopUntilCancelled(t *testing.T) {
	c := &calls{}
	s := scheduler.New(scheduler.Config{
		TickInterval:     10 * time.Millisecond,
		EvaluateInterval: 15 * time.Millisecond,
		SyncInterval:     20 * time.Millisecond,
	}, fakeEngine{c}, fakeSyncer{calls: c}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.count("sweep") >= 3 && c.count("evaluate") >= 2 && c.count("sync") >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
