package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intralog/outreach-engine/internal/domain"
)

type fakeSchedStore struct {
	mu        sync.Mutex
	batches   [][]*domain.Enrollment
	claims    int
	recovered int
	inFlight  map[string]int
}

func (f *fakeSchedStore) ClaimDue(_ context.Context, _ int, _ time.Time) ([]*domain.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSchedStore) RecoverStale(_ context.Context, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered++
	return 2, nil
}

func (f *fakeSchedStore) InFlightBySender(_ context.Context) (map[string]int, error) {
	return f.inFlight, nil
}

type recordingSeeder struct {
	mu     sync.Mutex
	seeded map[string]int
}

func (r *recordingSeeder) SeedPending(sender string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seeded == nil {
		r.seeded = map[string]int{}
	}
	r.seeded[sender] += n
}

func TestSchedulerDrainsBatchesThenIdles(t *testing.T) {
	f := newFixture(t)
	ss := &fakeSchedStore{
		batches:  [][]*domain.Enrollment{{claimed(0)}, {claimed(1)}},
		inFlight: map[string]int{"dana@intralog.io": 3},
	}
	seeder := &recordingSeeder{}

	sched := NewScheduler(ss, f.exec, seeder, f.clock, SchedulerConfig{
		GlobalConcurrency: 2,
		PollInterval:      time.Hour, // long: the test must finish before an idle sleep ends
		DrainTimeout:      time.Second,
	})

	require.NoError(t, sched.Start())

	deadline := time.After(2 * time.Second)
	for {
		_, executed, _ := sched.Stats()
		if executed >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batches not executed in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sched.Stop()

	ss.mu.Lock()
	defer ss.mu.Unlock()
	assert.Equal(t, 1, ss.recovered, "stale recovery runs once at startup")
	assert.GreaterOrEqual(t, ss.claims, 2, "sweeps with work loop straight back")
	assert.Equal(t, 3, seeder.seeded["dana@intralog.io"], "reservations rebuilt from in-flight rows")

	claimedCount, executed, recovered := sched.Stats()
	assert.EqualValues(t, 2, claimedCount)
	assert.EqualValues(t, 2, executed)
	assert.EqualValues(t, 2, recovered)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ss := &fakeSchedStore{}
	sched := NewScheduler(ss, f.exec, &recordingSeeder{}, f.clock, SchedulerConfig{
		GlobalConcurrency: 1,
		PollInterval:      time.Hour,
		DrainTimeout:      time.Second,
	})
	require.NoError(t, sched.Start())
	sched.Stop()
	sched.Stop()
}
