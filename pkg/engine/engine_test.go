package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stsievert/salmon-sub000/pkg/runner"
	"github.com/stsievert/salmon-sub000/pkg/sampler"
	"github.com/stsievert/salmon-sub000/pkg/storage"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

func spec(name, class string, weight float64) SamplerSpec {
	return SamplerSpec{Options: sampler.Options{Name: name, Class: class, N: 10, Seed: 1}, Weight: weight}
}

func testOptions() Options {
	return Options{
		Runner: runner.Config{CheckpointInterval: time.Hour, SearchTimeout: time.Second},
		Seed:   42,
	}
}

func TestNewValidation(t *testing.T) {
	st := storage.NewMemoryStore()
	tests := []struct {
		name  string
		specs []SamplerSpec
		err   error
	}{
		{"empty", nil, ErrNoSamplers},
		{"duplicate", []SamplerSpec{spec("a", "random", 1), spec("a", "roundrobin", 1)}, ErrDuplicateSampler},
		{"negative weight", []SamplerSpec{spec("a", "random", -1)}, ErrInvalidWeight},
		{"unknown class", []SamplerSpec{spec("a", "bogus", 1)}, sampler.ErrUnknownSampler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(st, tt.specs, testOptions())
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestGetQueryDirect(t *testing.T) {
	e, err := New(storage.NewMemoryStore(), []SamplerSpec{spec("rr", "roundrobin", 1)}, testOptions())
	require.NoError(t, err)

	q, err := e.GetQuery(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "rr", q.Sampler)
	assert.Equal(t, "direct", q.Source)
	assert.NoError(t, q.Query.Validate(10))
}

func TestGetQueryQueueThenFallback(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	// Failing serves no direct queries, so requests go to the queue.
	e, err := New(st, []SamplerSpec{spec("queued", "failing", 1)}, testOptions())
	require.NoError(t, err)

	_, err = st.PublishQueries(ctx, "queued", []triplet.Scored{
		{Query: triplet.Query{Head: 0, Left: 1, Right: 2}, Score: 5},
	})
	require.NoError(t, err)

	q, err := e.GetQuery(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "queue", q.Source)
	assert.Equal(t, 0, q.Head)
	assert.ElementsMatch(t, []int{1, 2}, []int{q.Left, q.Right})
	assert.Equal(t, 5.0, q.Score)

	q, err = e.GetQuery(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "fallback", q.Source)
	assert.NoError(t, q.Query.Validate(10))
}

func TestWeightedSelection(t *testing.T) {
	e, err := New(storage.NewMemoryStore(), []SamplerSpec{
		spec("heavy", "random", 3),
		spec("light", "random", 1),
	}, testOptions())
	require.NoError(t, err)

	counts := map[string]int{}
	const draws = 4000
	for i := 0; i < draws; i++ {
		q, err := e.GetQuery(context.Background(), "")
		require.NoError(t, err)
		counts[q.Sampler]++
	}
	assert.InDelta(t, 0.75, float64(counts["heavy"])/draws, 0.05)
}

func TestSubmitAnswer(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	e, err := New(st, []SamplerSpec{spec("r", "random", 1)}, testOptions())
	require.NoError(t, err)

	err = e.SubmitAnswer(ctx, triplet.Answer{Head: 0, Left: 1, Right: 2, Winner: 1, Sampler: "nope"})
	assert.ErrorIs(t, err, ErrUnknownSampler)
	err = e.SubmitAnswer(ctx, triplet.Answer{Head: 0, Left: 1, Right: 2, Winner: 7, Sampler: "r"})
	assert.ErrorIs(t, err, triplet.ErrInvalidAnswer)
	err = e.SubmitAnswer(ctx, triplet.Answer{Head: 0, Left: 1, Right: 20, Winner: 1, Sampler: "r"})
	assert.ErrorIs(t, err, triplet.ErrInvalidQuery)

	require.NoError(t, e.SubmitAnswer(ctx, triplet.Answer{Head: 0, Left: 1, Right: 2, Winner: 2, Sampler: "r"}))
	got, err := st.DrainAnswers(ctx, "r")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestRunnersProcessAnswers(t *testing.T) {
	ctx := context.Background()
	e, err := New(storage.NewMemoryStore(), []SamplerSpec{spec("r", "random", 1)}, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	defer e.Stop()
	assert.ErrorIs(t, e.Start(ctx), ErrRunning)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.SubmitAnswer(ctx, triplet.Answer{Head: 0, Left: 1, Right: 2, Winner: 1, Sampler: "r"}))
	}
	require.Eventually(t, func() bool {
		m, err := e.GetModel("r")
		return err == nil && m.Counters.NumAnswers == 5
	}, 5*time.Second, 10*time.Millisecond)

	perf, err := e.Perf(ctx, "r")
	require.NoError(t, err)
	assert.NotEmpty(t, perf)

	_, err = e.GetModel("missing")
	assert.ErrorIs(t, err, ErrUnknownSampler)
}

func TestFatalSamplerLeavesRotation(t *testing.T) {
	ctx := context.Background()
	e, err := New(storage.NewMemoryStore(), []SamplerSpec{
		spec("bad", "failing", 1),
		spec("good", "random", 1),
	}, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	require.Eventually(t, func() bool {
		for _, s := range e.Status() {
			if s.Name == "bad" {
				return s.Stopped
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 50; i++ {
		q, err := e.GetQuery(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "good", q.Sampler)
	}
	for _, s := range e.Status() {
		if s.Name == "bad" {
			assert.Contains(t, s.LastError, "always fails")
			assert.Equal(t, "stopped", s.State)
		}
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	e, err := New(st, []SamplerSpec{spec("r", "random", 1)}, testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))

	require.NoError(t, e.SubmitAnswer(ctx, triplet.Answer{Head: 0, Left: 1, Right: 2, Winner: 1, Sampler: "r"}))
	require.Eventually(t, func() bool {
		m, _ := e.GetModel("r")
		return m.Counters.NumAnswers == 1
	}, 5*time.Second, 10*time.Millisecond)

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Reset(rctx))

	m, err := e.GetModel("r")
	require.NoError(t, err)
	assert.Zero(t, m.Counters.NumAnswers)
	perf, err := e.Perf(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, perf)
	_, err = st.LoadState(ctx, "r")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The engine can run again after a reset.
	require.NoError(t, e.Start(ctx))
	e.Stop()
}

func TestDirectRateLimit(t *testing.T) {
	opts := testOptions()
	opts.DirectRate = 0.001
	opts.DirectBurst = 1
	s := spec("srr", "srr", 1)
	s.Options.FitBudget = time.Second
	e, err := New(storage.NewMemoryStore(), []SamplerSpec{s}, opts)
	require.NoError(t, err)

	q, err := e.GetQuery(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "direct", q.Source)

	q, err = e.GetQuery(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "fallback", q.Source)
}

func TestStatusReportsParticipants(t *testing.T) {
	s := spec("rr", "roundrobin", 1)
	s.Options.PerParticipant = true
	s.Options.MaxParticipants = 2
	e, err := New(storage.NewMemoryStore(), []SamplerSpec{s}, testOptions())
	require.NoError(t, err)

	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		q, err := e.GetQuery(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "direct", q.Source)
	}
	status := e.Status()
	require.Len(t, status, 1)
	require.NotNil(t, status[0].Participants)
	assert.Equal(t, 2, status[0].Participants.Size)
	assert.Equal(t, uint64(1), status[0].Participants.Evictions)

	plain, err := New(storage.NewMemoryStore(), []SamplerSpec{spec("plain", "roundrobin", 1)}, testOptions())
	require.NoError(t, err)
	_, err = plain.GetQuery(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, plain.Status()[0].Participants)
}
