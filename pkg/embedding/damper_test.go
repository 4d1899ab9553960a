package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDamperRegistry(t *testing.T) {
	assert.Equal(t, []string{"gd", "geodamp", "ogd", "padadampg"}, DamperNames())
	for _, name := range DamperNames() {
		d, err := NewDamper(name, DampParams{N: 10})
		require.NoError(t, err)
		assert.Equal(t, name, d.Name())
	}
	d, err := NewDamper("PadaDampG", DampParams{N: 10})
	require.NoError(t, err)
	assert.Equal(t, "padadampg", d.Name())
}

func TestGD(t *testing.T) {
	d, _ := NewDamper("gd", DampParams{N: 10})
	assert.Equal(t, 123, d.BatchSize(Meta{NumAnswers: 123}))
	assert.Equal(t, 1, d.BatchSize(Meta{}))
	assert.Equal(t, 0.5, d.LearningRate(Meta{}, 0.5))
}

func TestOGD(t *testing.T) {
	d, _ := NewDamper("ogd", DampParams{N: 10, BatchSize: 10, Factor: 2, Dwell: 1})

	tests := []struct {
		name string
		meta Meta
		want int
	}{
		{"first epoch", Meta{NumAnswers: 100, NumGradComps: 0}, 10},
		{"second epoch", Meta{NumAnswers: 100, NumGradComps: 100}, 20},
		{"capped by buffer", Meta{NumAnswers: 100, NumGradComps: 500}, 100},
		{"capped by 5n", Meta{NumAnswers: 20, NumGradComps: 200}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.BatchSize(tt.meta))
		})
	}

	// the exponent stops growing after 100 steps
	slow, _ := NewDamper("ogd", DampParams{N: 1 << 30, BatchSize: 1, Factor: 1.01, Dwell: 1})
	a := slow.BatchSize(Meta{NumAnswers: 1, NumGradComps: 100})
	b := slow.BatchSize(Meta{NumAnswers: 1, NumGradComps: 1000})
	assert.Equal(t, a, b)
}

func TestPadaDampG(t *testing.T) {
	d, _ := NewDamper("padadampg", DampParams{N: 10, BatchSize: 10, Factor: 2, Dwell: 5, MaxBatch: 40})

	assert.Equal(t, 10, d.BatchSize(Meta{ModelUpdates: 4}))
	assert.Equal(t, 20, d.BatchSize(Meta{ModelUpdates: 5}))
	assert.Equal(t, 40, d.BatchSize(Meta{ModelUpdates: 10}))
	assert.Equal(t, 1.0, d.LearningRate(Meta{ModelUpdates: 10}, 1))

	// past the cap the batch stays and the rate shrinks
	assert.Equal(t, 40, d.BatchSize(Meta{ModelUpdates: 15}))
	assert.InDelta(t, 0.5, d.LearningRate(Meta{ModelUpdates: 15}, 1), 1e-12)
	assert.InDelta(t, 0.25, d.LearningRate(Meta{ModelUpdates: 20}, 1), 1e-12)

	// answers do not drive it
	assert.Equal(t, 10, d.BatchSize(Meta{NumAnswers: 1000}))
}

func TestGeoDamp(t *testing.T) {
	d, _ := NewDamper("geodamp", DampParams{N: 10, BatchSize: 10, Factor: 2, Dwell: 100, MaxBatch: 40})

	assert.Equal(t, 10, d.BatchSize(Meta{NumAnswers: 99}))
	assert.Equal(t, 20, d.BatchSize(Meta{NumAnswers: 100}))
	assert.Equal(t, 40, d.BatchSize(Meta{NumAnswers: 300}))
	assert.InDelta(t, 0.5, d.LearningRate(Meta{NumAnswers: 300}, 1), 1e-12)

	// model updates do not drive it
	assert.Equal(t, 10, d.BatchSize(Meta{ModelUpdates: 1000}))
}
