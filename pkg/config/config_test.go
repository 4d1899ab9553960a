package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stsievert/salmon-sub000/pkg/embedding"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/pool"
	"github.com/stsievert/salmon-sub000/pkg/sampler"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "salmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	specs, err := cfg.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "adaptive", specs[0].Options.Name)
	assert.Equal(t, "random", specs[1].Options.Name)
	assert.NotEqual(t, specs[0].Options.Seed, specs[1].Options.Seed)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
targets: [a, b, c, d, e, f]
d: 3
R: 2
seed: 9
samplers:
  arr:
    class: ARR
    noise_model: CKL
    noise_params: {mu: 0.1}
    optimizer: adadelta
    damper: geodamp
    damp: {batch_size: 32, factor: 1.1}
    fit_budget: 500ms
    n_top: 2
  val:
    class: Validation
    queries:
      - [0, 1, 2]
      - [3, 4, 5]
  rr:
    class: RoundRobin
    items: [0, 2, 4]
    per_participant: true
    max_participants: 500
    participant_ttl: 1h
sampler_weights:
  val: 0.5
runner:
  checkpoint_interval: 30s
  publish_chunk: 50
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.Items())
	assert.Equal(t, 30*time.Second, cfg.Runner.CheckpointInterval)
	assert.Equal(t, 50, cfg.Runner.PublishChunk)
	// Unset runner fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Runner.SearchTimeout)

	specs, err := cfg.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 3)

	arr := specs[0]
	assert.Equal(t, "arr", arr.Options.Name)
	assert.Equal(t, 3, arr.Options.D)
	assert.Equal(t, 2.0, arr.Options.R)
	assert.Equal(t, 0.1, arr.Options.NoiseParams.Mu)
	assert.Equal(t, "adadelta", arr.Options.Embedding.Optimizer)
	assert.Equal(t, 32, arr.Options.Embedding.Damp.BatchSize)
	assert.Equal(t, 500*time.Millisecond, arr.Options.FitBudget)

	rr := specs[1]
	require.NotNil(t, rr.Options.Items)
	assert.Equal(t, []int{0, 2, 4}, rr.Options.Items.Items())
	assert.True(t, rr.Options.PerParticipant)
	assert.Equal(t, 500, rr.Options.MaxParticipants)
	assert.Equal(t, time.Hour, rr.Options.ParticipantTTL)

	val := specs[2]
	assert.Equal(t, 0.5, val.Weight)
	assert.Len(t, val.Options.Queries, 2)

	for _, s := range specs {
		_, err := sampler.New(s.Options)
		assert.NoError(t, err, s.Options.Name)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "n: 10\nsamplerz: {}\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadKeepsDefaultSamplers(t *testing.T) {
	cfg, err := Load(writeFile(t, "n: 12\n"))
	require.NoError(t, err)
	assert.Len(t, cfg.Samplers, 2)
	assert.Equal(t, 12, cfg.Items())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		target error
	}{
		{"too few items", func(c *Config) { c.N = 2 }, ErrInvalidConfig},
		{"target count", func(c *Config) { c.Targets = []string{"a", "b"} }, ErrInvalidConfig},
		{"zero R", func(c *Config) { c.R = 0 }, ErrInvalidConfig},
		{"no samplers", func(c *Config) { c.Samplers = nil }, ErrInvalidConfig},
		{"unknown class", func(c *Config) { c.Samplers["x"] = SamplerConfig{Class: "Bandit"} }, sampler.ErrUnknownSampler},
		{"unknown noise", func(c *Config) { c.Samplers["x"] = SamplerConfig{Class: "Adaptive", Noise: "Gauss"} }, noise.ErrUnknownModel},
		{"unknown optimizer", func(c *Config) { c.Samplers["x"] = SamplerConfig{Class: "Adaptive", Optimizer: "adam"} }, embedding.ErrUnknownOptimizer},
		{"unknown damper", func(c *Config) { c.Samplers["x"] = SamplerConfig{Class: "Adaptive", Damper: "slow"} }, embedding.ErrUnknownDamper},
		{"bad items", func(c *Config) { c.Samplers["x"] = SamplerConfig{Class: "Random", Items: []int{0, 1, 99}} }, ErrInvalidConfig},
		{"duplicate items", func(c *Config) { c.Samplers["x"] = SamplerConfig{Class: "Random", Items: []int{0, 1, 1, 2}} }, ErrInvalidConfig},
		{"duplicate query", func(c *Config) {
			c.Samplers["x"] = SamplerConfig{Class: "Validation", Queries: [][3]int{{0, 1, 2}, {0, 2, 1}}}
		}, ErrInvalidConfig},
		{"weight for missing sampler", func(c *Config) { c.SamplerWeights = map[string]float64{"ghost": 1} }, ErrInvalidConfig},
		{"negative weight", func(c *Config) { c.SamplerWeights = map[string]float64{"random": -1} }, ErrInvalidConfig},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, ErrInvalidConfig},
		{"search bounds", func(c *Config) {
			c.Samplers["x"] = SamplerConfig{Class: "Adaptive", SearchMin: 100, SearchMax: 10}
		}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SALMON_N", "50")
	t.Setenv("SALMON_SEED", "77")
	t.Setenv("SALMON_STORE_IN_MEMORY", "yes")
	t.Setenv("SALMON_CHECKPOINT_INTERVAL", "15")
	t.Setenv("SALMON_SEARCH_TIMEOUT", "2s")
	t.Setenv("SALMON_LOG_FORMAT", "json")
	t.Setenv("SALMON_METRICS_ADDR", ":9191")
	t.Setenv("SALMON_D", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.N)
	assert.Equal(t, uint64(77), cfg.Seed)
	assert.True(t, cfg.Store.InMemory)
	assert.Equal(t, 15*time.Second, cfg.Runner.CheckpointInterval)
	assert.Equal(t, 2*time.Second, cfg.Runner.SearchTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":9191", cfg.Metrics.Addr)
	assert.Equal(t, 2, cfg.D, "unparseable values keep the previous setting")
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Samplers["val"] = SamplerConfig{Class: "Validation", Queries: [][3]int{{0, 1, 2}}}
	cfg.Samplers["adaptive"] = SamplerConfig{Class: "Adaptive", FitBudget: 3 * time.Second}
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Samplers, loaded.Samplers)
	assert.Equal(t, cfg.Runner, loaded.Runner)
	assert.Equal(t, cfg.Memory, loaded.Memory)
}

func TestString(t *testing.T) {
	s := DefaultConfig().String()
	assert.Contains(t, s, "n: 30")
	assert.Contains(t, s, "adaptive,random")
}

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1024", 1024},
		{"1024B", 1024},
		{"1K", 1024},
		{"1kb", 1024},
		{"512MB", 512 << 20},
		{"2gb", 2 << 30},
		{"1TB", 1 << 40},
		{"  2GB  ", 2 << 30},
		{"0", 0},
		{"unlimited", 0},
		{"", 0},
		{"abc", 0},
		{"-1GB", -1 << 30},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemorySize(tt.input))
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	assert.Equal(t, "0 B", FormatMemorySize(0))
	assert.Equal(t, "512 B", FormatMemorySize(512))
	assert.Equal(t, "1.50 KB", FormatMemorySize(1536))
	assert.Equal(t, "512.00 MB", FormatMemorySize(512<<20))
	assert.Equal(t, "4.00 GB", FormatMemorySize(4<<30))
	assert.Equal(t, "1.00 TB", FormatMemorySize(1<<40))
}

func TestApplyRuntime(t *testing.T) {
	defer pool.Configure(pool.PoolConfig{Enabled: true, MaxSize: 1 << 16})

	m := MemoryConfig{RuntimeLimit: "0", GCPercent: 100, PoolEnabled: false, PoolMaxSize: 10}
	m.ApplyRuntime()
	assert.False(t, pool.IsEnabled())

	m.PoolEnabled = true
	m.ApplyRuntime()
	assert.True(t, pool.IsEnabled())
}
