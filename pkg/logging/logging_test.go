package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, slog.LevelDebug).WithSampler("adaptive").WithRun("r1")
	l.LogIteration(context.Background(), 3, 10, 20, true, time.Millisecond, nil)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "adaptive", line["sampler"])
	assert.Equal(t, "r1", line["run"])
	assert.Equal(t, float64(3), line["iteration"])
	assert.Equal(t, true, line["model_changed"])
}

func TestIterationErrorIsWarn(t *testing.T) {
	var buf bytes.Buffer
	l := NewTextLogger(&buf, slog.LevelWarn)
	l.LogIteration(context.Background(), 1, 0, 0, false, 0, nil)
	assert.Empty(t, buf.String())
	l.LogIteration(context.Background(), 1, 0, 0, false, 0, errors.New("boom"))
	assert.Contains(t, buf.String(), "boom")
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salmon.log")
	l, err := New(Options{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	assert.NotPanics(t, func() { Noop().Error("ignored") })
}

func TestStoreLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewTextLogger(&buf, slog.LevelInfo).Store()

	l.Infof("compaction %d\n", 1)
	assert.Empty(t, buf.String(), "badger info lines are debug")

	l.Warningf("slow write %s\n", "L0")
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "component=badger")
	assert.Contains(t, out, `msg="slow write L0"`)
}
