package eval

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Reporter renders evaluation results for terminals and report files.
type Reporter struct {
	out io.Writer
}

// NewReporter creates a reporter writing to w, or stdout when w is nil.
func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stdout
	}
	return &Reporter{out: w}
}

// column is one metric shown per sampler. A negative threshold means the
// metric has no pass target.
type column struct {
	name      string
	threshold float64
	value     func(Metrics) float64
}

// columns lists the metrics that the result actually measured.
func columns(res *EvalResult) []column {
	var cols []column
	if res.HeldOut > 0 {
		cols = append(cols, column{"Accuracy", res.Thresholds.Accuracy, func(m Metrics) float64 { return m.Accuracy }})
	}
	if res.HasTruth {
		cols = append(cols,
			column{"Agreement", res.Thresholds.Agreement, func(m Metrics) float64 { return m.Agreement }},
			column{"NN accuracy", res.Thresholds.NNAccuracy, func(m Metrics) float64 { return m.NNAccuracy }},
			column{"NN precision@5", -1, func(m Metrics) float64 { return m.NNPrecision5 }},
		)
	}
	return cols
}

func (c column) row(m Metrics) string {
	v := c.value(m)
	mark, target := " ", ""
	if c.threshold >= 0 {
		mark = "✗"
		if v >= c.threshold {
			mark = "✓"
		}
		target = fmt.Sprintf("  target %.2f", c.threshold)
	}
	return fmt.Sprintf("%s %-15s %s %.3f%s", mark, c.name, meter(v, 24), v, target)
}

// meter draws v in [0, 1] as a fixed-width gauge.
func meter(v float64, width int) string {
	n := min(max(int(math.Round(v*float64(width))), 0), width)
	return strings.Repeat("▰", n) + strings.Repeat("▱", width-n)
}

// PrintSummary prints a per-sampler breakdown with pass marks.
func (r *Reporter) PrintSummary(res *EvalResult) {
	w := r.out
	rule := strings.Repeat("═", 66)
	fmt.Fprintf(w, "\n%s\n  🐟 Salmon Embedding Evaluation Results\n%s\n", rule, rule)

	truth := "no"
	if res.HasTruth {
		truth = "yes"
	}
	fmt.Fprintf(w, "  %-6s %s\n", "Suite", res.SuiteName)
	fmt.Fprintf(w, "  %-6s %s (took %v)\n", "Time", res.Timestamp.Format(time.RFC3339), res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  %-6s %d held-out answers, ground truth: %s\n\n", "Data", res.HeldOut, truth)

	var pct float64
	if res.TotalTests > 0 {
		pct = 100 * float64(res.PassedTests) / float64(res.TotalTests)
	}
	icon := "✅"
	switch {
	case pct < 50:
		icon = "❌"
	case res.FailedTests > 0:
		icon = "⚠️"
	}
	fmt.Fprintf(w, "%s Samplers: %d/%d passed (%.1f%%)\n", icon, res.PassedTests, res.TotalTests, pct)

	cols := columns(res)
	for _, sr := range res.Results {
		fmt.Fprintf(w, "\n▸ %s [%s] answers=%d updates=%d\n",
			sr.Sampler, sr.Class, sr.Counters.NumAnswers, sr.Counters.ModelUpdates)
		if sr.Error != "" {
			fmt.Fprintf(w, "    ❌ %s\n", sr.Error)
			continue
		}
		for _, c := range cols {
			fmt.Fprintf(w, "    %s\n", c.row(sr.Metrics))
		}
		if res.HeldOut > 0 && sr.Metrics.Loss != 0 {
			fmt.Fprintf(w, "      %-15s %.4f\n", "Loss", sr.Metrics.Loss)
		}
	}
	fmt.Fprintln(w)
}

// PrintCompact prints one line per sampler. simulate uses it as progress
// output between evaluations.
func (r *Reporter) PrintCompact(res *EvalResult) {
	for _, sr := range res.Results {
		var b strings.Builder
		if sr.Error == "" && sr.Passed {
			b.WriteString("[PASS] ")
		} else {
			b.WriteString("[FAIL] ")
		}
		fmt.Fprintf(&b, "%-12s ", sr.Sampler)
		if sr.Error != "" {
			b.WriteString(sr.Error)
		} else {
			fmt.Fprintf(&b, "answers=%-6d acc=%.3f", sr.Counters.NumAnswers, sr.Metrics.Accuracy)
			if res.HasTruth {
				fmt.Fprintf(&b, " agree=%.3f nn=%.3f nn@5=%.3f",
					sr.Metrics.Agreement, sr.Metrics.NNAccuracy, sr.Metrics.NNPrecision5)
			}
		}
		fmt.Fprintln(r.out, b.String())
	}
}

func writeJSON(w io.Writer, res *EvalResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// PrintJSON writes the result as indented JSON.
func (r *Reporter) PrintJSON(res *EvalResult) error { return writeJSON(r.out, res) }

// SaveJSON writes the result to path, replacing any previous report only
// once the new one is complete.
func (r *Reporter) SaveJSON(res *EvalResult, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := writeJSON(tmp, res); err != nil {
		tmp.Close()
		return fmt.Errorf("report %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("report %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
