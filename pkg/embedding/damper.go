package embedding

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrUnknownDamper is returned by NewDamper for names that are not registered.
var ErrUnknownDamper = errors.New("embedding: unknown damper")

// maxGrowthSteps caps the exponent of the OGD schedule.
const maxGrowthSteps = 100

// Damper decides how large the next minibatch is and how the learning rate
// is scaled for it.
type Damper interface {
	Name() string
	BatchSize(m Meta) int
	LearningRate(m Meta, base float64) float64
}

// DampParams configures every damping policy. Zero values select defaults.
type DampParams struct {
	// N is the number of items.
	N int `yaml:"-" json:"-"`
	// BatchSize is the initial minibatch size.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Factor is the geometric growth per dwell period.
	Factor float64 `yaml:"factor" json:"factor"`
	// Dwell is the length of one growth period (epochs, model updates or answers).
	Dwell int `yaml:"dwell" json:"dwell"`
	// MaxBatch caps the batch for PadaDampG and GeoDamp.
	MaxBatch int `yaml:"max_batch" json:"max_batch"`
}

func (p DampParams) withDefaults() DampParams {
	if p.BatchSize <= 0 {
		p.BatchSize = 64
	}
	if p.Factor <= 0 {
		p.Factor = 1.05
	}
	if p.Dwell <= 0 {
		p.Dwell = 10
	}
	if p.MaxBatch <= 0 {
		p.MaxBatch = max(10*p.N, 1024)
	}
	return p
}

var dampers = map[string]func(DampParams) Damper{
	"gd":        func(DampParams) Damper { return GD{} },
	"ogd":       func(p DampParams) Damper { return OGD{p} },
	"padadampg": func(p DampParams) Damper { return PadaDampG{p} },
	"geodamp":   func(p DampParams) Damper { return GeoDamp{p} },
}

// NewDamper resolves a damping policy by (case-insensitive) name.
func NewDamper(name string, p DampParams) (Damper, error) {
	f, ok := dampers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownDamper, name, strings.Join(DamperNames(), ", "))
	}
	return f(p.withDefaults()), nil
}

// DamperNames lists the registered policies.
func DamperNames() []string {
	names := make([]string, 0, len(dampers))
	for k := range dampers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// GD uses the whole buffer every step.
type GD struct{}

func (GD) Name() string { return "gd" }

func (GD) BatchSize(m Meta) int { return max(m.NumAnswers, 1) }

func (GD) LearningRate(_ Meta, base float64) float64 { return base }

// OGD grows the batch by Factor every Dwell epochs, at most 100 times, and
// never beyond max(5n, buffer).
type OGD struct{ p DampParams }

func (OGD) Name() string { return "ogd" }

func (o OGD) BatchSize(m Meta) int {
	steps := min(m.Epochs()/o.p.Dwell, maxGrowthSteps)
	bs := float64(o.p.BatchSize) * math.Pow(o.p.Factor, float64(steps))
	limit := max(5*o.p.N, m.NumAnswers)
	return clampBatch(bs, limit)
}

func (OGD) LearningRate(_ Meta, base float64) float64 { return base }

// PadaDampG grows the batch by Factor every Dwell model updates. Past
// MaxBatch the batch stays put and the learning rate shrinks instead.
type PadaDampG struct{ p DampParams }

func (PadaDampG) Name() string { return "padadampg" }

func (d PadaDampG) want(m Meta) float64 {
	return float64(d.p.BatchSize) * math.Pow(d.p.Factor, float64(m.ModelUpdates/d.p.Dwell))
}

func (d PadaDampG) BatchSize(m Meta) int { return clampBatch(d.want(m), d.p.MaxBatch) }

func (d PadaDampG) LearningRate(m Meta, base float64) float64 {
	return dampedRate(base, d.want(m), d.p.MaxBatch)
}

// GeoDamp is PadaDampG driven by the number of answers received.
type GeoDamp struct{ p DampParams }

func (GeoDamp) Name() string { return "geodamp" }

func (d GeoDamp) want(m Meta) float64 {
	return float64(d.p.BatchSize) * math.Pow(d.p.Factor, float64(m.NumAnswers/d.p.Dwell))
}

func (d GeoDamp) BatchSize(m Meta) int { return clampBatch(d.want(m), d.p.MaxBatch) }

func (d GeoDamp) LearningRate(m Meta, base float64) float64 {
	return dampedRate(base, d.want(m), d.p.MaxBatch)
}

func clampBatch(bs float64, limit int) int {
	if math.IsNaN(bs) || bs > float64(limit) {
		return max(limit, 1)
	}
	return max(int(bs), 1)
}

func dampedRate(base, want float64, limit int) float64 {
	if want <= float64(limit) {
		return base
	}
	return base * float64(limit) / want
}
