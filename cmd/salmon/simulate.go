package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stsievert/salmon-sub000/pkg/engine"
	"github.com/stsievert/salmon-sub000/pkg/eval"
	"github.com/stsievert/salmon-sub000/pkg/logging"
	"github.com/stsievert/salmon-sub000/pkg/math/geometry"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the engine with a simulated crowd",
		Long: `Draw a ground-truth embedding, let simulated participants answer the
engine's queries through a noise model, and report how well each sampler's
embedding recovers the truth as answers arrive.`,
		RunE: runSimulate,
	}
	cmd.Flags().Int("answers", 2000, "Total answers to submit")
	cmd.Flags().Float64("rate", 200, "Answers per second across all participants (0 is unlimited)")
	cmd.Flags().Int("participants", 8, "Concurrent simulated participants")
	cmd.Flags().String("crowd-noise", "TSTE", "Noise model the simulated crowd answers with")
	cmd.Flags().Int("held-out", 1000, "Held-out answers used for accuracy")
	cmd.Flags().Duration("eval-every", 5*time.Second, "Evaluation interval while answering")
	cmd.Flags().Duration("drain-timeout", 30*time.Second, "How long to wait for runners to process the last answers")
	cmd.Flags().Bool("in-memory", true, "Use the in-memory store")
	cmd.Flags().String("data-dir", "", "Data directory when --in-memory=false (overrides config)")
	cmd.Flags().String("report", "", "Write the final evaluation as JSON to this file")
	return cmd
}

// crowd answers queries from a ground-truth embedding through a noise model.
type crowd struct {
	truth [][]float64
	model noise.Model
}

// groundTruth draws n standard normal points in d dimensions.
func groundTruth(n, d int, seed uint64) [][]float64 {
	rng := triplet.NewRand(seed)
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, d)
		for k := range rows[i] {
			rows[i][k] = rng.NormFloat64()
		}
	}
	return rows
}

// answer picks the left item with the noise model's probability.
func (c *crowd) answer(rng *rand.Rand, q triplet.Query) triplet.Answer {
	h := c.truth[q.Head]
	p := c.model.Prob(geometry.SquaredDistance(h, c.truth[q.Left]), geometry.SquaredDistance(h, c.truth[q.Right]))
	a := triplet.Answer{Head: q.Head, Left: q.Left, Right: q.Right, Winner: q.Right}
	if rng.Float64() < p {
		a.Winner = q.Left
	}
	return a
}

// heldOut answers count uniformly random queries.
func (c *crowd) heldOut(rng *rand.Rand, count int) []triplet.Answer {
	out := make([]triplet.Answer, count)
	for i := range out {
		out[i] = c.answer(rng, triplet.Random(rng, len(c.truth)))
	}
	return out
}

// tally counts submitted answers per sampler.
type tally struct {
	mu sync.Mutex
	m  map[string]int
}

func (t *tally) add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]int)
	}
	t.m[name]++
}

func (t *tally) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// participate serves queries to one participant until the answer budget is
// spent.
func participate(ctx context.Context, eng *engine.Engine, c *crowd, limiter *rate.Limiter,
	issued *atomic.Int64, total int64, seed uint64, sent *tally) error {
	id := uuid.NewString()
	rng := triplet.NewRand(seed)
	for issued.Add(1) <= total {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		q, err := eng.GetQuery(ctx, id)
		if err != nil {
			return fmt.Errorf("participant %s: %w", id, err)
		}
		a := c.answer(rng, q.Query)
		a.Sampler = q.Sampler
		a.Participant = id
		a.Score = q.Score
		a.ResponseTime = 0.5 + rng.ExpFloat64()
		if err := eng.SubmitAnswer(ctx, a); err != nil {
			return fmt.Errorf("participant %s: %w", id, err)
		}
		sent.add(q.Sampler)
	}
	return nil
}

// embeddingSamplers lists samplers whose models carry an embedding.
func embeddingSamplers(eng *engine.Engine) []string {
	var out []string
	for _, name := range eng.Samplers() {
		if m, err := eng.GetModel(name); err == nil && m.D > 0 {
			out = append(out, name)
		}
	}
	return out
}

// waitProcessed waits until every running sampler has processed the answers
// submitted to it.
func waitProcessed(ctx context.Context, eng *engine.Engine, sent map[string]int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		done := true
		for _, s := range eng.Status() {
			if !s.Stopped && s.Counters.NumAnswers < sent[s.Name] {
				done = false
			}
		}
		if done {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	total, _ := cmd.Flags().GetInt("answers")
	rps, _ := cmd.Flags().GetFloat64("rate")
	participants, _ := cmd.Flags().GetInt("participants")
	crowdNoise, _ := cmd.Flags().GetString("crowd-noise")
	heldOut, _ := cmd.Flags().GetInt("held-out")
	evalEvery, _ := cmd.Flags().GetDuration("eval-every")
	drainTimeout, _ := cmd.Flags().GetDuration("drain-timeout")
	report, _ := cmd.Flags().GetString("report")
	cfg.Store.InMemory, _ = cmd.Flags().GetBool("in-memory")
	participants = max(participants, 1)
	cfg.Memory.ApplyRuntime()

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	n := cfg.Items()
	model, err := noise.New(crowdNoise, noise.Params{D: cfg.D})
	if err != nil {
		return err
	}
	c := &crowd{truth: groundTruth(n, cfg.D, cfg.Seed), model: model}

	h := eval.NewHarness(n)
	h.SetSeed(cfg.Seed)
	h.SetNoiseModel(model)
	h.AddAnswers(c.heldOut(triplet.NewRand(cfg.Seed+1), heldOut))
	if err := h.SetTruth(c.truth); err != nil {
		return err
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	eng, err := engine.New(st, specs, cfg.EngineOptions(log))
	if err != nil {
		return fmt.Errorf("building samplers: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	limiter := rate.NewLimiter(limit, participants)

	fmt.Printf("🐟 Simulating %d answers from %d participants (n=%d, d=%d, crowd=%s)\n",
		total, participants, n, cfg.D, model.Name())
	fmt.Println()

	rep := eval.NewReporter(os.Stdout)
	evaluate := func(ctx context.Context) (*eval.EvalResult, error) {
		names := embeddingSamplers(eng)
		if len(names) == 0 {
			return nil, nil
		}
		return h.Run(ctx, eng, names)
	}

	var issued atomic.Int64
	var sent tally
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < participants; i++ {
		seed := cfg.Seed + 100 + uint64(i)
		g.Go(func() error {
			return participate(gctx, eng, c, limiter, &issued, int64(total), seed, &sent)
		})
	}

	crowdDone := make(chan error, 1)
	go func() { crowdDone <- g.Wait() }()

	var tick <-chan time.Time
	if evalEvery > 0 {
		t := time.NewTicker(evalEvery)
		defer t.Stop()
		tick = t.C
	}
	var crowdErr error
wait:
	for {
		select {
		case crowdErr = <-crowdDone:
			break wait
		case <-tick:
			res, err := evaluate(ctx)
			if err != nil {
				return err
			}
			if res != nil {
				fmt.Printf("⏱️  %v\n", time.Since(start).Round(time.Second))
				rep.PrintCompact(res)
			}
		}
	}
	if crowdErr != nil && !errors.Is(crowdErr, context.Canceled) {
		return crowdErr
	}

	fmt.Println()
	fmt.Println("⏳ Waiting for runners to process the last answers...")
	if !waitProcessed(ctx, eng, sent.snapshot(), drainTimeout) {
		fmt.Println("   ⚠️  Timed out; some answers are still pending")
	}
	elapsed := time.Since(start)

	res, err := evaluate(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Println("⚠️  No sampler learns an embedding; nothing to evaluate")
	} else {
		res.SuiteName = fmt.Sprintf("simulate n=%d d=%d crowd=%s", n, cfg.D, model.Name())
		rep.PrintSummary(res)
		if report != "" {
			if err := rep.SaveJSON(res, report); err != nil {
				return err
			}
			fmt.Printf("💾 Report: %s\n", report)
		}
	}

	answered := 0
	for _, v := range sent.snapshot() {
		answered += v
	}
	printStatus(eng.Status())
	fmt.Printf("✅ %d answers in %v (%.0f/s)\n", answered, elapsed.Round(time.Millisecond),
		float64(answered)/elapsed.Seconds())
	return nil
}
