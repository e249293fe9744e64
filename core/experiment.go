package core

import (
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kaz/stau/msg"
)

type (
	// Runner hosts at most one A/B experiment. Per variant it discards a
	// warm-up prefix, keeps a bounded measurement window and reduces it to
	// means when the run finishes, by request or by watchdog.
	Runner struct {
		mu sync.Mutex

		cfg     *msg.ExperimentConfig
		running bool
		aborted bool
		started time.Time

		variants map[string]*variantRun
		result   *msg.ExperimentResult

		now      func() time.Time
		watchdog *time.Timer
	}

	variantRun struct {
		first   time.Time
		samples []*msg.Sample
	}
)

// Slack on top of the nominal experiment length before the watchdog calls
// the run dead.
const watchdogGrace = 30 * time.Second

func NewRunner() *Runner {
	return &Runner{now: time.Now}
}

func (r *Runner) Start(cfg *msg.ExperimentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrExperimentAlreadyRunning
	}
	if cfg.WarmupSeconds < 0 {
		return fmt.Errorf("negative warm-up")
	}
	if cfg.MeasurementSeconds < 1 {
		return fmt.Errorf("measurement phase must be at least one second")
	}
	if cfg.VariantA == nil || cfg.VariantB == nil {
		return fmt.Errorf("both variants must be configured")
	}

	r.cfg = cfg
	r.running = true
	r.aborted = false
	r.started = r.now()
	r.result = nil
	r.variants = map[string]*variantRun{
		msg.VariantA: {},
		msg.VariantB: {},
	}

	// A dead engine must not leave the runner stuck mid-experiment.
	total := time.Duration(2*(cfg.WarmupSeconds+cfg.MeasurementSeconds)) * time.Second
	r.watchdog = time.AfterFunc(total+watchdogGrace, r.expire)

	return nil
}

// Ingest files one engine sample. A variant's clock starts at its first
// sample; anything within the warm-up window is discarded, the rest is kept
// up to the measurement size. Once both variants are full the run finishes
// on its own.
func (r *Runner) Ingest(variant string, sample *msg.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	run, ok := r.variants[variant]
	if !ok {
		log.Warnf("sample for unknown variant %q", variant)
		return
	}

	if run.first.IsZero() {
		run.first = sample.At
	}
	if sample.At.Sub(run.first) < time.Duration(r.cfg.WarmupSeconds)*time.Second {
		return
	}

	if len(run.samples) < r.cfg.MeasurementSeconds {
		run.samples = append(run.samples, sample)
	}

	if len(r.variants[msg.VariantA].samples) >= r.cfg.MeasurementSeconds &&
		len(r.variants[msg.VariantB].samples) >= r.cfg.MeasurementSeconds {
		r.finish()
	}
}

// Stop aborts the current run, reducing whatever was measured so far.
// Returns whether a run was active.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return false
	}
	r.aborted = true
	r.finish()
	return true
}

func (r *Runner) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	log.Warnf("experiment watchdog fired, aborting")
	r.aborted = true
	r.finish()
}

// finish must be called with r.mu held.
func (r *Runner) finish() {
	r.running = false
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}

	a := reduceVariant(msg.VariantA, r.variants[msg.VariantA].samples)
	b := reduceVariant(msg.VariantB, r.variants[msg.VariantB].samples)

	r.result = &msg.ExperimentResult{
		Config:     r.cfg,
		StartedAt:  r.started,
		FinishedAt: r.now(),
		Aborted:    r.aborted,
		A:          a,
		B:          b,
		Comparison: compare(a, b),
	}
}

// Result returns the latest outcome plus the live state. The result is nil
// until one run has finished.
func (r *Runner) Result() (*msg.ExperimentResult, bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.running, r.phase()
}

// phase must be called with r.mu held.
func (r *Runner) phase() string {
	if !r.running {
		if r.result != nil {
			return "done"
		}
		return "idle"
	}

	warm := time.Duration(r.cfg.WarmupSeconds) * time.Second
	for _, variant := range []string{msg.VariantB, msg.VariantA} {
		run := r.variants[variant]
		if run.first.IsZero() {
			continue
		}
		if r.now().Sub(run.first) < warm {
			return "warmup-" + variant
		}
		return "measure-" + variant
	}
	return "starting"
}

func reduceVariant(name string, samples []*msg.Sample) *msg.VariantResult {
	res := &msg.VariantResult{Variant: name, Samples: samples}
	if len(samples) == 0 {
		return res
	}

	tps := make([]float64, 0, len(samples))
	resp := make([]float64, 0, len(samples))
	for _, s := range samples {
		tps = append(tps, s.Fields[msg.FieldTPS])
		resp = append(resp, s.Fields[msg.FieldResponseMS])
	}

	res.MeanThroughput = mean(tps)
	res.MeanResponseTime = mean(resp)
	res.MinThroughput = minOf(tps)
	res.MaxThroughput = maxOf(tps)
	res.StddevThroughput = stddev(tps)
	return res
}

// compare decides winners per dimension. Higher throughput wins, lower
// response time wins; exact equality is an explicit tie. With either side
// unmeasured there is nothing to decide and the winners stay empty.
func compare(a, b *msg.VariantResult) *msg.ExperimentComparison {
	cmp := &msg.ExperimentComparison{
		ThroughputDelta:   b.MeanThroughput - a.MeanThroughput,
		ResponseTimeDelta: b.MeanResponseTime - a.MeanResponseTime,
	}

	if len(a.Samples) == 0 || len(b.Samples) == 0 {
		return cmp
	}

	cmp.ThroughputWinner = winner(a.MeanThroughput, b.MeanThroughput, true)
	cmp.ResponseTimeWinner = winner(a.MeanResponseTime, b.MeanResponseTime, false)

	// Efficiency is optional: compared only when both variants reported it.
	ea, aok := meanField(a.Samples, msg.FieldEfficiency)
	eb, bok := meanField(b.Samples, msg.FieldEfficiency)
	if aok && bok {
		cmp.EfficiencyWinner = winner(ea, eb, true)
	}

	return cmp
}

func winner(a, b float64, higherWins bool) string {
	switch {
	case a == b:
		return msg.WinnerTie
	case (b > a) == higherWins:
		return msg.VariantB
	default:
		return msg.VariantA
	}
}

func meanField(samples []*msg.Sample, name string) (float64, bool) {
	values := []float64{}
	for _, s := range samples {
		if v, ok := s.Fields[name]; ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return 0, false
	}
	return mean(values), true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func minOf(values []float64) float64 {
	min := values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
	}
	return min
}

func maxOf(values []float64) float64 {
	max := values[0]
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
