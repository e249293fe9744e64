package digest

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/kaz/stau/journal"
	"github.com/kaz/stau/msg"
)

type (
	FrameSource interface {
		Frames() chan *journal.Frame
		Close() error
	}

	Report struct {
		From    time.Time `yaml:"from"`
		To      time.Time `yaml:"to"`
		Seconds float64   `yaml:"seconds"`
		Frames  int       `yaml:"frames"`

		Events   []*EventCount   `yaml:"events"`
		Entities []*EntityReport `yaml:"entities"`
		Waits    []*WaitReport   `yaml:"waits,omitempty"`
	}

	EventCount struct {
		Kind  string `yaml:"kind"`
		Count int    `yaml:"count"`
	}

	EntityReport struct {
		Entity         string  `yaml:"entity"`
		Samples        int     `yaml:"samples"`
		MeanTPS        float64 `yaml:"mean_tps"`
		PeakTPS        float64 `yaml:"peak_tps"`
		MeanResponseMS float64 `yaml:"mean_response_ms"`
		Inserts        float64 `yaml:"inserts"`
		Updates        float64 `yaml:"updates"`
		Deletes        float64 `yaml:"deletes"`
	}

	WaitReport struct {
		Name string  `yaml:"name"`
		Mean float64 `yaml:"mean"`
		Peak float64 `yaml:"peak"`
	}
)

// Action summarizes a recorded journal: what happened, to which entities,
// at what rates. The report goes to stdout or --output as YAML.
func Action(context *cli.Context) error {
	if context.String("journal") == "" {
		return fmt.Errorf("no journal was specified")
	}

	source, err := NewJournalFrameSource(context.String("journal"))
	if err != nil {
		return fmt.Errorf("NewJournalFrameSource failed: %w", err)
	}
	defer source.Close()

	report := digest(source)

	var out io.Writer = os.Stdout

	outFilePath := context.String("output")
	if outFilePath != "" {
		outFile, err := os.Create(outFilePath)
		if err != nil {
			return fmt.Errorf("os.Create failed: %w", err)
		}
		defer outFile.Close()

		out = outFile
	}

	if err := yaml.NewEncoder(out).Encode(report); err != nil {
		return fmt.Errorf("yaml.Encoder.Encode failed: %w", err)
	}
	return nil
}

func digest(source FrameSource) *Report {
	report := &Report{}

	kinds := map[string]int{}
	entities := map[string]*entityAcc{}
	entityOrder := []string{}
	waits := map[string]*waitAcc{}

	for frame := range source.Frames() {
		if report.Frames == 0 || frame.At.Before(report.From) {
			report.From = frame.At
		}
		if frame.At.After(report.To) {
			report.To = frame.At
		}
		report.Frames++

		kinds[kindName(frame.Event)]++

		switch event := frame.Event.(type) {
		case *msg.TelemetryEvent:
			accumulate(entities, &entityOrder, "", event.Fields)
		case *msg.EntityTelemetryEvent:
			for _, ent := range event.Entities {
				accumulate(entities, &entityOrder, string(msg.NormalizeKey(ent.Entity)), ent.Fields)
			}
		case *msg.SystemSnapshotEvent:
			for name, raw := range event.Waits {
				v, ok := msg.Numeric(raw)
				if !ok {
					continue
				}
				if _, seen := waits[name]; !seen {
					waits[name] = &waitAcc{}
				}
				waits[name].add(v)
			}
		}
	}

	if report.Frames > 0 {
		report.Seconds = report.To.Sub(report.From).Seconds()
	}

	for kind, count := range kinds {
		report.Events = append(report.Events, &EventCount{Kind: kind, Count: count})
	}
	sort.Slice(report.Events, func(i, j int) bool {
		if report.Events[i].Count == report.Events[j].Count {
			return report.Events[i].Kind < report.Events[j].Kind
		}
		return report.Events[i].Count > report.Events[j].Count
	})

	for _, key := range entityOrder {
		report.Entities = append(report.Entities, entities[key].report(key))
	}
	sort.Slice(report.Entities, func(i, j int) bool { return report.Entities[i].MeanTPS > report.Entities[j].MeanTPS })

	for name, acc := range waits {
		report.Waits = append(report.Waits, &WaitReport{Name: name, Mean: acc.mean(), Peak: acc.peak})
	}
	sort.Slice(report.Waits, func(i, j int) bool { return report.Waits[i].Peak > report.Waits[j].Peak })

	return report
}

func kindName(event interface{}) string {
	switch event.(type) {
	case *msg.TelemetryEvent:
		return "telemetry"
	case *msg.EntityTelemetryEvent:
		return "entity_telemetry"
	case *msg.SystemSnapshotEvent:
		return "system_snapshot"
	case *msg.OperationProgressEvent:
		return "operation_progress"
	case *msg.ExperimentSampleEvent:
		return "experiment_sample"
	}
	return "unknown"
}

type (
	entityAcc struct {
		samples int
		tpsSum  float64
		tpsPeak float64
		respSum float64
		inserts float64
		updates float64
		deletes float64
	}

	waitAcc struct {
		count int
		sum   float64
		peak  float64
	}
)

func accumulate(entities map[string]*entityAcc, order *[]string, key string, fields map[string]interface{}) {
	acc, ok := entities[key]
	if !ok {
		acc = &entityAcc{}
		entities[key] = acc
		*order = append(*order, key)
	}

	num := func(name string) float64 {
		v, _ := msg.Numeric(fields[name])
		return v
	}

	tps := num(msg.FieldTPS)
	acc.samples++
	acc.tpsSum += tps
	if tps > acc.tpsPeak {
		acc.tpsPeak = tps
	}
	acc.respSum += num(msg.FieldResponseMS)
	acc.inserts += num(msg.FieldInsert)
	acc.updates += num(msg.FieldUpdate)
	acc.deletes += num(msg.FieldDelete)
}

func (acc *entityAcc) report(key string) *EntityReport {
	name := key
	if name == "" {
		name = "(default)"
	}

	rep := &EntityReport{
		Entity:  name,
		Samples: acc.samples,
		PeakTPS: acc.tpsPeak,
		Inserts: acc.inserts,
		Updates: acc.updates,
		Deletes: acc.deletes,
	}
	if acc.samples > 0 {
		rep.MeanTPS = acc.tpsSum / float64(acc.samples)
		rep.MeanResponseMS = acc.respSum / float64(acc.samples)
	}
	return rep
}

func (acc *waitAcc) add(v float64) {
	acc.count++
	acc.sum += v
	if v > acc.peak {
		acc.peak = v
	}
}

func (acc *waitAcc) mean() float64 {
	if acc.count == 0 {
		return 0
	}
	return acc.sum / float64(acc.count)
}
