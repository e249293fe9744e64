package scenario

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/kaz/stau/journal"
	"github.com/kaz/stau/msg"
)

type (
	generator struct {
		phases []*Phase
		writer *journal.Writer

		rnd *rand.Rand
		pb  *pb.ProgressBar
	}
)

func newGenerator(phases []*Phase, writer *journal.Writer) *generator {
	return &generator{
		phases: phases,
		writer: writer,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *generator) generate() error {
	total := 0
	for _, phase := range g.phases {
		total += phase.Seconds
	}

	g.pb = pb.Full.Start(total)

	// Stamps run up to now so a replayed journal reads like a run that just
	// ended.
	at := time.Now().Add(-time.Duration(total) * time.Second)

	for _, phase := range g.phases {
		for i := 0; i < phase.Seconds; i++ {
			if err := g.second(at, phase); err != nil {
				return fmt.Errorf("phase %q: %w", phase.Name, err)
			}
			at = at.Add(time.Second)
			g.pb.Increment()
		}
	}

	g.pb.Write().Finish()
	return nil
}

func (g *generator) second(at time.Time, phase *Phase) error {
	entities := make([]*msg.EntityPayload, 0, len(phase.Loads))

	totalTPS := 0.0
	for _, load := range phase.Loads {
		jit := g.jitter(load.Jitter)
		tps := load.TPS * jit
		totalTPS += tps

		entities = append(entities, &msg.EntityPayload{
			Entity: load.Entity,
			Fields: map[string]interface{}{
				msg.FieldTPS:        tps,
				msg.FieldResponseMS: load.ResponseMS * g.jitter(load.Jitter),
				msg.FieldInsert:     load.Insert * jit,
				msg.FieldUpdate:     load.Update * jit,
				msg.FieldDelete:     load.Delete * jit,
			},
		})
	}

	if err := g.writer.WriteAt(at, &msg.EntityTelemetryEvent{At: at, Entities: entities}); err != nil {
		return fmt.Errorf("WriteAt failed: %w", err)
	}

	snapshot := &msg.SystemSnapshotEvent{
		At: at,
		Waits: map[string]interface{}{
			"row_lock_ms": totalTPS * 0.02 * g.jitter(0.2),
			"io_read_ms":  totalTPS * 0.01 * g.jitter(0.2),
		},
		Sessions: map[string]interface{}{
			"active": float64(len(phase.Loads)) * 4 * g.jitter(0.3),
		},
	}
	if err := g.writer.WriteAt(at, snapshot); err != nil {
		return fmt.Errorf("WriteAt failed: %w", err)
	}
	return nil
}

func (g *generator) jitter(amount float64) float64 {
	if amount <= 0 {
		return 1
	}
	return 1 + (g.rnd.Float64()-0.5)*2*amount
}
