package engine

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kaz/stau/msg"
)

type (
	// simulator stands in for a real execution engine. It runs a closed
	// queueing model of the configured workloads and pushes one telemetry
	// round per second to the core.
	simulator struct {
		mu sync.Mutex

		core     string
		capacity float64
		failRate float64
		legacy   bool
		rnd      *rand.Rand

		order     []string
		workloads map[string]*msg.WorkloadConfig
		active    bool

		ops map[string]*simOp
		exp *simExperiment
	}

	simOp struct {
		kind   string
		step   int
		steps  int
		failAt int
	}

	simExperiment struct {
		cfg  *msg.ExperimentConfig
		tick int
	}
)

// Base service time per operation when the system is idle.
const serviceMS = 5.0

func newSimulator(core string, capacity, failRate float64, legacy bool) *simulator {
	if capacity <= 0 {
		capacity = 5000
	}
	return &simulator{
		core:      core,
		capacity:  capacity,
		failRate:  failRate,
		legacy:    legacy,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		workloads: map[string]*msg.WorkloadConfig{},
		ops:       map[string]*simOp{},
	}
}

func (s *simulator) run() {
	for range time.Tick(time.Second) {
		s.push(s.advance(time.Now()))
	}
}

func (s *simulator) push(events []interface{}) {
	for _, event := range events {
		if err := request(s.core, event); err != nil {
			// Core down or unreachable. Keep simulating, it will catch up
			// on the next round.
			log.Warnf("pushing %T failed: %v", event, err)
			return
		}
	}
}

// advance moves the simulation one second forward and returns the push
// events of this round.
func (s *simulator) advance(now time.Time) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := []interface{}{}

	if s.active && len(s.order) > 0 {
		events = append(events, s.telemetry(now), s.system(now))
	}

	for entity, op := range s.ops {
		op.step++
		switch {
		case op.failAt >= 0 && op.step >= op.failAt:
			events = append(events, &msg.OperationProgressEvent{Entity: entity, Percent: -1, Step: "simulated fault"})
			delete(s.ops, entity)
		case op.step >= op.steps:
			events = append(events, &msg.OperationProgressEvent{Entity: entity, Percent: 100, Step: "done"})
			delete(s.ops, entity)
		default:
			events = append(events, &msg.OperationProgressEvent{
				Entity:  entity,
				Percent: op.step * 100 / op.steps,
				Step:    fmt.Sprintf("%v step %v/%v", op.kind, op.step, op.steps),
			})
		}
	}

	if s.exp != nil {
		event, done := s.experiment(now)
		if event != nil {
			events = append(events, event)
		}
		if done {
			s.exp = nil
		}
	}

	return events
}

// gather builds an extra telemetry round without moving the simulation.
func (s *simulator) gather() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.active || len(s.order) == 0 {
		return nil
	}
	return []interface{}{s.telemetry(now), s.system(now)}
}

// demand is the operation rate one workload asks for, capped by what its
// sessions can sustain given the think time.
func demand(cfg *msg.WorkloadConfig) float64 {
	d := float64(cfg.InsertsPerSec + cfg.UpdatesPerSec + cfg.DeletesPerSec)

	think := float64(cfg.ThinkTimeMS)
	if think < 1 {
		think = 1
	}
	ceiling := float64(cfg.Sessions) * 1000 / (think + serviceMS)
	if d > ceiling {
		d = ceiling
	}
	return d
}

func (s *simulator) utilization() float64 {
	util := s.totalDemand() / s.capacity
	if util > 1 {
		util = 1
	}
	return util
}

func (s *simulator) jitter() float64 {
	return 1 + (s.rnd.Float64()-0.5)*0.1
}

func (s *simulator) telemetry(now time.Time) interface{} {
	util := s.utilization()

	// Past the knee the response time climbs steeply. All workloads share
	// the same backend, so contention scales everyone down together.
	scale := 1.0
	if sum := s.totalDemand(); sum > s.capacity {
		scale = s.capacity / sum
	}
	resp := serviceMS / (1.05 - util)

	entities := make([]*msg.EntityPayload, 0, len(s.order))
	for _, entity := range s.order {
		cfg := s.workloads[entity]
		tps := demand(cfg) * scale * s.jitter()

		opsSum := float64(cfg.InsertsPerSec + cfg.UpdatesPerSec + cfg.DeletesPerSec)
		if opsSum < 1 {
			opsSum = 1
		}

		entities = append(entities, &msg.EntityPayload{
			Entity: entity,
			Fields: map[string]interface{}{
				msg.FieldTPS:        tps,
				msg.FieldResponseMS: resp * s.jitter(),
				msg.FieldInsert:     tps * float64(cfg.InsertsPerSec) / opsSum,
				msg.FieldUpdate:     tps * float64(cfg.UpdatesPerSec) / opsSum,
				msg.FieldDelete:     tps * float64(cfg.DeletesPerSec) / opsSum,
			},
		})
	}

	if s.legacy {
		// Old single-entity wire shape, for cores that still speak it.
		return &msg.TelemetryEvent{At: now, Fields: entities[0].Fields}
	}
	return &msg.EntityTelemetryEvent{At: now, Entities: entities}
}

func (s *simulator) totalDemand() float64 {
	sum := 0.0
	for _, entity := range s.order {
		sum += demand(s.workloads[entity])
	}
	return sum
}

func (s *simulator) system(now time.Time) *msg.SystemSnapshotEvent {
	util := s.utilization()

	sessions := 0.0
	writes := 0.0
	for _, entity := range s.order {
		cfg := s.workloads[entity]
		sessions += float64(cfg.Sessions)
		writes += float64(cfg.InsertsPerSec + cfg.UpdatesPerSec)
	}

	writeShare := 0.0
	if sum := s.totalDemand(); sum > 0 {
		writeShare = writes / sum
		if writeShare > 1 {
			writeShare = 1
		}
	}

	return &msg.SystemSnapshotEvent{
		At: now,
		Waits: map[string]interface{}{
			"row_lock_ms":     util * util * 200 * s.jitter(),
			"io_read_ms":      util * 80 * s.jitter(),
			"commit_flush_ms": writeShare * util * 40 * s.jitter(),
		},
		Sessions: map[string]interface{}{
			"active": sessions * util,
			"idle":   sessions * (1 - util),
		},
	}
}

func (s *simulator) experiment(now time.Time) (interface{}, bool) {
	s.exp.tick++

	cfg := s.exp.cfg
	phase := cfg.WarmupSeconds + cfg.MeasurementSeconds
	if s.exp.tick > 2*phase {
		return nil, true
	}

	variant, vcfg := msg.VariantA, cfg.VariantA
	if s.exp.tick > phase {
		variant, vcfg = msg.VariantB, cfg.VariantB
	}

	// Each variant runs as if it had the backend to itself.
	d := demand(vcfg)
	util := d / s.capacity
	if util > 1 {
		util = 1
	}

	tps := d * s.jitter()
	if tps > s.capacity {
		tps = s.capacity
	}

	sessions := float64(vcfg.Sessions)
	if sessions < 1 {
		sessions = 1
	}

	return &msg.ExperimentSampleEvent{
		Variant: variant,
		At:      now,
		Fields: map[string]interface{}{
			msg.FieldTPS:        tps,
			msg.FieldResponseMS: serviceMS / (1.05 - util) * s.jitter(),
			msg.FieldEfficiency: tps / sessions,
		},
	}, false
}

func (s *simulator) startWorkload(body *msg.StartWorkloadMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		s.order = nil
		s.workloads = map[string]*msg.WorkloadConfig{}
	}

	for _, w := range body.Workloads {
		entity := string(msg.NormalizeKey(w.Entity))
		if _, ok := s.workloads[entity]; !ok {
			s.order = append(s.order, entity)
		}
		cfg := w.WorkloadConfig
		s.workloads[entity] = &cfg
	}
	s.active = true

	return fmt.Sprintf("workload started: %v", s.order)
}

func (s *simulator) stopWorkload() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
	return "workload stopped"
}

func (s *simulator) reconfigure(body *msg.ReconfigureMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity := string(msg.NormalizeKey(body.Entity))
	if _, ok := s.workloads[entity]; !ok {
		return fmt.Sprintf("no such workload: %v", entity)
	}
	s.workloads[entity] = body.Config
	return fmt.Sprintf("reconfigured %v", entity)
}

func (s *simulator) createEntity(body *msg.CreateEntityMessage) string {
	return s.beginOp(string(msg.NormalizeKey(body.Entity)), "create", opSteps(body.Size))
}

func (s *simulator) dropEntity(body *msg.DropEntityMessage) string {
	return s.beginOp(string(msg.NormalizeKey(body.Entity)), "drop", 2)
}

func opSteps(size *msg.SizeParams) int {
	if size == nil || size.Tables < 1 {
		return 3
	}
	return size.Tables
}

func (s *simulator) beginOp(entity, kind string, steps int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := &simOp{kind: kind, steps: steps, failAt: -1}
	if s.rnd.Float64() < s.failRate {
		op.failAt = 1 + s.rnd.Intn(steps)
	}
	s.ops[entity] = op

	return fmt.Sprintf("%v %v in %v steps", kind, entity, steps)
}

func (s *simulator) runExperiment(body *msg.RunExperimentMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exp = &simExperiment{cfg: body.Config}
	return fmt.Sprintf("experiment started: %v then %v", msg.VariantA, msg.VariantB)
}

func (s *simulator) stopExperiment() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exp = nil
	return "experiment stopped"
}

func request(addr string, body interface{}) error {
	conn, err := net.Dial("tcp4", addr)
	if err != nil {
		return fmt.Errorf("net.Dial failed: %w", err)
	}
	defer conn.Close()

	if err := msg.Send(conn, body); err != nil {
		return fmt.Errorf("msg.Send failed: %w", err)
	}

	raw, err := msg.Receive(conn)
	if err != nil {
		return fmt.Errorf("msg.Receive failed: %w", err)
	}

	ack, ok := raw.(*msg.AcknowledgedMessage)
	if !ok {
		return fmt.Errorf("unexpected message: %v", raw)
	}
	if ack.Status != "OK" {
		return fmt.Errorf("core rejected: %v", ack.Detail)
	}
	return nil
}
