package core

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kaz/stau/journal"
	"github.com/kaz/stau/msg"
)

var (
	ErrDuplicateOperation       = errors.New("operation already in progress")
	ErrAlreadyRunning           = errors.New("workload already running")
	ErrExperimentAlreadyRunning = errors.New("experiment already running")
	ErrTimeout                  = errors.New("operation timed out")
	ErrEngineRequest            = errors.New("engine request failed")
)

type (
	// Core owns all benchmark state and the single loop that mutates it.
	// Push events from the engine go through Ingest into the loop; verbs
	// toward the engine are fire-and-forget, their outcomes come back as
	// push events.
	Core struct {
		store   *Store
		norm    *Normalizer
		tracker *Tracker
		session *Session
		runner  *Runner

		engine  requester
		journal *journal.Writer
		events  chan interface{}

		catalogMu sync.RWMutex
		catalog   map[msg.EntityKey]bool

		budget Budget
	}

	requester interface {
		request(body interface{}) error
	}

	engineClient struct {
		addr    string
		timeout time.Duration
	}
)

func New(conf *Config) *Core {
	store := NewStore()
	return &Core{
		store:   store,
		norm:    NewNormalizer(store),
		tracker: NewTracker(),
		session: NewSession(),
		runner:  NewRunner(),
		engine:  &engineClient{addr: conf.Engine, timeout: 10 * time.Second},
		events:  make(chan interface{}, 256),
		catalog: map[msg.EntityKey]bool{},
		budget:  conf.Budget,
	}
}

// Ingest queues one push event for the loop. Events apply strictly in
// arrival order.
func (c *Core) Ingest(event interface{}) {
	c.events <- event
}

// Run drives the event loop until done closes. All event state changes
// happen here, one event at a time.
func (c *Core) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event := <-c.events:
			c.apply(event)
		}
	}
}

func (c *Core) apply(event interface{}) {
	if c.journal != nil {
		if err := c.journal.Write(event); err != nil {
			log.Errorf("journal.Write failed: %v", err)
		}
	}

	switch event := event.(type) {
	case *msg.TelemetryEvent:
		c.norm.ApplyFlat(event)
	case *msg.EntityTelemetryEvent:
		c.norm.ApplyEntities(event)
	case *msg.SystemSnapshotEvent:
		c.norm.ApplySystem(event)
	case *msg.OperationProgressEvent:
		c.tracker.Observe(msg.NormalizeKey(event.Entity), event.Percent, event.Step)
	case *msg.ExperimentSampleEvent:
		sample := c.norm.Coerce(event.At, event.Fields, msg.FieldTPS, msg.FieldResponseMS, msg.FieldEfficiency)
		c.runner.Ingest(event.Variant, sample)
	default:
		log.Warnf("unexpected event: %T", event)
	}
}

// CreateEntities begins one independent operation per entity and fires the
// create requests. Per-entity failures land in the tracker; they never
// unwind the rest of the batch. The returned error is the first one hit.
func (c *Core) CreateEntities(entities []string, size *msg.SizeParams) ([]msg.EntityKey, error) {
	return c.provision(entities, OpCreate, size)
}

func (c *Core) DropEntities(entities []string) ([]msg.EntityKey, error) {
	return c.provision(entities, OpDrop, nil)
}

func (c *Core) provision(entities []string, kind OpKind, size *msg.SizeParams) ([]msg.EntityKey, error) {
	if len(entities) == 0 {
		return nil, fmt.Errorf("no entities given")
	}

	keys := make([]msg.EntityKey, 0, len(entities))
	for _, raw := range entities {
		key := msg.NormalizeKey(raw)
		if key == "" {
			return nil, fmt.Errorf("invalid entity name: %q", raw)
		}
		keys = append(keys, key)
	}

	units := 1
	if size != nil && size.Tables > units {
		units = size.Tables
	}
	timeout := c.budget.Timeout(units)

	var firstErr error
	started := make([]msg.EntityKey, 0, len(keys))
	for _, key := range keys {
		if err := c.tracker.Begin(key, kind); err != nil {
			log.Warnf("Begin failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started = append(started, key)
	}

	wg := &sync.WaitGroup{}
	for _, key := range started {
		wg.Add(1)
		go func(key msg.EntityKey) {
			defer wg.Done()

			var req interface{}
			if kind == OpCreate {
				req = &msg.CreateEntityMessage{Entity: string(key), Size: size, TimeoutMS: int64(timeout / time.Millisecond)}
			} else {
				req = &msg.DropEntityMessage{Entity: string(key), TimeoutMS: int64(timeout / time.Millisecond)}
			}

			if err := c.engine.request(req); err != nil {
				log.Errorf("%v %q: %v", kind, key, err)
				c.tracker.Observe(key, -1, err.Error())
				return
			}
			c.tracker.MarkRunning(key)
		}(key)
	}
	wg.Wait()

	// Catalog refresh happens once the whole batch resolves. Slow or failed
	// entities never hold the others' outcomes back, only the bookkeeping.
	go c.refreshCatalog(kind, started, timeout)

	return started, firstErr
}

func (c *Core) refreshCatalog(kind OpKind, keys []msg.EntityKey, budget time.Duration) {
	outcomes := c.tracker.AwaitAll(keys, budget)

	c.catalogMu.Lock()
	defer c.catalogMu.Unlock()

	for key, outcome := range outcomes {
		if outcome.State != StateSucceeded {
			log.Warnf("%v %q not completed: %v", kind, key, outcome.Cause)
			continue
		}
		if kind == OpCreate {
			c.catalog[key] = true
		} else {
			delete(c.catalog, key)
		}
	}
}

// StartWorkload activates the batch locally, wipes those entities' sample
// windows for a fresh run, then tells the engine. The engine's progress
// comes back through the push stream; a failed send surfaces but does not
// unwind the local state.
func (c *Core) StartWorkload(workloads []*msg.Workload) ([]msg.EntityKey, error) {
	keys, err := c.session.Start(workloads)
	if err != nil {
		return nil, err
	}

	c.store.Reset(keys...)

	if err := c.engine.request(&msg.StartWorkloadMessage{Workloads: workloads}); err != nil {
		return keys, err
	}
	return keys, nil
}

func (c *Core) StopWorkload() ([]msg.EntityKey, error) {
	stopped := c.session.Stop()
	if err := c.engine.request(&msg.StopWorkloadMessage{}); err != nil {
		return stopped, err
	}
	return stopped, nil
}

// Reconfigure replaces one running workload's config. Reconfiguring an
// inactive entity is a no-op, not an error.
func (c *Core) Reconfigure(entity string, cfg *msg.WorkloadConfig) error {
	key := msg.NormalizeKey(entity)
	if !c.session.Reconfigure(key, cfg) {
		return nil
	}
	return c.engine.request(&msg.ReconfigureMessage{Entity: string(key), Config: cfg})
}

func (c *Core) RunExperiment(cfg *msg.ExperimentConfig) error {
	if err := c.runner.Start(cfg); err != nil {
		return err
	}

	if err := c.engine.request(&msg.RunExperimentMessage{Config: cfg}); err != nil {
		// The engine never heard about the run, so waiting for samples is
		// pointless. Abort right away instead of leaving it to the watchdog.
		c.runner.Stop()
		return err
	}
	return nil
}

func (c *Core) StopExperiment() error {
	c.runner.Stop()
	return c.engine.request(&msg.StopExperimentMessage{})
}

// GatherStatistics asks the engine for an immediate push round on top of
// its regular cadence.
func (c *Core) GatherStatistics() error {
	return c.engine.request(&msg.GatherStatisticsMessage{})
}

// Snapshot reads one entity's window. The default key resolves to the
// primary entity so single-entity consumers keep working in multi-entity
// mode.
func (c *Core) Snapshot(entity string, channel msg.Channel) []*msg.Sample {
	return c.store.Snapshot(c.resolve(entity), channel)
}

func (c *Core) resolve(entity string) msg.EntityKey {
	key := msg.NormalizeKey(entity)
	if key != "" {
		return key
	}
	return c.PrimaryKey()
}

// PrimaryKey is the entity single-entity consumers are shown: the current
// run's first-started workload, or failing that the first entity the
// telemetry stream reported.
func (c *Core) PrimaryKey() msg.EntityKey {
	if key, ok := c.session.PrimaryKey(); ok {
		return key
	}
	return c.norm.Primary()
}

// PrimaryView is the single-entity projection of the primary entity's
// state. Computed on read; nothing is mirrored at write time.
func (c *Core) PrimaryView() *msg.EntityStatus {
	return c.entityStatus(c.PrimaryKey())
}

func (c *Core) entityStatus(key msg.EntityKey) *msg.EntityStatus {
	return &msg.EntityStatus{
		Entity:  key,
		Active:  c.session.IsActive(key),
		Config:  c.session.Config(key),
		Current: c.store.Latest(key, msg.ChannelThroughput),
		OpMix:   c.store.Latest(key, msg.ChannelOpMix),
	}
}

func (c *Core) OperationState(entity string) (*msg.OperationStatus, bool) {
	return c.tracker.Get(msg.NormalizeKey(entity))
}

func (c *Core) Catalog() []msg.EntityKey {
	c.catalogMu.RLock()
	defer c.catalogMu.RUnlock()

	keys := make([]msg.EntityKey, 0, len(c.catalog))
	for key := range c.catalog {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Status assembles the full dashboard snapshot: the current run's entities
// in start order first, then any others the telemetry stream brought in.
func (c *Core) Status() *msg.StatusResponse {
	resp := &msg.StatusResponse{
		UptimeSeconds:   c.session.Uptime(),
		Primary:         c.PrimaryKey(),
		Catalog:         c.Catalog(),
		Operations:      c.tracker.All(),
		System:          c.norm.System(),
		MalformedFields: c.norm.Malformed(),
	}

	keys := c.session.AllKeys()
	seen := map[msg.EntityKey]bool{}
	for _, key := range keys {
		seen[key] = true
	}
	for _, key := range c.store.Keys(msg.ChannelThroughput) {
		if !seen[key] {
			keys = append(keys, key)
			seen[key] = true
		}
	}

	for _, key := range keys {
		resp.Entities = append(resp.Entities, c.entityStatus(key))
	}

	result, running, phase := c.runner.Result()
	resp.Experiment = &msg.ExperimentStatus{Running: running, Phase: phase, Result: result}

	return resp
}

// request performs one fire-and-forget verb toward the engine: dial, send,
// wait for the ack. Everything beyond the ack comes back as push events.
func (e *engineClient) request(body interface{}) error {
	conn, err := net.DialTimeout("tcp4", e.addr, e.timeout)
	if err != nil {
		return fmt.Errorf("%w: net.Dial failed: %v", ErrEngineRequest, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(e.timeout)); err != nil {
		return fmt.Errorf("%w: conn.SetDeadline failed: %v", ErrEngineRequest, err)
	}

	if err := msg.Send(conn, body); err != nil {
		return fmt.Errorf("%w: msg.Send failed: %v", ErrEngineRequest, err)
	}

	raw, err := msg.Receive(conn)
	if err != nil {
		return fmt.Errorf("%w: msg.Receive failed: %v", ErrEngineRequest, err)
	}

	ack, ok := raw.(*msg.AcknowledgedMessage)
	if !ok {
		return fmt.Errorf("%w: unexpected message: %v", ErrEngineRequest, raw)
	}
	if ack.Status != "OK" {
		return fmt.Errorf("%w: %v", ErrEngineRequest, ack.Detail)
	}
	return nil
}
