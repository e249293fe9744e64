package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kaz/stau/msg"
)

type (
	OpKind  int
	OpState int

	Operation struct {
		mu sync.Mutex

		entity     msg.EntityKey
		kind       OpKind
		state      OpState
		percent    int
		step       string
		cause      string
		startedAt  time.Time
		finishedAt time.Time

		done chan struct{}
	}

	Outcome struct {
		Entity  msg.EntityKey
		State   OpState
		Percent int
		Cause   string
		Err     error
	}

	// Tracker follows long-running engine operations, one record per entity.
	// Records only move forward: terminal states ignore every later update.
	Tracker struct {
		mu  sync.RWMutex
		ops map[msg.EntityKey]*Operation
		now func() time.Time
	}

	// Budget bounds how long an operation may stay unresolved. The timeout
	// grows with the work size up to a hard cap.
	Budget struct {
		BaseMS    int64 `yaml:"base_ms"`
		PerUnitMS int64 `yaml:"per_unit_ms"`
		HardCapMS int64 `yaml:"hard_cap_ms"`
	}
)

const (
	OpUnknown OpKind = iota
	OpCreate
	OpDrop
)

const (
	StatePending OpState = iota
	StateRunning
	StateSucceeded
	StateFailed
)

const CauseTimeout = "timeout"

var DefaultBudget = Budget{BaseMS: 10000, PerUnitMS: 3000, HardCapMS: 90000}

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpDrop:
		return "drop"
	}
	return "unknown"
}

func (s OpState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s OpState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (b Budget) Timeout(units int) time.Duration {
	if units < 1 {
		units = 1
	}
	ms := b.BaseMS + int64(units)*b.PerUnitMS
	if ms > b.HardCapMS {
		ms = b.HardCapMS
	}
	return time.Duration(ms) * time.Millisecond
}

func NewTracker() *Tracker {
	return &Tracker{ops: map[msg.EntityKey]*Operation{}, now: time.Now}
}

// Begin registers a fresh Pending record. An unfinished record for the same
// entity is a duplicate; terminal records are replaced, so entity names are
// reusable after an operation resolves.
func (t *Tracker) Begin(entity msg.EntityKey, kind OpKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if op, ok := t.ops[entity]; ok {
		op.mu.Lock()
		terminal := op.state.Terminal()
		op.mu.Unlock()
		if !terminal {
			return fmt.Errorf("%v %q: %w", kind, entity, ErrDuplicateOperation)
		}
	}

	t.ops[entity] = &Operation{
		entity:    entity,
		kind:      kind,
		state:     StatePending,
		startedAt: t.now(),
		done:      make(chan struct{}),
	}
	return nil
}

// MarkRunning promotes a Pending record once its request went out.
func (t *Tracker) MarkRunning(entity msg.EntityKey) {
	op := t.lookup(entity)
	if op == nil {
		return
	}

	op.mu.Lock()
	if op.state == StatePending {
		op.state = StateRunning
	}
	op.mu.Unlock()
}

// Observe applies one progress report. percent >= 100 resolves the record,
// percent < 0 fails it with step as the cause, anything else keeps it
// Running. Reports for entities this tracker never began are tracked anyway
// so the operator can see what the engine thinks it is doing.
func (t *Tracker) Observe(entity msg.EntityKey, percent int, step string) {
	t.mu.Lock()
	op, ok := t.ops[entity]
	if !ok {
		log.Warnf("progress for unknown operation %q", entity)
		op = &Operation{
			entity:    entity,
			kind:      OpUnknown,
			state:     StateRunning,
			startedAt: t.now(),
			done:      make(chan struct{}),
		}
		t.ops[entity] = op
	}
	t.mu.Unlock()

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state.Terminal() {
		return
	}

	switch {
	case percent >= 100:
		op.state = StateSucceeded
		op.percent = 100
		op.step = step
		op.finishedAt = t.now()
		close(op.done)
	case percent < 0:
		op.state = StateFailed
		op.percent = -1
		op.cause = step
		op.finishedAt = t.now()
		close(op.done)
	default:
		op.state = StateRunning
		op.percent = percent
		op.step = step
	}
}

func (t *Tracker) lookup(entity msg.EntityKey) *Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ops[entity]
}

func (t *Tracker) Get(entity msg.EntityKey) (*msg.OperationStatus, bool) {
	op := t.lookup(entity)
	if op == nil {
		return nil, false
	}
	return op.status(), true
}

func (t *Tracker) All() []*msg.OperationStatus {
	t.mu.RLock()
	ops := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.mu.RUnlock()

	all := make([]*msg.OperationStatus, 0, len(ops))
	for _, op := range ops {
		all = append(all, op.status())
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].Entity < all[j].Entity
		}
		return all[i].StartedAt.Before(all[j].StartedAt)
	})
	return all
}

// AwaitAll blocks until every listed operation resolves or its budget runs
// out. Operations still unresolved at the deadline are failed with a timeout
// cause. Each entity is awaited independently: one stuck entity never holds
// back another's outcome.
func (t *Tracker) AwaitAll(entities []msg.EntityKey, budget time.Duration) map[msg.EntityKey]*Outcome {
	wg := &sync.WaitGroup{}
	mu := &sync.Mutex{}
	outcomes := map[msg.EntityKey]*Outcome{}

	for _, entity := range entities {
		wg.Add(1)
		go func(entity msg.EntityKey) {
			defer wg.Done()

			outcome := t.await(entity, budget)

			mu.Lock()
			outcomes[entity] = outcome
			mu.Unlock()
		}(entity)
	}

	wg.Wait()
	return outcomes
}

func (t *Tracker) await(entity msg.EntityKey, budget time.Duration) *Outcome {
	op := t.lookup(entity)
	if op == nil {
		return &Outcome{
			Entity:  entity,
			State:   StateFailed,
			Percent: -1,
			Cause:   "no such operation",
			Err:     fmt.Errorf("no such operation: %q", entity),
		}
	}

	select {
	case <-op.done:
	case <-time.After(budget):
		// No-op if the record resolved while the timer fired.
		op.fail(t.now(), CauseTimeout)
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	out := &Outcome{Entity: entity, State: op.state, Percent: op.percent, Cause: op.cause}
	if op.state == StateFailed {
		if op.cause == CauseTimeout {
			out.Err = fmt.Errorf("%q: %w", entity, ErrTimeout)
		} else {
			out.Err = fmt.Errorf("%q failed: %v", entity, op.cause)
		}
	}
	return out
}

func (op *Operation) fail(at time.Time, cause string) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state.Terminal() {
		return
	}

	op.state = StateFailed
	op.percent = -1
	op.cause = cause
	op.finishedAt = at
	close(op.done)
}

func (op *Operation) status() *msg.OperationStatus {
	op.mu.Lock()
	defer op.mu.Unlock()

	return &msg.OperationStatus{
		Entity:     op.entity,
		Kind:       op.kind.String(),
		State:      op.state.String(),
		Percent:    op.percent,
		Step:       op.step,
		Cause:      op.cause,
		StartedAt:  op.startedAt,
		FinishedAt: op.finishedAt,
	}
}
