package core

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaz/stau/msg"
)

type fakeEngine struct {
	mu       sync.Mutex
	requests []interface{}
	err      error
}

func (f *fakeEngine) request(body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, body)
	return f.err
}

func (f *fakeEngine) sent() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}{}, f.requests...)
}

func newTestCore() (*Core, *fakeEngine) {
	engine := &fakeEngine{}
	c := New(DefaultConfig())
	c.engine = engine
	return c, engine
}

func TestCoreRunAppliesEventsInOrder(t *testing.T) {
	c, _ := newTestCore()

	done := make(chan struct{})
	defer close(done)
	go c.Run(done)

	for i := 0; i < 5; i++ {
		c.Ingest(&msg.EntityTelemetryEvent{
			At: testAt.Add(time.Duration(i) * time.Second),
			Entities: []*msg.EntityPayload{
				{Entity: "alpha", Fields: map[string]interface{}{msg.FieldTPS: float64(i)}},
			},
		})
	}

	assert.Eventually(t, func() bool {
		return len(c.Snapshot("alpha", msg.ChannelThroughput)) == 5
	}, time.Second, 10*time.Millisecond)

	for i, sample := range c.Snapshot("alpha", msg.ChannelThroughput) {
		assert.Equal(t, float64(i), sample.Fields[msg.FieldTPS])
	}
}

func TestApplyRoutesOperationProgress(t *testing.T) {
	c, _ := newTestCore()
	require.NoError(t, c.tracker.Begin("alpha", OpCreate))

	c.apply(&msg.OperationProgressEvent{Entity: "Alpha", Percent: 50, Step: "loading rows"})

	op, ok := c.OperationState("alpha")
	require.True(t, ok)
	assert.Equal(t, 50, op.Percent)
	assert.Equal(t, "loading rows", op.Step)
}

func TestApplyRoutesExperimentSamples(t *testing.T) {
	c, _ := newTestCore()
	require.NoError(t, c.RunExperiment(&msg.ExperimentConfig{
		VariantA:           &msg.WorkloadConfig{Sessions: 4},
		VariantB:           &msg.WorkloadConfig{Sessions: 8},
		MeasurementSeconds: 1,
	}))

	c.apply(&msg.ExperimentSampleEvent{Variant: msg.VariantA, At: testAt, Fields: map[string]interface{}{
		msg.FieldTPS: 120, msg.FieldResponseMS: "8.5",
	}})
	c.apply(&msg.ExperimentSampleEvent{Variant: msg.VariantB, At: testAt.Add(5 * time.Second), Fields: map[string]interface{}{
		msg.FieldTPS: 90.0, msg.FieldResponseMS: 11.0,
	}})

	result, running, _ := c.runner.Result()
	assert.False(t, running)
	require.NotNil(t, result)
	assert.Equal(t, 120.0, result.A.MeanThroughput)
	assert.Equal(t, 8.5, result.A.MeanResponseTime)
	assert.Equal(t, msg.VariantA, result.Comparison.ThroughputWinner)
}

func TestCreateEntitiesTracksAndCatalogs(t *testing.T) {
	c, engine := newTestCore()

	keys, err := c.CreateEntities([]string{"Alpha-DB", "beta"}, &msg.SizeParams{Tables: 4, RowsPerTable: 1000})
	require.NoError(t, err)
	assert.Equal(t, []msg.EntityKey{"alphadb", "beta"}, keys)

	sent := engine.sent()
	require.Len(t, sent, 2)
	seen := map[string]bool{}
	for _, raw := range sent {
		req, ok := raw.(*msg.CreateEntityMessage)
		require.True(t, ok)
		seen[req.Entity] = true
		assert.Equal(t, int64(22000), req.TimeoutMS)
		assert.Equal(t, 4, req.Size.Tables)
	}
	assert.True(t, seen["alphadb"])
	assert.True(t, seen["beta"])

	op, ok := c.OperationState("alphadb")
	require.True(t, ok)
	assert.Equal(t, "running", op.State)

	// Engine reports completion; the catalog follows once the batch resolves.
	c.tracker.Observe("alphadb", 100, "loaded")
	c.tracker.Observe("beta", 100, "loaded")

	assert.Eventually(t, func() bool {
		return len(c.Catalog()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []msg.EntityKey{"alphadb", "beta"}, c.Catalog())
}

func TestDropEntitiesClearsCatalog(t *testing.T) {
	c, engine := newTestCore()

	_, err := c.CreateEntities([]string{"alpha"}, nil)
	require.NoError(t, err)
	c.tracker.Observe("alpha", 100, "loaded")
	assert.Eventually(t, func() bool {
		return len(c.Catalog()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	keys, err := c.DropEntities([]string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, []msg.EntityKey{"alpha"}, keys)

	sent := engine.sent()
	require.Len(t, sent, 2)
	_, ok := sent[1].(*msg.DropEntityMessage)
	assert.True(t, ok)

	c.tracker.Observe("alpha", 100, "dropped")
	assert.Eventually(t, func() bool {
		return len(c.Catalog()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProvisionEngineFailureLandsInTracker(t *testing.T) {
	c, engine := newTestCore()
	engine.err = fmt.Errorf("connection refused")

	// Transport failures surface per entity, not as a batch error.
	keys, err := c.CreateEntities([]string{"alpha"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []msg.EntityKey{"alpha"}, keys)

	op, ok := c.OperationState("alpha")
	require.True(t, ok)
	assert.Equal(t, "failed", op.State)
	assert.Contains(t, op.Cause, "connection refused")
}

func TestProvisionRejectsOverlappingOperation(t *testing.T) {
	c, _ := newTestCore()
	c.budget = Budget{BaseMS: 200, PerUnitMS: 0, HardCapMS: 200}

	_, err := c.CreateEntities([]string{"alpha", "beta"}, nil)
	require.NoError(t, err)

	// alpha is still in flight, only gamma may start.
	keys, err := c.CreateEntities([]string{"alpha", "gamma"}, nil)
	assert.True(t, errors.Is(err, ErrDuplicateOperation))
	assert.Equal(t, []msg.EntityKey{"gamma"}, keys)
}

func TestProvisionValidatesInput(t *testing.T) {
	c, engine := newTestCore()

	_, err := c.CreateEntities(nil, nil)
	assert.Error(t, err)

	_, err = c.CreateEntities([]string{"***"}, nil)
	assert.Error(t, err)

	// Nothing was begun and nothing reached the engine.
	assert.Empty(t, engine.sent())
	assert.Empty(t, c.tracker.All())
}

func TestStartWorkloadResetsWindowsAndNotifiesEngine(t *testing.T) {
	c, engine := newTestCore()

	// Stale samples from a previous run.
	c.apply(&msg.EntityTelemetryEvent{At: testAt, Entities: []*msg.EntityPayload{
		{Entity: "alpha", Fields: map[string]interface{}{msg.FieldTPS: 100.0}},
	}})
	require.Len(t, c.Snapshot("alpha", msg.ChannelThroughput), 1)

	keys, err := c.StartWorkload([]*msg.Workload{workload("alpha", 10)})
	require.NoError(t, err)
	assert.Equal(t, []msg.EntityKey{"alpha"}, keys)
	assert.Empty(t, c.Snapshot("alpha", msg.ChannelThroughput))

	sent := engine.sent()
	require.Len(t, sent, 1)
	start, ok := sent[0].(*msg.StartWorkloadMessage)
	require.True(t, ok)
	assert.Len(t, start.Workloads, 1)
}

func TestStartWorkloadKeepsLocalStateOnEngineFailure(t *testing.T) {
	c, engine := newTestCore()
	engine.err = fmt.Errorf("engine down")

	keys, err := c.StartWorkload([]*msg.Workload{workload("alpha", 10)})
	assert.Error(t, err)
	assert.Equal(t, []msg.EntityKey{"alpha"}, keys)
	assert.True(t, c.session.IsActive("alpha"))
}

func TestStopWorkloadDeactivatesAndNotifiesEngine(t *testing.T) {
	c, engine := newTestCore()
	_, err := c.StartWorkload([]*msg.Workload{workload("alpha", 10)})
	require.NoError(t, err)

	stopped, err := c.StopWorkload()
	require.NoError(t, err)
	assert.Equal(t, []msg.EntityKey{"alpha"}, stopped)
	assert.False(t, c.session.IsActive("alpha"))

	sent := engine.sent()
	require.Len(t, sent, 2)
	_, ok := sent[1].(*msg.StopWorkloadMessage)
	assert.True(t, ok)
}

// In-flight telemetry arriving after a stop still lands in history, but the
// session stays stopped.
func TestLateSamplesAfterStopLandInHistory(t *testing.T) {
	c, _ := newTestCore()
	_, err := c.StartWorkload([]*msg.Workload{workload("alpha", 10)})
	require.NoError(t, err)

	c.apply(&msg.EntityTelemetryEvent{At: testAt, Entities: []*msg.EntityPayload{
		{Entity: "alpha", Fields: map[string]interface{}{msg.FieldTPS: 100.0}},
	}})

	_, err = c.StopWorkload()
	require.NoError(t, err)

	c.apply(&msg.EntityTelemetryEvent{At: testAt.Add(time.Second), Entities: []*msg.EntityPayload{
		{Entity: "alpha", Fields: map[string]interface{}{msg.FieldTPS: 90.0}},
	}})

	samples := c.Snapshot("alpha", msg.ChannelThroughput)
	require.Len(t, samples, 2)
	assert.Equal(t, 90.0, samples[1].Fields[msg.FieldTPS])
	assert.False(t, c.session.IsActive("alpha"))
}

func TestReconfigureInactiveSkipsEngine(t *testing.T) {
	c, engine := newTestCore()
	require.NoError(t, c.Reconfigure("ghost", &msg.WorkloadConfig{Sessions: 5}))
	assert.Empty(t, engine.sent())
}

func TestReconfigureActiveForwards(t *testing.T) {
	c, engine := newTestCore()
	_, err := c.StartWorkload([]*msg.Workload{workload("alpha", 10)})
	require.NoError(t, err)

	require.NoError(t, c.Reconfigure("Alpha", &msg.WorkloadConfig{Sessions: 30}))
	assert.Equal(t, 30, c.session.Config("alpha").Sessions)

	sent := engine.sent()
	require.Len(t, sent, 2)
	re, ok := sent[1].(*msg.ReconfigureMessage)
	require.True(t, ok)
	assert.Equal(t, "alpha", re.Entity)
}

func TestRunExperimentAbortsWhenEngineRefuses(t *testing.T) {
	c, engine := newTestCore()
	engine.err = fmt.Errorf("engine down")

	err := c.RunExperiment(&msg.ExperimentConfig{
		VariantA:           &msg.WorkloadConfig{Sessions: 4},
		VariantB:           &msg.WorkloadConfig{Sessions: 8},
		MeasurementSeconds: 3,
	})
	assert.Error(t, err)

	result, running, _ := c.runner.Result()
	assert.False(t, running)
	require.NotNil(t, result)
	assert.True(t, result.Aborted)
}

func TestRunExperimentRejectsSecondRun(t *testing.T) {
	c, engine := newTestCore()
	cfg := &msg.ExperimentConfig{
		VariantA:           &msg.WorkloadConfig{Sessions: 4},
		VariantB:           &msg.WorkloadConfig{Sessions: 8},
		MeasurementSeconds: 3,
	}

	require.NoError(t, c.RunExperiment(cfg))
	assert.True(t, errors.Is(c.RunExperiment(cfg), ErrExperimentAlreadyRunning))
	assert.Len(t, engine.sent(), 1)

	require.NoError(t, c.StopExperiment())
	_, running, _ := c.runner.Result()
	assert.False(t, running)
}

func TestSnapshotDefaultKeyFollowsPrimary(t *testing.T) {
	c, _ := newTestCore()

	c.apply(&msg.EntityTelemetryEvent{At: testAt, Entities: []*msg.EntityPayload{
		{Entity: "alpha", Fields: map[string]interface{}{msg.FieldTPS: 1.0}},
		{Entity: "beta", Fields: map[string]interface{}{msg.FieldTPS: 2.0}},
	}})

	// No run active: the stream's lead entity is the primary.
	samples := c.Snapshot("", msg.ChannelThroughput)
	require.Len(t, samples, 1)
	assert.Equal(t, 1.0, samples[0].Fields[msg.FieldTPS])

	// An active run overrides: its first-started workload takes over.
	_, err := c.StartWorkload([]*msg.Workload{workload("beta", 4)})
	require.NoError(t, err)

	c.apply(&msg.EntityTelemetryEvent{At: testAt.Add(time.Second), Entities: []*msg.EntityPayload{
		{Entity: "alpha", Fields: map[string]interface{}{msg.FieldTPS: 3.0}},
		{Entity: "beta", Fields: map[string]interface{}{msg.FieldTPS: 4.0}},
	}})

	assert.Equal(t, msg.EntityKey("beta"), c.PrimaryKey())
	samples = c.Snapshot("", msg.ChannelThroughput)
	require.Len(t, samples, 1)
	assert.Equal(t, 4.0, samples[0].Fields[msg.FieldTPS])
}

func TestStatusOrdersSessionEntitiesFirst(t *testing.T) {
	c, _ := newTestCore()

	// An entity known only from telemetry.
	c.apply(&msg.EntityTelemetryEvent{At: testAt, Entities: []*msg.EntityPayload{
		{Entity: "zulu", Fields: map[string]interface{}{msg.FieldTPS: 7.0}},
	}})

	_, err := c.StartWorkload([]*msg.Workload{workload("mike", 2), workload("alpha", 2)})
	require.NoError(t, err)

	status := c.Status()
	require.Len(t, status.Entities, 3)
	assert.Equal(t, msg.EntityKey("mike"), status.Entities[0].Entity)
	assert.Equal(t, msg.EntityKey("alpha"), status.Entities[1].Entity)
	assert.Equal(t, msg.EntityKey("zulu"), status.Entities[2].Entity)

	assert.Equal(t, msg.EntityKey("mike"), status.Primary)
	assert.True(t, status.Entities[0].Active)
	assert.False(t, status.Entities[2].Active)
	require.NotNil(t, status.Experiment)
	assert.False(t, status.Experiment.Running)

	view := c.PrimaryView()
	assert.Equal(t, msg.EntityKey("mike"), view.Entity)
	assert.True(t, view.Active)
}

func TestDispatchQueuesEvents(t *testing.T) {
	c, _ := newTestCore()
	ev := &msg.SystemSnapshotEvent{At: testAt}

	resp := c.dispatch(ev)
	ack, ok := resp.(*msg.AcknowledgedMessage)
	require.True(t, ok)
	assert.Equal(t, "OK", ack.Status)

	select {
	case queued := <-c.events:
		assert.Equal(t, ev, queued)
	default:
		t.Fatal("event not queued")
	}
}

// A batch with one duplicate and one fresh entity acks OK and names both
// the started key and the skipped one.
func TestDispatchProvisionReportsPartialBatch(t *testing.T) {
	c, _ := newTestCore()
	c.budget = Budget{BaseMS: 200, PerUnitMS: 0, HardCapMS: 200}

	resp := c.dispatch(&msg.CreateEntitiesMessage{Entities: []string{"alpha"}})
	ack, ok := resp.(*msg.AcknowledgedMessage)
	require.True(t, ok)
	assert.Equal(t, "OK", ack.Status)

	// alpha is still in flight: it gets skipped, gamma still starts.
	resp = c.dispatch(&msg.CreateEntitiesMessage{Entities: []string{"alpha", "gamma"}})
	ack, ok = resp.(*msg.AcknowledgedMessage)
	require.True(t, ok)
	assert.Equal(t, "OK", ack.Status)
	assert.Contains(t, ack.Detail, "gamma")
	assert.Contains(t, ack.Detail, "skipped")
	assert.Contains(t, ack.Detail, "alpha")
}

func TestDispatchStatusRefreshSurvivesEngineFailure(t *testing.T) {
	c, engine := newTestCore()
	engine.err = fmt.Errorf("engine down")

	resp := c.dispatch(&msg.StatusRequest{Refresh: true})
	status, ok := resp.(*msg.StatusResponse)
	require.True(t, ok)
	assert.NotNil(t, status.Experiment)
	assert.Len(t, engine.sent(), 1)
}

func TestDispatchSnapshot(t *testing.T) {
	c, _ := newTestCore()
	c.apply(&msg.EntityTelemetryEvent{At: testAt, Entities: []*msg.EntityPayload{
		{Entity: "alpha", Fields: map[string]interface{}{msg.FieldTPS: 5.0}},
	}})

	resp := c.dispatch(&msg.SnapshotRequest{Entity: "alpha", Channel: msg.ChannelThroughput})
	snap, ok := resp.(*msg.SnapshotResponse)
	require.True(t, ok)
	require.Len(t, snap.Samples, 1)
	assert.Equal(t, 5.0, snap.Samples[0].Fields[msg.FieldTPS])
}

func TestDispatchRejectsUnknownMessage(t *testing.T) {
	c, _ := newTestCore()
	assert.Panics(t, func() { c.dispatch("bogus") })
}

func TestHandleRepliesAckToEvents(t *testing.T) {
	c, _ := newTestCore()
	server, client := net.Pipe()
	defer client.Close()

	go c.handle(server)

	require.NoError(t, msg.Send(client, &msg.SystemSnapshotEvent{At: testAt}))
	raw, err := msg.Receive(client)
	require.NoError(t, err)

	ack, ok := raw.(*msg.AcknowledgedMessage)
	require.True(t, ok)
	assert.Equal(t, "OK", ack.Status)
}

func TestHandleRepliesNGOnFailure(t *testing.T) {
	c, _ := newTestCore()
	server, client := net.Pipe()
	defer client.Close()

	go c.handle(server)

	require.NoError(t, msg.Send(client, &msg.CreateEntitiesMessage{}))
	raw, err := msg.Receive(client)
	require.NoError(t, err)

	ack, ok := raw.(*msg.AcknowledgedMessage)
	require.True(t, ok)
	assert.Equal(t, "NG", ack.Status)
	assert.Contains(t, ack.Detail, "no entities")
}

func TestEngineClientRequest(t *testing.T) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	acks := []*msg.AcknowledgedMessage{
		{Status: "OK", Detail: "fine"},
		{Status: "NG", Detail: "boom"},
	}
	go func() {
		for _, ack := range acks {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			if _, err := msg.Receive(conn); err == nil {
				msg.Send(conn, ack)
			}
			conn.Close()
		}
	}()

	client := &engineClient{addr: listener.Addr().String(), timeout: time.Second}
	assert.NoError(t, client.request(&msg.GatherStatisticsMessage{}))

	err = client.request(&msg.GatherStatisticsMessage{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEngineRequest))
	assert.Contains(t, err.Error(), "boom")
}

func TestEngineClientRequestDialFailure(t *testing.T) {
	client := &engineClient{addr: "127.0.0.1:1", timeout: 200 * time.Millisecond}
	err := client.request(&msg.GatherStatisticsMessage{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEngineRequest))
}
