package msg

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wireAt = time.Date(2020, 6, 1, 8, 30, 0, 0, time.UTC)

func roundTrip(t *testing.T, body interface{}) interface{} {
	t.Helper()

	buf := &bytes.Buffer{}
	require.NoError(t, Send(buf, body))

	received, err := Receive(buf)
	require.NoError(t, err)
	return received
}

func TestSendReceiveTelemetry(t *testing.T) {
	received := roundTrip(t, &EntityTelemetryEvent{
		At: wireAt,
		Entities: []*EntityPayload{
			{Entity: "alpha", Fields: map[string]interface{}{
				FieldTPS:        1203.5,
				FieldResponseMS: 8,
				"note":          "spiky",
			}},
			{Entity: "beta", Fields: map[string]interface{}{FieldTPS: 88.0}},
		},
	})

	event, ok := received.(*EntityTelemetryEvent)
	require.True(t, ok)
	assert.True(t, event.At.Equal(wireAt))
	require.Len(t, event.Entities, 2)
	assert.Equal(t, "alpha", event.Entities[0].Entity)
	assert.Equal(t, 1203.5, event.Entities[0].Fields[FieldTPS])
	assert.Equal(t, 8, event.Entities[0].Fields[FieldResponseMS])
	assert.Equal(t, "spiky", event.Entities[0].Fields["note"])
}

func TestSendReceiveAck(t *testing.T) {
	received := roundTrip(t, &AcknowledgedMessage{Status: "NG", Detail: "boom"})

	ack, ok := received.(*AcknowledgedMessage)
	require.True(t, ok)
	assert.Equal(t, "NG", ack.Status)
	assert.Equal(t, "boom", ack.Detail)
}

func TestSendReceiveExperimentConfig(t *testing.T) {
	received := roundTrip(t, &RunExperimentMessage{Config: &ExperimentConfig{
		Entity:             "alpha",
		VariantA:           &WorkloadConfig{Sessions: 10, InsertsPerSec: 100, ThinkTimeMS: 50},
		VariantB:           &WorkloadConfig{Sessions: 20, InsertsPerSec: 100, ThinkTimeMS: 50},
		WarmupSeconds:      30,
		MeasurementSeconds: 60,
	}})

	run, ok := received.(*RunExperimentMessage)
	require.True(t, ok)
	require.NotNil(t, run.Config)
	assert.Equal(t, 10, run.Config.VariantA.Sessions)
	assert.Equal(t, 20, run.Config.VariantB.Sessions)
	assert.Equal(t, 60, run.Config.MeasurementSeconds)
}

func TestSendReceiveStatusResponse(t *testing.T) {
	received := roundTrip(t, &StatusResponse{
		UptimeSeconds: 12.5,
		Primary:       "alpha",
		Catalog:       []EntityKey{"alpha", "beta"},
		Entities: []*EntityStatus{
			{Entity: "alpha", Active: true, Config: &WorkloadConfig{Sessions: 4}},
		},
		Operations: []*OperationStatus{
			{Entity: "beta", Kind: "create", State: "running", Percent: 40, Step: "loading rows"},
		},
		MalformedFields: 3,
	})

	status, ok := received.(*StatusResponse)
	require.True(t, ok)
	assert.Equal(t, 12.5, status.UptimeSeconds)
	assert.Equal(t, EntityKey("alpha"), status.Primary)
	require.Len(t, status.Entities, 1)
	assert.True(t, status.Entities[0].Active)
	assert.Equal(t, 4, status.Entities[0].Config.Sessions)
	require.Len(t, status.Operations, 1)
	assert.Equal(t, "running", status.Operations[0].State)
	assert.Equal(t, uint64(3), status.MalformedFields)
}

func TestSendRejectsUnknownType(t *testing.T) {
	assert.Error(t, Send(&bytes.Buffer{}, "bogus"))
	assert.Error(t, Send(&bytes.Buffer{}, &struct{ X int }{1}))
}

func TestReceiveEmptyStream(t *testing.T) {
	_, err := Receive(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, EntityKey("alphadb"), NormalizeKey("Alpha-DB"))
	assert.Equal(t, EntityKey("beta01"), NormalizeKey("BETA_01"))
	assert.Equal(t, EntityKey("spaces"), NormalizeKey("  spaces  "))
	assert.Equal(t, EntityKey(""), NormalizeKey("***"))
	assert.Equal(t, EntityKey(""), NormalizeKey(""))
}

func TestNumeric(t *testing.T) {
	for _, raw := range []interface{}{42, int8(42), int16(42), int32(42), int64(42),
		uint(42), uint8(42), uint16(42), uint32(42), uint64(42), float32(42), float64(42), "42"} {
		v, ok := Numeric(raw)
		assert.True(t, ok, "%T", raw)
		assert.Equal(t, 42.0, v, "%T", raw)
	}

	v, ok := Numeric("8.75")
	assert.True(t, ok)
	assert.Equal(t, 8.75, v)

	for _, raw := range []interface{}{"lots", "", true, nil, []interface{}{1.0}} {
		_, ok := Numeric(raw)
		assert.False(t, ok, "%T %v", raw, raw)
	}
}
