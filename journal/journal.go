package journal

import (
	"fmt"
	"time"

	"github.com/kaz/stau/msg"
)

type (
	frameKind byte

	// Frame is one recorded push event plus the moment it was received.
	// Replay uses the stamps to restore the original cadence.
	Frame struct {
		At    time.Time
		Event interface{}
	}
)

const (
	kindUnknown frameKind = iota
	kindTelemetry
	kindEntityTelemetry
	kindSystemSnapshot
	kindOperationProgress
	kindExperimentSample
)

func kindOf(event interface{}) (frameKind, error) {
	switch event.(type) {
	case *msg.TelemetryEvent:
		return kindTelemetry, nil
	case *msg.EntityTelemetryEvent:
		return kindEntityTelemetry, nil
	case *msg.SystemSnapshotEvent:
		return kindSystemSnapshot, nil
	case *msg.OperationProgressEvent:
		return kindOperationProgress, nil
	case *msg.ExperimentSampleEvent:
		return kindExperimentSample, nil
	}
	return kindUnknown, fmt.Errorf("unexpected event: %#v", event)
}

func eventOf(kind frameKind) (interface{}, error) {
	switch kind {
	case kindTelemetry:
		return &msg.TelemetryEvent{}, nil
	case kindEntityTelemetry:
		return &msg.EntityTelemetryEvent{}, nil
	case kindSystemSnapshot:
		return &msg.SystemSnapshotEvent{}, nil
	case kindOperationProgress:
		return &msg.OperationProgressEvent{}, nil
	case kindExperimentSample:
		return &msg.ExperimentSampleEvent{}, nil
	}
	return nil, fmt.Errorf("unexpected frame kind: %#v", kind)
}
