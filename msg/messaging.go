package msg

import (
	"compress/flate"
	"encoding/gob"
	"fmt"
	"io"
)

type (
	MessageType byte
)

const (
	typeUnknown MessageType = iota
	typeAcknowledged
	typeTelemetry
	typeEntityTelemetry
	typeSystemSnapshot
	typeOperationProgress
	typeExperimentSample
	typeStartWorkload
	typeStopWorkload
	typeReconfigure
	typeCreateEntity
	typeDropEntity
	typeCreateEntities
	typeDropEntities
	typeRunExperiment
	typeStopExperiment
	typeGatherStatistics
	typeStatusRequest
	typeStatusResponse
	typeSnapshotRequest
	typeSnapshotResponse
	typeExperimentResultRequest
	typeExperimentResultResponse
)

func init() {
	// Event field values travel as interface{}; gob needs the concrete types
	// ahead of time. Journal replays decode msgpack into int64/uint64 too.
	gob.Register(float64(0))
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

func Send(w io.Writer, body interface{}) error {
	var typ MessageType

	switch body.(type) {
	case *AcknowledgedMessage:
		typ = typeAcknowledged
	case *TelemetryEvent:
		typ = typeTelemetry
	case *EntityTelemetryEvent:
		typ = typeEntityTelemetry
	case *SystemSnapshotEvent:
		typ = typeSystemSnapshot
	case *OperationProgressEvent:
		typ = typeOperationProgress
	case *ExperimentSampleEvent:
		typ = typeExperimentSample
	case *StartWorkloadMessage:
		typ = typeStartWorkload
	case *StopWorkloadMessage:
		typ = typeStopWorkload
	case *ReconfigureMessage:
		typ = typeReconfigure
	case *CreateEntityMessage:
		typ = typeCreateEntity
	case *DropEntityMessage:
		typ = typeDropEntity
	case *CreateEntitiesMessage:
		typ = typeCreateEntities
	case *DropEntitiesMessage:
		typ = typeDropEntities
	case *RunExperimentMessage:
		typ = typeRunExperiment
	case *StopExperimentMessage:
		typ = typeStopExperiment
	case *GatherStatisticsMessage:
		typ = typeGatherStatistics
	case *StatusRequest:
		typ = typeStatusRequest
	case *StatusResponse:
		typ = typeStatusResponse
	case *SnapshotRequest:
		typ = typeSnapshotRequest
	case *SnapshotResponse:
		typ = typeSnapshotResponse
	case *ExperimentResultRequest:
		typ = typeExperimentResultRequest
	case *ExperimentResultResponse:
		typ = typeExperimentResultResponse
	default:
		return fmt.Errorf("unexpected type: %#v", body)
	}

	if err := sendType(w, typ); err != nil {
		return fmt.Errorf("sendType failed: %w", err)
	}
	if err := sendBody(w, body); err != nil {
		return fmt.Errorf("sendBody failed: %w", err)
	}
	return nil
}

func Receive(r io.Reader) (interface{}, error) {
	typ, err := receiveType(r)
	if err != nil {
		return nil, fmt.Errorf("receiveType failed: %w", err)
	}

	var body interface{}
	switch typ {
	case typeAcknowledged:
		body = &AcknowledgedMessage{}
	case typeTelemetry:
		body = &TelemetryEvent{}
	case typeEntityTelemetry:
		body = &EntityTelemetryEvent{}
	case typeSystemSnapshot:
		body = &SystemSnapshotEvent{}
	case typeOperationProgress:
		body = &OperationProgressEvent{}
	case typeExperimentSample:
		body = &ExperimentSampleEvent{}
	case typeStartWorkload:
		body = &StartWorkloadMessage{}
	case typeStopWorkload:
		body = &StopWorkloadMessage{}
	case typeReconfigure:
		body = &ReconfigureMessage{}
	case typeCreateEntity:
		body = &CreateEntityMessage{}
	case typeDropEntity:
		body = &DropEntityMessage{}
	case typeCreateEntities:
		body = &CreateEntitiesMessage{}
	case typeDropEntities:
		body = &DropEntitiesMessage{}
	case typeRunExperiment:
		body = &RunExperimentMessage{}
	case typeStopExperiment:
		body = &StopExperimentMessage{}
	case typeGatherStatistics:
		body = &GatherStatisticsMessage{}
	case typeStatusRequest:
		body = &StatusRequest{}
	case typeStatusResponse:
		body = &StatusResponse{}
	case typeSnapshotRequest:
		body = &SnapshotRequest{}
	case typeSnapshotResponse:
		body = &SnapshotResponse{}
	case typeExperimentResultRequest:
		body = &ExperimentResultRequest{}
	case typeExperimentResultResponse:
		body = &ExperimentResultResponse{}
	default:
		return nil, fmt.Errorf("unexpected type: %#v", typ)
	}

	if err := receiveBody(r, body); err != nil {
		return nil, fmt.Errorf("receiveBody failed: %w", err)
	}
	return body, nil
}

func sendType(w io.Writer, typ MessageType) error {
	if _, err := w.Write([]byte{byte(typ)}); err != nil {
		return fmt.Errorf("writer.Write failed: %w", err)
	}
	return nil
}

func receiveType(r io.Reader) (MessageType, error) {
	b := []byte{0}
	if _, err := r.Read(b); err != nil {
		return typeUnknown, fmt.Errorf("reader.Read failed: %w", err)
	}
	return MessageType(b[0]), nil
}

func sendBody(w io.Writer, data interface{}) error {
	inflator, err := flate.NewWriter(w, flate.DefaultCompression)
	if err != nil {
		return fmt.Errorf("flate.NewWriter failed: %w", err)
	}

	if err := gob.NewEncoder(inflator).Encode(data); err != nil {
		return fmt.Errorf("gob.NewEncoder.Encode failed: %w", err)
	}

	if err := inflator.Flush(); err != nil {
		return fmt.Errorf("inflator.Flush failed: %w", err)
	}

	return nil
}

func receiveBody(r io.Reader, data interface{}) error {
	if err := gob.NewDecoder(flate.NewReader(r)).Decode(data); err != nil {
		return fmt.Errorf("gob.NewDecoder.Decode failed: %w", err)
	}

	return nil
}
