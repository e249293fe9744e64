package msg

import (
	"strconv"
	"strings"
	"time"
)

type (
	// EntityKey identifies one provisioned workload target. The empty key is
	// the default singleton target that single-entity consumers read.
	EntityKey string

	Channel string

	// Sample is one normalized telemetry tick for one channel.
	Sample struct {
		At     time.Time
		Fields map[string]float64
	}

	WorkloadConfig struct {
		Sessions      int    `yaml:"sessions"`
		InsertsPerSec int    `yaml:"inserts_per_sec"`
		UpdatesPerSec int    `yaml:"updates_per_sec"`
		DeletesPerSec int    `yaml:"deletes_per_sec"`
		ThinkTimeMS   int    `yaml:"think_time_ms"`
		Revision      uint64 `yaml:"-"`
	}

	Workload struct {
		Entity         string `yaml:"entity"`
		WorkloadConfig `yaml:",inline"`
	}

	SizeParams struct {
		Tables       int `yaml:"tables"`
		RowsPerTable int `yaml:"rows_per_table"`
	}

	ExperimentConfig struct {
		Entity             string          `yaml:"entity"`
		VariantA           *WorkloadConfig `yaml:"variant_a"`
		VariantB           *WorkloadConfig `yaml:"variant_b"`
		WarmupSeconds      int             `yaml:"warmup_seconds"`
		MeasurementSeconds int             `yaml:"measurement_seconds"`
	}

	VariantResult struct {
		Variant          string
		Samples          []*Sample
		MeanThroughput   float64
		MeanResponseTime float64
		MinThroughput    float64
		MaxThroughput    float64
		StddevThroughput float64
	}

	ExperimentComparison struct {
		ThroughputDelta    float64
		ResponseTimeDelta  float64
		ThroughputWinner   string
		ResponseTimeWinner string
		EfficiencyWinner   string
	}

	ExperimentResult struct {
		Config     *ExperimentConfig
		StartedAt  time.Time
		FinishedAt time.Time
		Aborted    bool
		A          *VariantResult
		B          *VariantResult
		Comparison *ExperimentComparison
	}
)

const (
	ChannelThroughput Channel = "throughput"
	ChannelOpMix      Channel = "opmix"

	FieldTPS        = "tps"
	FieldResponseMS = "response_ms"
	FieldInsert     = "insert"
	FieldUpdate     = "update"
	FieldDelete     = "delete"
	FieldEfficiency = "efficiency"

	VariantA  = "a"
	VariantB  = "b"
	WinnerTie = "tie"
)

// NormalizeKey folds case and strips everything but letters and digits. An
// empty result is the default key.
func NormalizeKey(raw string) EntityKey {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return EntityKey(b.String())
}

// Numeric coerces one untyped wire field. The codecs deliver numbers as any
// of the machine types below depending on the sender; strings holding
// numbers count too. Anything else is malformed.
func Numeric(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

type (
	AcknowledgedMessage struct {
		Status string
		Detail string
	}

	// TelemetryEvent is the legacy flat shape: fields for the implicit
	// default entity. Field values arrive untyped; the normalizer coerces.
	TelemetryEvent struct {
		At     time.Time
		Fields map[string]interface{}
	}

	EntityPayload struct {
		Entity string
		Fields map[string]interface{}
	}

	// EntityTelemetryEvent is the current shape. Entities keeps the engine's
	// order: the first entry is the one single-entity consumers see.
	EntityTelemetryEvent struct {
		At       time.Time
		Entities []*EntityPayload
	}

	SystemSnapshotEvent struct {
		At       time.Time
		Waits    map[string]interface{}
		Sessions map[string]interface{}
	}

	OperationProgressEvent struct {
		Entity  string
		Percent int
		Step    string
	}

	ExperimentSampleEvent struct {
		Variant string
		At      time.Time
		Fields  map[string]interface{}
	}
)

type (
	StartWorkloadMessage struct {
		Workloads []*Workload
	}
	StopWorkloadMessage struct{}
	ReconfigureMessage  struct {
		Entity string
		Config *WorkloadConfig
	}
	CreateEntityMessage struct {
		Entity    string
		Size      *SizeParams
		TimeoutMS int64
	}
	DropEntityMessage struct {
		Entity    string
		TimeoutMS int64
	}
	CreateEntitiesMessage struct {
		Entities []string
		Size     *SizeParams
	}
	DropEntitiesMessage struct {
		Entities []string
	}
	RunExperimentMessage struct {
		Config *ExperimentConfig
	}
	StopExperimentMessage   struct{}
	GatherStatisticsMessage struct{}

	StatusRequest struct {
		Refresh bool
	}

	OperationStatus struct {
		Entity     EntityKey
		Kind       string
		State      string
		Percent    int
		Step       string
		Cause      string
		StartedAt  time.Time
		FinishedAt time.Time
	}

	EntityStatus struct {
		Entity  EntityKey
		Active  bool
		Config  *WorkloadConfig
		Current *Sample
		OpMix   *Sample
	}

	SystemStatus struct {
		At       time.Time
		Waits    map[string]float64
		Sessions map[string]float64
	}

	ExperimentStatus struct {
		Running bool
		Phase   string
		Result  *ExperimentResult
	}

	StatusResponse struct {
		UptimeSeconds   float64
		Primary         EntityKey
		Catalog         []EntityKey
		Entities        []*EntityStatus
		Operations      []*OperationStatus
		System          *SystemStatus
		Experiment      *ExperimentStatus
		MalformedFields uint64
	}

	SnapshotRequest struct {
		Entity  string
		Channel Channel
	}
	SnapshotResponse struct {
		Samples []*Sample
	}

	ExperimentResultRequest  struct{}
	ExperimentResultResponse struct {
		Running bool
		Phase   string
		Result  *ExperimentResult
	}
)
