package scenario

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/kaz/stau/journal"
)

type (
	// Phase is one stretch of scripted load. Phases play back to back.
	Phase struct {
		Name    string  `yaml:"name"`
		Seconds int     `yaml:"seconds"`
		Loads   []*Load `yaml:"loads"`
	}

	Load struct {
		Entity     string  `yaml:"entity"`
		TPS        float64 `yaml:"tps"`
		ResponseMS float64 `yaml:"response_ms"`
		Insert     float64 `yaml:"insert"`
		Update     float64 `yaml:"update"`
		Delete     float64 `yaml:"delete"`
		Jitter     float64 `yaml:"jitter,omitempty"`
	}
)

// Action expands a scripted scenario into a synthetic journal, one telemetry
// round per second, ready for replay against a core.
func Action(context *cli.Context) error {
	input, err := os.Open(context.String("input"))
	if err != nil {
		return fmt.Errorf("os.Open failed: %w", err)
	}
	defer input.Close()

	phases := []*Phase{}
	if err := yaml.NewDecoder(input).Decode(&phases); err != nil {
		return fmt.Errorf("yaml.NewDecoder.Decode failed: %w", err)
	}
	if len(phases) == 0 {
		return fmt.Errorf("no phases in %v", context.String("input"))
	}

	outPath := context.String("output")
	if outPath == "" {
		return fmt.Errorf("no output given")
	}

	writer, err := journal.Create(outPath)
	if err != nil {
		return fmt.Errorf("journal.Create failed: %w", err)
	}

	if err := newGenerator(phases, writer).generate(); err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("writer.Close failed: %w", err)
	}
	return nil
}
