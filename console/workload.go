package console

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/kaz/stau/msg"
)

func ActionStart(context *cli.Context) error {
	configFile, err := os.Open(context.String("config"))
	if err != nil {
		return fmt.Errorf("os.Open failed: %w", err)
	}
	defer configFile.Close()

	workloads := []*msg.Workload{}
	if err := yaml.NewDecoder(configFile).Decode(&workloads); err != nil {
		return fmt.Errorf("yaml.NewDecoder.Decode failed: %w", err)
	}
	if len(workloads) == 0 {
		return fmt.Errorf("no workloads in %v", context.String("config"))
	}

	return acknowledge(coreAddr(context), &msg.StartWorkloadMessage{Workloads: workloads})
}

func ActionStop(context *cli.Context) error {
	return acknowledge(coreAddr(context), &msg.StopWorkloadMessage{})
}

// ActionReconfigure replaces one running workload's config wholesale, so
// every knob has to be given again.
func ActionReconfigure(context *cli.Context) error {
	entity := context.String("entity")
	if entity == "" {
		return fmt.Errorf("no entity given")
	}

	cfg := &msg.WorkloadConfig{
		Sessions:      context.Int("sessions"),
		InsertsPerSec: context.Int("inserts"),
		UpdatesPerSec: context.Int("updates"),
		DeletesPerSec: context.Int("deletes"),
		ThinkTimeMS:   context.Int("think"),
	}

	return acknowledge(coreAddr(context), &msg.ReconfigureMessage{Entity: entity, Config: cfg})
}
