package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kaz/stau/console"
	"github.com/kaz/stau/core"
	"github.com/kaz/stau/digest"
	"github.com/kaz/stau/engine"
	"github.com/kaz/stau/scenario"
)

var (
	Version = "dev"
)

func main() {
	app := &cli.App{
		Name:    "stau",
		Usage:   "load benchmark controller",
		Version: Version,

		Commands: []*cli.Command{
			{
				Name:   "core",
				Usage:  "run the controller daemon",
				Action: core.Action,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config"},
					&cli.StringFlag{Name: "listen"},
					&cli.StringFlag{Name: "engine"},
					&cli.StringFlag{Name: "journal"},
				},
			},
			{
				Name:   "engine",
				Usage:  "run the simulated execution engine",
				Action: engine.Action,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen"},
					&cli.StringFlag{Name: "core"},
					&cli.Float64Flag{Name: "capacity"},
					&cli.Float64Flag{Name: "fail-rate"},
					&cli.BoolFlag{Name: "legacy"},
				},
			},
			{
				Name:   "status",
				Usage:  "show the dashboard snapshot",
				Action: console.ActionStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "core"},
					&cli.BoolFlag{Name: "progress"},
				},
			},
			{
				Name:      "create",
				Usage:     "provision entities",
				ArgsUsage: "ENTITY...",
				Action:    console.ActionCreate,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "core"},
					&cli.IntFlag{Name: "tables"},
					&cli.IntFlag{Name: "rows"},
					&cli.BoolFlag{Name: "await"},
				},
			},
			{
				Name:      "drop",
				Usage:     "drop entities",
				ArgsUsage: "ENTITY...",
				Action:    console.ActionDrop,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "core"},
					&cli.BoolFlag{Name: "await"},
				},
			},
			{
				Name:   "start",
				Usage:  "start workloads from a config",
				Action: console.ActionStart,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "core"},
					&cli.StringFlag{Name: "config"},
				},
			},
			{
				Name:   "stop",
				Usage:  "stop all workloads",
				Action: console.ActionStop,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "core"},
				},
			},
			{
				Name:   "reconfigure",
				Usage:  "replace one workload's config",
				Action: console.ActionReconfigure,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "core"},
					&cli.StringFlag{Name: "entity"},
					&cli.IntFlag{Name: "sessions"},
					&cli.IntFlag{Name: "inserts"},
					&cli.IntFlag{Name: "updates"},
					&cli.IntFlag{Name: "deletes"},
					&cli.IntFlag{Name: "think"},
				},
			},
			{
				Name:  "experiment",
				Usage: "A/B experiment verbs",
				Subcommands: []*cli.Command{
					{
						Name:   "run",
						Action: console.ActionExperimentRun,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "core"},
							&cli.StringFlag{Name: "config"},
							&cli.BoolFlag{Name: "await"},
						},
					},
					{
						Name:   "stop",
						Action: console.ActionExperimentStop,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "core"},
						},
					},
					{
						Name:   "result",
						Action: console.ActionExperimentResult,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "core"},
						},
					},
				},
			},
			{
				Name:   "replay",
				Usage:  "replay a recorded journal into a core",
				Action: console.ActionReplay,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "core"},
					&cli.StringFlag{Name: "journal"},
					&cli.BoolFlag{Name: "fast"},
				},
			},
			{
				Name:   "scenario",
				Usage:  "expand a scripted scenario into a journal",
				Action: scenario.Action,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input"},
					&cli.StringFlag{Name: "output"},
				},
			},
			{
				Name:   "digest",
				Usage:  "summarize a recorded journal",
				Action: digest.Action,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "journal"},
					&cli.StringFlag{Name: "output"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(-1)
	}
}
