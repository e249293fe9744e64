package console

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/kaz/stau/msg"
)

func ActionExperimentRun(context *cli.Context) error {
	configFile, err := os.Open(context.String("config"))
	if err != nil {
		return fmt.Errorf("os.Open failed: %w", err)
	}
	defer configFile.Close()

	conf := &msg.ExperimentConfig{}
	if err := yaml.NewDecoder(configFile).Decode(conf); err != nil {
		return fmt.Errorf("yaml.NewDecoder.Decode failed: %w", err)
	}

	core := coreAddr(context)

	if err := acknowledge(core, &msg.RunExperimentMessage{Config: conf}); err != nil {
		return err
	}

	if !context.Bool("await") {
		return nil
	}
	return awaitExperiment(core, conf)
}

func ActionExperimentStop(context *cli.Context) error {
	return acknowledge(coreAddr(context), &msg.StopExperimentMessage{})
}

func ActionExperimentResult(context *cli.Context) error {
	resp, err := fetchResult(coreAddr(context))
	if err != nil {
		return err
	}

	if resp.Running {
		fmt.Printf("experiment running: %v\n", resp.Phase)
		return nil
	}
	if resp.Result == nil {
		return fmt.Errorf("no experiment result")
	}

	printResult(resp.Result)
	return nil
}

func fetchResult(core string) (*msg.ExperimentResultResponse, error) {
	raw, err := request(core, &msg.ExperimentResultRequest{})
	if err != nil {
		return nil, err
	}

	resp, ok := raw.(*msg.ExperimentResultResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected message: %v", raw)
	}
	return resp, nil
}

func awaitExperiment(core string, conf *msg.ExperimentConfig) error {
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		os.Exit(0)
	}()

	total := int64(2 * (conf.WarmupSeconds + conf.MeasurementSeconds))
	started := time.Now()
	progress := pb.New(0).Start()

	for {
		resp, err := fetchResult(core)
		if err != nil {
			return err
		}

		if !resp.Running {
			progress.SetTotal(total).SetCurrent(total)
			progress.Finish()

			if resp.Result == nil {
				return fmt.Errorf("no experiment result")
			}
			printResult(resp.Result)
			return nil
		}

		elapsed := int64(time.Since(started).Seconds())
		if elapsed > total {
			elapsed = total
		}
		progress.SetTotal(total).SetCurrent(elapsed)

		time.Sleep(1 * time.Second)
	}
}

func printResult(res *msg.ExperimentResult) {
	state := "completed"
	if res.Aborted {
		state = "aborted"
	}

	fmt.Printf("Experiment  : %v (%v)\n", res.Config.Entity, state)
	fmt.Printf("Duration    : %v\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Second))

	printVariant(res.A)
	printVariant(res.B)

	cmp := res.Comparison
	fmt.Printf("Throughput  : %v (%+.1f tps)\n", winnerLabel(cmp.ThroughputWinner), cmp.ThroughputDelta)
	fmt.Printf("Response    : %v (%+.2f ms)\n", winnerLabel(cmp.ResponseTimeWinner), cmp.ResponseTimeDelta)
	if cmp.EfficiencyWinner != "" {
		fmt.Printf("Efficiency  : %v\n", winnerLabel(cmp.EfficiencyWinner))
	}
}

func printVariant(v *msg.VariantResult) {
	fmt.Printf("Variant %v   : %8.1f tps (min %.1f / max %.1f / stddev %.1f) %8.2f ms [%d samples]\n",
		strings.ToUpper(v.Variant), v.MeanThroughput, v.MinThroughput, v.MaxThroughput,
		v.StddevThroughput, v.MeanResponseTime, len(v.Samples))
}

func winnerLabel(w string) string {
	switch w {
	case "":
		return "undecided"
	case msg.WinnerTie:
		return "tie"
	}
	return "variant " + strings.ToUpper(w)
}
