package console

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"

	"github.com/kaz/stau/msg"
)

func ActionStatus(context *cli.Context) error {
	core := coreAddr(context)

	if context.Bool("progress") {
		return progressLoop(core)
	}

	resp, err := fetchStatus(core, true)
	if err != nil {
		return fmt.Errorf("fetchStatus failed: %w", err)
	}

	printStatus(resp)
	return nil
}

// progressLoop follows running operations with a bar until interrupted.
func progressLoop(core string) error {
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		os.Exit(0)
	}()

	progress := pb.New(0).Start()

	for {
		resp, err := fetchStatus(core, false)
		if err != nil {
			return fmt.Errorf("fetchStatus failed: %w", err)
		}

		total, current := int64(0), int64(0)
		for _, op := range resp.Operations {
			total += 100
			switch op.State {
			case "succeeded", "failed":
				current += 100
			default:
				if op.Percent > 0 {
					current += int64(op.Percent)
				}
			}
		}

		progress.SetTotal(total).SetCurrent(current)
		time.Sleep(1 * time.Second)
	}
}

func printStatus(resp *msg.StatusResponse) {
	fmt.Printf("Uptime    : %9.0f s\n", resp.UptimeSeconds)
	fmt.Printf("Primary   : %v\n", entityLabel(resp.Primary))
	if len(resp.Catalog) > 0 {
		fmt.Printf("Catalog   : %v\n", resp.Catalog)
	}
	if resp.MalformedFields > 0 {
		fmt.Printf("Malformed : %9d fields\n", resp.MalformedFields)
	}

	if len(resp.Entities) > 0 {
		fmt.Println("Entities:")
		for _, ent := range resp.Entities {
			printEntity(ent)
		}
	}

	if len(resp.Operations) > 0 {
		fmt.Println("Operations:")
		for _, op := range resp.Operations {
			printOperation(op)
		}
	}

	if resp.System != nil {
		printSystem(resp.System)
	}

	if resp.Experiment != nil && (resp.Experiment.Running || resp.Experiment.Result != nil) {
		fmt.Printf("Experiment: %v\n", resp.Experiment.Phase)
	}
}

func printEntity(ent *msg.EntityStatus) {
	state := "idle"
	if ent.Active {
		state = "active"
	}

	tps, respMS := 0.0, 0.0
	if ent.Current != nil {
		tps = ent.Current.Fields[msg.FieldTPS]
		respMS = ent.Current.Fields[msg.FieldResponseMS]
	}

	fmt.Printf("  %-16v %-7v %9.1f tps %8.2f ms", entityLabel(ent.Entity), state, tps, respMS)
	if ent.Config != nil {
		fmt.Printf("  %3d sessions", ent.Config.Sessions)
	}
	if ent.OpMix != nil {
		fmt.Printf("  (ins %.0f / upd %.0f / del %.0f)",
			ent.OpMix.Fields[msg.FieldInsert],
			ent.OpMix.Fields[msg.FieldUpdate],
			ent.OpMix.Fields[msg.FieldDelete])
	}
	fmt.Println()
}

func printOperation(op *msg.OperationStatus) {
	switch op.State {
	case "failed":
		fmt.Printf("  %-16v %-6v %-10v %v\n", op.Entity, op.Kind, op.State, op.Cause)
	case "succeeded":
		fmt.Printf("  %-16v %-6v %-10v\n", op.Entity, op.Kind, op.State)
	default:
		fmt.Printf("  %-16v %-6v %-10v %3d %% %v\n", op.Entity, op.Kind, op.State, op.Percent, op.Step)
	}
}

func printSystem(sys *msg.SystemStatus) {
	if len(sys.Waits) > 0 {
		fmt.Println("Waits:")
		for _, name := range sortedByValue(sys.Waits) {
			fmt.Printf("  %-20v %9.1f\n", name, sys.Waits[name])
		}
	}
	if len(sys.Sessions) > 0 {
		fmt.Println("Sessions:")
		for _, name := range sortedByValue(sys.Sessions) {
			fmt.Printf("  %-20v %9.1f\n", name, sys.Sessions[name])
		}
	}
}

func sortedByValue(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if m[names[i]] == m[names[j]] {
			return names[i] < names[j]
		}
		return m[names[i]] > m[names[j]]
	})
	return names
}

func entityLabel(key msg.EntityKey) string {
	if key == "" {
		return "(default)"
	}
	return string(key)
}
