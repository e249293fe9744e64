package console

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"

	"github.com/kaz/stau/msg"
)

func ActionCreate(context *cli.Context) error {
	entities := context.Args().Slice()
	if len(entities) == 0 {
		return fmt.Errorf("no entities given")
	}

	core := coreAddr(context)

	size := &msg.SizeParams{
		Tables:       context.Int("tables"),
		RowsPerTable: context.Int("rows"),
	}
	if err := acknowledge(core, &msg.CreateEntitiesMessage{Entities: entities, Size: size}); err != nil {
		return err
	}

	if !context.Bool("await") {
		return nil
	}
	return await(core, entities)
}

func ActionDrop(context *cli.Context) error {
	entities := context.Args().Slice()
	if len(entities) == 0 {
		return fmt.Errorf("no entities given")
	}

	core := coreAddr(context)

	if err := acknowledge(core, &msg.DropEntitiesMessage{Entities: entities}); err != nil {
		return err
	}

	if !context.Bool("await") {
		return nil
	}
	return await(core, entities)
}

// await polls the core until every listed operation resolves. The core
// enforces the time budget, so resolution is guaranteed; worst case the
// record fails with a timeout cause.
func await(core string, entities []string) error {
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		os.Exit(0)
	}()

	keys := map[msg.EntityKey]bool{}
	for _, entity := range entities {
		keys[msg.NormalizeKey(entity)] = true
	}

	progress := pb.New(0).Start()

	for {
		resp, err := fetchStatus(core, false)
		if err != nil {
			return fmt.Errorf("fetchStatus failed: %w", err)
		}

		current := int64(0)
		resolved := 0
		failed := []string{}
		for _, op := range resp.Operations {
			if !keys[op.Entity] {
				continue
			}
			switch op.State {
			case "succeeded":
				current += 100
				resolved++
			case "failed":
				current += 100
				resolved++
				failed = append(failed, fmt.Sprintf("%v (%v)", op.Entity, op.Cause))
			default:
				if op.Percent > 0 {
					current += int64(op.Percent)
				}
			}
		}

		progress.SetTotal(int64(100 * len(keys))).SetCurrent(current)

		if resolved >= len(keys) {
			progress.Finish()
			if len(failed) > 0 {
				return fmt.Errorf("failed: %v", strings.Join(failed, ", "))
			}
			fmt.Println("all operations succeeded")
			return nil
		}

		time.Sleep(1 * time.Second)
	}
}
