package console

import (
	"fmt"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"

	"github.com/kaz/stau/journal"
)

// Gaps between frames longer than this replay compressed, so a journal with
// a quiet hour in it does not take an hour to replay.
const maxReplayGap = 5 * time.Second

// ActionReplay feeds a recorded journal back into a core, at the original
// cadence or as fast as the core accepts with --fast.
func ActionReplay(context *cli.Context) error {
	reader, err := journal.Open(context.String("journal"))
	if err != nil {
		return fmt.Errorf("journal.Open failed: %w", err)
	}
	defer reader.Close()

	core := coreAddr(context)
	fast := context.Bool("fast")

	progress := pb.New(0).Start()

	count := 0
	var prev time.Time
	for frame := range reader.Frames() {
		if !fast && !prev.IsZero() {
			gap := frame.At.Sub(prev)
			if gap > maxReplayGap {
				gap = maxReplayGap
			}
			if gap > 0 {
				time.Sleep(gap)
			}
		}
		prev = frame.At

		if err := push(core, frame.Event); err != nil {
			return fmt.Errorf("replaying event failed: %w", err)
		}

		count++
		progress.Increment()
	}

	progress.Finish()
	fmt.Printf("replayed %v events\n", count)
	return nil
}
