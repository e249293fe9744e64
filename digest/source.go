package digest

import (
	"fmt"

	"github.com/kaz/stau/journal"
)

type (
	JournalFrameSource struct {
		reader *journal.Reader
	}
)

func NewJournalFrameSource(path string) (FrameSource, error) {
	reader, err := journal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal.Open failed: %w", err)
	}

	return &JournalFrameSource{reader}, nil
}

func (fs *JournalFrameSource) Frames() chan *journal.Frame {
	return fs.reader.Frames()
}

func (fs *JournalFrameSource) Close() error {
	return fs.reader.Close()
}
