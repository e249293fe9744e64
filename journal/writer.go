package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pierrec/lz4"
	"github.com/vmihailenco/msgpack"
)

type (
	// Writer appends push events to an lz4-compressed journal file. Frames
	// are length-prefixed msgpack bodies stamped with the receive time.
	Writer struct {
		mu   sync.Mutex
		file *os.File
		lz   *lz4.Writer

		now func() time.Time
	}
)

func Create(path string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("os.Create failed: %w", err)
	}
	return NewWriter(file), nil
}

func NewWriter(file *os.File) *Writer {
	return &Writer{file: file, lz: lz4.NewWriter(file), now: time.Now}
}

func (w *Writer) Write(event interface{}) error {
	return w.WriteAt(w.now(), event)
}

func (w *Writer) WriteAt(at time.Time, event interface{}) error {
	kind, err := kindOf(event)
	if err != nil {
		return err
	}

	body, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("msgpack.Marshal failed: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.lz.Write([]byte{byte(kind)}); err != nil {
		return fmt.Errorf("lz.Write failed: %w", err)
	}
	if err := binary.Write(w.lz, binary.BigEndian, at.UnixNano()); err != nil {
		return fmt.Errorf("binary.Write failed: %w", err)
	}
	if err := binary.Write(w.lz, binary.BigEndian, int64(len(body))); err != nil {
		return fmt.Errorf("binary.Write failed: %w", err)
	}
	if _, err := w.lz.Write(body); err != nil {
		return fmt.Errorf("lz.Write failed: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.lz.Close(); err != nil {
		return fmt.Errorf("lz.Close failed: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("file.Close failed: %w", err)
	}
	return nil
}
