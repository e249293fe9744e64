package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pierrec/lz4"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
)

type (
	Reader struct {
		file *os.File
		lz   *lz4.Reader
	}
)

func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open failed: %w", err)
	}
	return &Reader{file: file, lz: lz4.NewReader(file)}, nil
}

// Read returns the next frame, io.EOF at the end of the journal.
func (r *Reader) Read() (*Frame, error) {
	head := []byte{0}
	if _, err := io.ReadFull(r.lz, head); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("io.ReadFull failed: %w", err)
	}

	var stamp int64
	if err := binary.Read(r.lz, binary.BigEndian, &stamp); err != nil {
		return nil, fmt.Errorf("binary.Read failed: %w", err)
	}

	var size int64
	if err := binary.Read(r.lz, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("binary.Read failed: %w", err)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r.lz, body); err != nil {
		return nil, fmt.Errorf("io.ReadFull failed: %w", err)
	}

	event, err := eventOf(frameKind(head[0]))
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(body, event); err != nil {
		return nil, fmt.Errorf("msgpack.Unmarshal failed: %w", err)
	}

	return &Frame{At: time.Unix(0, stamp), Event: event}, nil
}

// Frames streams the whole journal. A corrupt tail just ends the stream
// with a log line; everything before it is still delivered.
func (r *Reader) Frames() chan *Frame {
	ch := make(chan *Frame)

	go func() {
		for {
			frame, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				log.Errorf("journal read failed: %v", err)
				break
			}
			ch <- frame
		}
		close(ch)
	}()

	return ch
}

func (r *Reader) Close() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("file.Close failed: %w", err)
	}
	return nil
}
