// Package textwriter renders exported flows one per line.
package textwriter

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"Go2NetStreamer/internal/config"
	"Go2NetStreamer/internal/factory"
	"Go2NetStreamer/internal/model"
	"Go2NetStreamer/pkg/flow"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Stdout selects standard output instead of snapshot files.
const Stdout = "-"

func init() {
	factory.RegisterWriter("text", func(def config.WriterDef) (model.Writer, error) {
		interval, err := def.Interval()
		if err != nil {
			return nil, err
		}
		if def.Text.RootPath == Stdout || def.Text.RootPath == "" {
			return NewStream(os.Stdout, interval), nil
		}
		return New(def.Text.RootPath, interval), nil
	})
}

// Writer writes each batch either to <root>/<timestamp>/flows.txt or to a
// stream.
type Writer struct {
	rootPath string
	interval time.Duration

	mu  sync.Mutex
	out io.Writer
}

// New creates a writer producing one flows.txt per snapshot.
func New(rootPath string, interval time.Duration) *Writer {
	return &Writer{rootPath: rootPath, interval: interval}
}

// NewStream creates a writer appending every batch to out.
func NewStream(out io.Writer, interval time.Duration) *Writer {
	return &Writer{out: out, interval: interval}
}

func (w *Writer) Name() string { return "text" }

func (w *Writer) GetInterval() time.Duration {
	return w.interval
}

func (w *Writer) Close() error { return nil }

func (w *Writer) Write(flows []*flow.Flow, timestamp string) error {
	if len(flows) == 0 {
		return nil
	}
	if w.out != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return writeLines(w.out, flows)
	}

	snapshotDir := filepath.Join(w.rootPath, timestamp)
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create snapshot directory")
	}
	filePath := filepath.Join(snapshotDir, "flows.txt")
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create snapshot file '%s'", filePath)
	}
	defer file.Close()

	if err := writeLines(file, flows); err != nil {
		return err
	}
	log.Debugf("Wrote %d flows to %s", len(flows), filePath)
	return nil
}

func writeLines(out io.Writer, flows []*flow.Flow) error {
	bw := bufio.NewWriter(out)
	for _, f := range flows {
		if _, err := bw.WriteString(model.NewFlowRecord(f).Line() + "\n"); err != nil {
			return errors.Wrap(err, "failed to write flow")
		}
	}
	return errors.Wrap(bw.Flush(), "failed to write flow")
}
