// Package gobwriter snapshots exported flows to disk in gob format.
package gobwriter

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"Go2NetStreamer/internal/config"
	"Go2NetStreamer/internal/factory"
	"Go2NetStreamer/internal/model"
	"Go2NetStreamer/pkg/flow"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// FlowsFile holds the gob encoded []model.FlowRecord of a snapshot.
	FlowsFile   = "flows.dat"
	SummaryFile = "summary.json"
)

func init() {
	factory.RegisterWriter("gob", func(def config.WriterDef) (model.Writer, error) {
		interval, err := def.Interval()
		if err != nil {
			return nil, err
		}
		if def.Gob.RootPath == "" {
			return nil, errors.Wrap(flow.ErrInvalidConfig, "gob writer requires root_path")
		}
		return New(def.Gob.RootPath, interval), nil
	})
}

// Summary holds the metadata of a snapshot.
type Summary struct {
	TotalFlows   int            `json:"total_flows"`
	TotalBytes   uint64         `json:"total_bytes"`
	TotalPackets uint64         `json:"total_packets"`
	EndReasons   map[string]int `json:"end_reasons"`
	Timestamp    string         `json:"timestamp"`
}

// Writer handles writing flow snapshots to disk in gob format.
type Writer struct {
	rootPath string
	interval time.Duration
}

// New creates a gob writer rooted at rootPath.
func New(rootPath string, interval time.Duration) *Writer {
	return &Writer{rootPath: rootPath, interval: interval}
}

func (w *Writer) Name() string { return "gob" }

// GetInterval returns the configured snapshot interval for this writer.
func (w *Writer) GetInterval() time.Duration {
	return w.interval
}

func (w *Writer) Close() error { return nil }

// Write stores the batch under <root>/<timestamp>/.
func (w *Writer) Write(flows []*flow.Flow, timestamp string) error {
	if len(flows) == 0 {
		return nil
	}
	snapshotDir := filepath.Join(w.rootPath, timestamp)
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create snapshot directory")
	}

	summary := Summary{EndReasons: make(map[string]int), Timestamp: time.Now().UTC().Format(time.RFC3339)}
	records := make([]model.FlowRecord, 0, len(flows))
	for _, f := range flows {
		rec := model.NewFlowRecord(f)
		records = append(records, rec)
		summary.TotalFlows++
		summary.TotalPackets += rec.Packets()
		summary.TotalBytes += rec.Bytes()
		summary.EndReasons[rec.EndReason]++
	}

	if err := writeFile(filepath.Join(snapshotDir, FlowsFile), func(file *os.File) error {
		return gob.NewEncoder(file).Encode(records)
	}); err != nil {
		return errors.Wrap(err, "failed to encode flows to gob")
	}
	if err := writeFile(filepath.Join(snapshotDir, SummaryFile), func(file *os.File) error {
		enc := json.NewEncoder(file)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}); err != nil {
		return errors.Wrap(err, "failed to encode summary to json")
	}

	log.Debugf("Wrote %d flows to %s", len(records), snapshotDir)
	return nil
}

func writeFile(path string, encode func(*os.File) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadSnapshot decodes the flow records of one snapshot directory.
func ReadSnapshot(dir string) ([]model.FlowRecord, error) {
	file, err := os.Open(filepath.Join(dir, FlowsFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []model.FlowRecord
	if err := gob.NewDecoder(file).Decode(&records); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", dir)
	}
	return records, nil
}
