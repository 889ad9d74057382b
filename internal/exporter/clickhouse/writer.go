// Package clickhouse inserts exported flows into a ClickHouse table.
package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"Go2NetStreamer/internal/config"
	"Go2NetStreamer/internal/factory"
	"Go2NetStreamer/internal/model"
	"Go2NetStreamer/pkg/flow"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTable       = "flow_records"
	defaultDialTimeout = 5 * time.Second
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    Timestamp       DateTime,
    FlowID          UInt64,
    SrcIP           String,
    DstIP           String,
    SrcPort         UInt16,
    DstPort         UInt16,
    Protocol        UInt8,
    VLANID          UInt16,
    FirstSeen       DateTime64(6),
    LastSeen        DateTime64(6),
    SrcToDstPackets UInt64,
    SrcToDstBytes   UInt64,
    DstToSrcPackets UInt64,
    DstToSrcBytes   UInt64,
    Application     String,
    Category        String,
    EndReason       String,
    Attributes      Map(String, String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Timestamp, FlowID);
`

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

func init() {
	factory.RegisterWriter("clickhouse", func(def config.WriterDef) (model.Writer, error) {
		interval, err := def.Interval()
		if err != nil {
			return nil, err
		}
		return New(def.ClickHouse, interval, defaultDialTimeout)
	})
}

// Writer implements model.Writer for ClickHouse.
type Writer struct {
	conn     driver.Conn
	table    string
	interval time.Duration
}

// New connects to ClickHouse and ensures the flow table exists.
func New(cfg config.ClickHouseConfig, interval, dialTimeout time.Duration) (*Writer, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, errors.Wrapf(flow.ErrInvalidConfig, "invalid clickhouse table name %q", table)
	}

	conn, err := connect(cfg, dialTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to clickhouse")
	}
	if err := conn.Exec(context.Background(), fmt.Sprintf(createTableStatement, table)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to create table")
	}
	log.Println("Successfully connected to ClickHouse and ensured table exists.")

	return &Writer{conn: conn, table: table, interval: interval}, nil
}

func connect(cfg config.ClickHouseConfig, dialTimeout time.Duration) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: dialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to ping clickhouse")
	}
	return conn, nil
}

func (w *Writer) Name() string { return "clickhouse" }

// GetInterval returns the configured snapshot interval for this writer.
func (w *Writer) GetInterval() time.Duration {
	return w.interval
}

func (w *Writer) Close() error {
	return w.conn.Close()
}

// Write inserts the batch in a single INSERT.
func (w *Writer) Write(flows []*flow.Flow, timestamp string) error {
	if len(flows) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO "+w.table)
	if err != nil {
		return errors.Wrap(err, "failed to prepare batch")
	}

	snapshotTime, _ := time.Parse("2006-01-02_15-04-05", timestamp)
	for _, f := range flows {
		if err := batch.Append(rowValues(snapshotTime, model.NewFlowRecord(f))...); err != nil {
			return errors.Wrap(err, "failed to append flow to batch")
		}
	}
	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "failed to send batch")
	}

	log.Debugf("Wrote %d flows to ClickHouse table '%s'", len(flows), w.table)
	return nil
}

// rowValues lists the column values of one record in table order.
func rowValues(snapshotTime time.Time, rec model.FlowRecord) []any {
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return []any{
		snapshotTime,
		rec.FlowID,
		rec.SrcIP,
		rec.DstIP,
		rec.SrcPort,
		rec.DstPort,
		rec.Protocol,
		rec.VLANID,
		rec.FirstSeen,
		rec.LastSeen,
		rec.SrcToDstPackets,
		rec.SrcToDstBytes,
		rec.DstToSrcPackets,
		rec.DstToSrcBytes,
		rec.Application,
		rec.Category,
		rec.EndReason,
		attrs,
	}
}
