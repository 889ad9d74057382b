// Package natswriter publishes exported flows to a NATS subject.
package natswriter

import (
	"time"

	"Go2NetStreamer/internal/config"
	"Go2NetStreamer/internal/factory"
	"Go2NetStreamer/internal/model"
	"Go2NetStreamer/internal/output"
	"Go2NetStreamer/pkg/flow"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

const DefaultSubject = "streamer.flows"

func init() {
	factory.RegisterWriter("nats", func(def config.WriterDef) (model.Writer, error) {
		interval, err := def.Interval()
		if err != nil {
			return nil, err
		}
		return New(def.NATS, interval)
	})
}

// Writer publishes one message per flow.
type Writer struct {
	nc       *nats.Conn
	subject  string
	interval time.Duration
}

// New connects to the NATS server.
func New(cfg config.NATSConfig, interval time.Duration) (*Writer, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url, nats.Name("ns-streamer"), nats.Timeout(2*time.Second))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %s", url)
	}
	log.Printf("Connected to NATS server at %s", url)
	return &Writer{nc: nc, subject: subject, interval: interval}, nil
}

func (w *Writer) Name() string { return "nats" }

func (w *Writer) GetInterval() time.Duration {
	return w.interval
}

// Write publishes the batch and flushes the connection.
func (w *Writer) Write(flows []*flow.Flow, _ string) error {
	for _, f := range flows {
		data, err := encodeMessage(f)
		if err != nil {
			return err
		}
		if err := w.nc.Publish(w.subject, data); err != nil {
			return errors.Wrap(err, "failed to publish flow")
		}
	}
	return errors.Wrap(w.nc.Flush(), "failed to flush NATS connection")
}

// Close drains and closes the NATS connection.
func (w *Writer) Close() error {
	if w.nc == nil {
		return nil
	}
	err := w.nc.Drain()
	log.Println("NATS connection drained and closed.")
	return err
}

// encodeMessage serializes a flow to the protobuf wire format of its
// structpb rendering.
func encodeMessage(f *flow.Flow) ([]byte, error) {
	msg, err := output.Encode(f)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal flow")
	}
	return data, nil
}
