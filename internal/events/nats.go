package events

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used by the forwarder.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder publishes events as JSON on "<prefix>.<kind>".
type NATSForwarder struct {
	pub    Publisher
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

func DialNATS(url, prefix string, logger *slog.Logger) (*NATSForwarder, error) {
	nc, err := nats.Connect(url, nats.Name("threatwatch"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("connected to nats", "url", url)
	}
	f := NewNATSForwarder(nc, prefix, logger)
	f.nc = nc
	return f, nil
}

func NewNATSForwarder(pub Publisher, prefix string, logger *slog.Logger) *NATSForwarder {
	if prefix == "" {
		prefix = "threatwatch"
	}
	return &NATSForwarder{pub: pub, prefix: prefix, logger: logger}
}

func (f *NATSForwarder) Subject(kind Kind) string {
	return f.prefix + "." + string(kind)
}

func (f *NATSForwarder) Forward(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		if f.logger != nil {
			f.logger.Warn("encode event", "kind", ev.Kind, "err", err)
		}
		return
	}
	if err := f.pub.Publish(f.Subject(ev.Kind), data); err != nil && f.logger != nil {
		f.logger.Warn("nats publish failed", "kind", ev.Kind, "err", err)
	}
}

// Attach registers the forwarder as the handler for kinds on bus.
func (f *NATSForwarder) Attach(bus *Bus, kinds ...Kind) error {
	for _, k := range kinds {
		if err := bus.On(k, f.Forward); err != nil {
			return err
		}
	}
	return nil
}

func (f *NATSForwarder) Close() {
	if f.nc != nil {
		_ = f.nc.Drain()
		if f.logger != nil {
			f.logger.Info("nats connection drained")
		}
	}
}
