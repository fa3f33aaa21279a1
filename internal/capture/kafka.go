package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
)

// MessageReader is the subset of *kafka.Reader used by the Kafka source.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StartKafka consumes capture lines shipped by remote sensors. Each message
// is either a tcpdump text line or a JSON packet object; the message key,
// when set, names the capturing interface.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, sink *Sink, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka capture source disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka capture source enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go ConsumeKafka(ctx, reader, sink, logger)
}

func ConsumeKafka(ctx context.Context, reader MessageReader, sink *Sink, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		rec, err := DecodeMessage(m.Value, string(m.Key), time.Now())
		if err != nil {
			if logger != nil {
				logger.Debug("kafka message dropped", "err", err, "offset", m.Offset)
			}
			continue
		}
		sink.Deliver(ctx, rec)
	}
}

type jsonPacket struct {
	Timestamp  string          `json:"timestamp"`
	SourceIP   string          `json:"source_ip"`
	SourcePort json.RawMessage `json:"source_port"`
	DestIP     string          `json:"dest_ip"`
	DestPort   json.RawMessage `json:"dest_port"`
	Protocol   string          `json:"protocol"`
	Length     json.RawMessage `json:"length"`
	Interface  string          `json:"interface"`
}

func DecodeMessage(value []byte, iface string, now time.Time) (model.PacketRecord, error) {
	text := strings.TrimSpace(string(value))
	if !strings.HasPrefix(text, "{") {
		rec := ParseLine(text, iface, now)
		if rec == nil {
			return model.PacketRecord{}, fmt.Errorf("unparseable capture line")
		}
		return *rec, nil
	}
	var jp jsonPacket
	if err := json.Unmarshal([]byte(text), &jp); err != nil {
		return model.PacketRecord{}, err
	}
	if jp.Interface != "" {
		iface = jp.Interface
	}
	rec, err := normalize.Normalize(normalize.PacketFields{
		Timestamp: jp.Timestamp,
		Source:    jp.SourceIP,
		SrcPort:   rawScalar(jp.SourcePort),
		Dest:      jp.DestIP,
		DstPort:   rawScalar(jp.DestPort),
		Protocol:  jp.Protocol,
		Length:    rawScalar(jp.Length),
		Interface: iface,
		Raw:       text,
	}, time.UTC)
	if err != nil {
		return model.PacketRecord{}, err
	}
	if jp.Timestamp == "" {
		rec.Timestamp = now.UTC()
	}
	return rec, nil
}

// rawScalar accepts both `443` and `"443"`.
func rawScalar(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}
