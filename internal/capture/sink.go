package capture

import (
	"context"
	"log/slog"
	"time"

	"threatwatch/internal/events"
	"threatwatch/internal/model"
)

// Sink is where every packet source delivers parsed records: the ring
// buffer, the packet_captured event and the pipeline channel. Live sources
// drop on a full channel; Block makes Deliver wait instead, for replays.
type Sink struct {
	Ring    *Ring
	Out     chan<- model.PacketRecord
	Emitter events.Emitter
	Logger  *slog.Logger
	Block   bool
}

func (s *Sink) Deliver(ctx context.Context, rec model.PacketRecord) bool {
	if s.Ring != nil {
		s.Ring.Add(rec)
	}
	if s.Emitter != nil {
		s.Emitter.Emit(events.PacketCaptured, rec)
	}
	if s.Out == nil {
		return true
	}
	if s.Block {
		select {
		case s.Out <- rec:
			return true
		case <-ctx.Done():
			return false
		}
	}
	return SendNonBlocking(ctx, s.Out, rec, s.Logger)
}

func SendNonBlocking(ctx context.Context, out chan<- model.PacketRecord, rec model.PacketRecord, logger *slog.Logger) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("packet channel full, dropping packet", "interface", rec.InterfaceName, "source", rec.SourceAddress)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
