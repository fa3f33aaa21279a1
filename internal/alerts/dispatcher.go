package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"threatwatch/internal/events"
	"threatwatch/internal/model"
	"threatwatch/internal/notify"
)

type Store interface {
	SaveAlert(ctx context.Context, a model.Alert) error
	MarkThreatAlerted(ctx context.Context, id string) error
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (model.Alert, error)
	MarkAlertEmailSent(ctx context.Context, id string) error
}

// Notifier accepts notification jobs; *notify.Queue implements it.
type Notifier interface {
	Enqueue(job notify.Job) error
	Dispatch(ctx context.Context, job notify.Job) error
}

type Dispatcher struct {
	store    Store
	notifier Notifier
	resolver notify.Resolver
	cache    *Cache
	emitter  events.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher wires the alert path. notifier and resolver may be nil when
// notifications are disabled.
func NewDispatcher(store Store, notifier Notifier, resolver notify.Resolver, cache *Cache, emitter events.Emitter, logger *slog.Logger) *Dispatcher {
	if cache == nil {
		cache = NewCache(0)
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		resolver: resolver,
		cache:    cache,
		emitter:  emitter,
		logger:   logger,
		now:      time.Now,
	}
}

func AlertID(threatID string) string {
	return "alert-" + threatID
}

// Handle raises an alert for Critical and High threats and queues one
// notification per resolved recipient. Other severities return nil. A
// non-nil alert may come with an error when only the threat update failed.
func (d *Dispatcher) Handle(ctx context.Context, t model.Threat) (*model.Alert, error) {
	if !t.Severity.Alertable() {
		return nil, nil
	}
	t.AlertSent = true
	alert := model.Alert{
		ID:        AlertID(t.ID),
		ThreatID:  t.ID,
		Threat:    t,
		Timestamp: d.now().UTC(),
	}
	if err := d.store.SaveAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}
	// The alert is persisted from here on and must be reported even when
	// the threat row cannot be flagged.
	markErr := d.store.MarkThreatAlerted(ctx, t.ID)
	if markErr != nil && d.logger != nil {
		d.logger.Warn("threat not flagged as alerted", "threat_id", t.ID, "alert_id", alert.ID, "err", markErr)
	}
	d.cache.Add(alert)
	if d.logger != nil {
		d.logger.Info("alert raised", "alert_id", alert.ID, "severity", t.Severity, "type", t.Type)
	}
	d.emitter.Emit(events.NewAlert, alert)
	d.notify(ctx, alert)
	if markErr != nil {
		return &alert, fmt.Errorf("mark threat alerted: %w", markErr)
	}
	return &alert, nil
}

func (d *Dispatcher) notify(ctx context.Context, alert model.Alert) {
	if d.notifier == nil || d.resolver == nil {
		return
	}
	t := alert.Threat
	for _, rc := range d.resolver.Resolve(t.Severity, t.Classification) {
		job := notify.Job{
			AlertID:   alert.ID,
			Threat:    &t,
			Recipient: rc,
			Priority:  notify.PriorityFor(t.Severity),
		}
		if t.Severity == model.SeverityCritical && rc.Immediate {
			if err := d.notifier.Dispatch(ctx, job); err != nil && d.logger != nil {
				d.logger.Warn("immediate notification failed", "alert_id", alert.ID, "to", rc.Email, "err", err)
			}
			continue
		}
		if err := d.notifier.Enqueue(job); err != nil && d.logger != nil {
			d.logger.Warn("notification not queued", "alert_id", alert.ID, "to", rc.Email, "err", err)
		}
	}
}

// Acknowledge marks an alert acknowledged. Repeating it refreshes who and
// when; there is no way back to unacknowledged.
func (d *Dispatcher) Acknowledge(ctx context.Context, id, who string) (model.Alert, error) {
	a, err := d.store.AcknowledgeAlert(ctx, id, who, d.now().UTC())
	if err != nil {
		return model.Alert{}, err
	}
	d.cache.Update(id, func(c *model.Alert) {
		c.Acknowledged = true
		c.AcknowledgedBy = a.AcknowledgedBy
		c.AcknowledgedAt = a.AcknowledgedAt
	})
	return a, nil
}

// MarkEmailSent records delivery of a notification for the alert.
func (d *Dispatcher) MarkEmailSent(ctx context.Context, id string) error {
	if err := d.store.MarkAlertEmailSent(ctx, id); err != nil {
		return err
	}
	d.cache.Update(id, func(c *model.Alert) { c.EmailSent = true })
	return nil
}

func (d *Dispatcher) Recent(limit int) []model.Alert {
	return d.cache.List(limit)
}

// Since returns cached alerts raised at or after ts, oldest first.
func (d *Dispatcher) Since(ts time.Time) []model.Alert {
	return d.cache.Since(ts)
}
