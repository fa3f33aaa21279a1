package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/events"
	"threatwatch/internal/model"
	"threatwatch/internal/notify"
	"threatwatch/internal/storage"
)

type fakeNotifier struct {
	queued     []notify.Job
	dispatched []notify.Job
}

func (f *fakeNotifier) Enqueue(job notify.Job) error {
	f.queued = append(f.queued, job)
	return nil
}

func (f *fakeNotifier) Dispatch(_ context.Context, job notify.Job) error {
	f.dispatched = append(f.dispatched, job)
	return nil
}

var recipients = notify.StaticResolver{Recipients: []model.Recipient{
	{Email: "soc@x", EmailEnabled: true, SeverityLevels: []string{"Critical", "High"}, ThreatTypes: []string{"DDoS"}},
	{Email: "oncall@x", EmailEnabled: true, Immediate: true, SeverityLevels: []string{"Critical", "High"}, ThreatTypes: []string{"DDoS"}},
}}

func setup(t *testing.T, sev model.Severity) (*Dispatcher, *storage.Memory, *fakeNotifier, model.Threat) {
	t.Helper()
	st := storage.NewMemory()
	th := model.Threat{ID: "t1", Severity: sev, Classification: model.LabelDDoS, Type: "DDoS Attack", Status: model.StatusActive}
	require.NoError(t, st.SaveThreat(context.Background(), th))
	n := &fakeNotifier{}
	return NewDispatcher(st, n, recipients, NewCache(10), nil, nil), st, n, th
}

func TestHandleHighQueuesAll(t *testing.T) {
	d, st, n, th := setup(t, model.SeverityHigh)
	alert, err := d.Handle(context.Background(), th)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "alert-t1", alert.ID)
	assert.Len(t, n.queued, 2)
	assert.Empty(t, n.dispatched)
	assert.Equal(t, notify.PriorityHigh, n.queued[0].Priority)

	stored, err := st.GetThreat(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, stored.AlertSent)
	assert.Len(t, d.Recent(10), 1)
}

func TestHandleCriticalDispatchesImmediateRecipients(t *testing.T) {
	d, _, n, th := setup(t, model.SeverityCritical)
	_, err := d.Handle(context.Background(), th)
	require.NoError(t, err)
	require.Len(t, n.dispatched, 1)
	assert.Equal(t, "oncall@x", n.dispatched[0].Recipient.Email)
	require.Len(t, n.queued, 1)
	assert.Equal(t, "soc@x", n.queued[0].Recipient.Email)
}

func TestHandleIgnoresMediumAndLow(t *testing.T) {
	for _, sev := range []model.Severity{model.SeverityMedium, model.SeverityLow} {
		d, st, n, th := setup(t, sev)
		alert, err := d.Handle(context.Background(), th)
		require.NoError(t, err)
		assert.Nil(t, alert)
		assert.Empty(t, n.queued)
		alerts, _ := st.ListAlerts(context.Background(), 10)
		assert.Empty(t, alerts)
	}
}

func TestHandleEmitsNewAlert(t *testing.T) {
	st := storage.NewMemory()
	th := model.Threat{ID: "t9", Severity: model.SeverityHigh}
	require.NoError(t, st.SaveThreat(context.Background(), th))
	bus := events.NewBus(nil)
	var got []model.Alert
	require.NoError(t, bus.On(events.NewAlert, func(ev events.Event) { got = append(got, ev.Payload.(model.Alert)) }))

	d := NewDispatcher(st, nil, nil, nil, bus, nil)
	_, err := d.Handle(context.Background(), th)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alert-t9", got[0].ID)
}

func TestAcknowledgeTwice(t *testing.T) {
	d, _, _, th := setup(t, model.SeverityHigh)
	_, err := d.Handle(context.Background(), th)
	require.NoError(t, err)

	first, err := d.Acknowledge(context.Background(), "alert-t1", "alice")
	require.NoError(t, err)
	assert.True(t, first.Acknowledged)

	d.now = func() time.Time { return time.Now().Add(time.Minute) }
	second, err := d.Acknowledge(context.Background(), "alert-t1", "bob")
	require.NoError(t, err)
	assert.True(t, second.Acknowledged)
	assert.Equal(t, "bob", second.AcknowledgedBy)
	assert.True(t, second.AcknowledgedAt.After(*first.AcknowledgedAt))
	assert.Equal(t, "bob", d.Recent(1)[0].AcknowledgedBy)

	_, err = d.Acknowledge(context.Background(), "alert-nope", "x")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestMarkEmailSent(t *testing.T) {
	d, st, _, th := setup(t, model.SeverityHigh)
	_, err := d.Handle(context.Background(), th)
	require.NoError(t, err)
	require.NoError(t, d.MarkEmailSent(context.Background(), "alert-t1"))
	a, err := st.GetAlert(context.Background(), "alert-t1")
	require.NoError(t, err)
	assert.True(t, a.EmailSent)
	assert.True(t, d.Recent(1)[0].EmailSent)
}

func TestCacheEvictsOldest(t *testing.T) {
	c := NewCache(2)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		c.Add(model.Alert{ID: id, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	assert.Equal(t, 2, c.Len())
	list := c.List(0)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Len(t, c.Since(base.Add(2*time.Minute)), 1)
}

type unflaggableStore struct {
	*storage.Memory
}

func (unflaggableStore) MarkThreatAlerted(context.Context, string) error {
	return errors.New("threat row locked")
}

func TestHandleReturnsSavedAlertWhenFlagFails(t *testing.T) {
	st := storage.NewMemory()
	th := model.Threat{ID: "t9", Severity: model.SeverityHigh, Classification: model.LabelDDoS, Status: model.StatusActive}
	require.NoError(t, st.SaveThreat(context.Background(), th))
	n := &fakeNotifier{}
	d := NewDispatcher(unflaggableStore{st}, n, recipients, NewCache(10), nil, nil)

	alert, err := d.Handle(context.Background(), th)
	assert.Error(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "alert-t9", alert.ID)

	_, err = st.GetAlert(context.Background(), "alert-t9")
	require.NoError(t, err)
	assert.Len(t, d.Recent(10), 1)
	assert.Len(t, n.queued, 2)
}

func TestSinceFiltersByTimestamp(t *testing.T) {
	d, _, _, th := setup(t, model.SeverityHigh)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }
	_, err := d.Handle(context.Background(), th)
	require.NoError(t, err)

	assert.Len(t, d.Since(base), 1)
	assert.Empty(t, d.Since(base.Add(time.Second)))
}
