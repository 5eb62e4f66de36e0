// internal/alerting/alerter.go
package alerting

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"minefleet/internal/data"
)

const defaultQueueSize = 256

// AlertStore appends alerts to the external alert store.
type AlertStore interface {
	SaveAlert(ctx context.Context, a data.Alert) error
}

// Notifier delivers alerts to notification channels.
type Notifier interface {
	Publish(subject string, payload any) error
}

// Alerter accepts alerts without blocking and delivers them from a single
// worker: persisted first, then published on alerts.<site>.
type Alerter struct {
	queue    chan data.Alert
	store    AlertStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewAlerter(store AlertStore, notifier Notifier, queueSize int, logger *slog.Logger) *Alerter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{
		queue:    make(chan data.Alert, queueSize),
		store:    store,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "alerter")),
		now:      time.Now,
	}
}

// Raise enqueues an alert. When the queue is full the alert is logged and
// dropped; ingestion never waits on delivery.
func (a *Alerter) Raise(alert data.Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = a.now().UTC()
	}
	select {
	case a.queue <- alert:
	default:
		a.logger.Error("alert queue full, alert dropped",
			slog.String("site_id", alert.SiteID),
			slog.String("type", alert.Type),
			slog.String("message", alert.Message))
	}
}

// Run delivers alerts until ctx is cancelled, then delivers what is queued.
func (a *Alerter) Run(ctx context.Context) {
	for {
		select {
		case alert := <-a.queue:
			a.deliver(alert)
		case <-ctx.Done():
			for len(a.queue) > 0 {
				a.deliver(<-a.queue)
			}
			return
		}
	}
}

func (a *Alerter) deliver(alert data.Alert) {
	a.logger.Warn("alert raised",
		slog.String("site_id", alert.SiteID),
		slog.Int("device_id", alert.DeviceID),
		slog.String("type", alert.Type),
		slog.String("severity", string(alert.Severity)),
		slog.String("message", alert.Message))

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.store.SaveAlert(ctx, alert)
		cancel()
		if err != nil {
			a.logger.Error("persist alert", slog.String("alert_id", alert.ID), slog.String("error", err.Error()))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Publish("alerts."+alert.SiteID, alert); err != nil {
			a.logger.Error("publish alert", slog.String("alert_id", alert.ID), slog.String("error", err.Error()))
		}
	}
}
