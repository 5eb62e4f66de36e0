// internal/anomaly/detector.go
package anomaly

import (
	"context"
	"fmt"
	"log/slog"

	"minefleet/internal/data"
)

// Rule checks one reading against the device's thresholds.
type Rule interface {
	Evaluate(r data.Reading, t data.Thresholds) (data.Alert, bool)
}

// LimitRule fires when a measured field crosses a threshold. Readings that
// do not carry the field are skipped.
type LimitRule struct {
	Type     string
	Severity data.Severity
	Label    string
	Field    func(data.ReadingData) *float64
	Limit    func(data.Thresholds) float64
	// Above fires on value > limit; otherwise on value < limit.
	Above bool
}

func (l LimitRule) Evaluate(r data.Reading, t data.Thresholds) (data.Alert, bool) {
	v := l.Field(r.Data)
	if v == nil {
		return data.Alert{}, false
	}
	limit := l.Limit(t)
	if l.Above && *v <= limit || !l.Above && *v >= limit {
		return data.Alert{}, false
	}
	cmp := "above"
	if !l.Above {
		cmp = "below"
	}
	return data.Alert{
		SiteID:    r.SiteID,
		DeviceID:  r.DeviceID,
		Type:      l.Type,
		Severity:  l.Severity,
		Value:     data.Float(*v),
		Message:   fmt.Sprintf("%s %.2f is %s limit %.2f", l.Label, *v, cmp, limit),
		Timestamp: r.Timestamp,
	}, true
}

// DefaultRules are the hub's threshold checks.
func DefaultRules() []Rule {
	return []Rule{
		LimitRule{
			Type: data.AlertHighTemperature, Severity: data.SeverityHigh, Label: "temperature", Above: true,
			Field: func(d data.ReadingData) *float64 { return d.Temperature },
			Limit: func(t data.Thresholds) float64 { return t.MaxTemperature },
		},
		LimitRule{
			Type: data.AlertLowHashRate, Severity: data.SeverityMedium, Label: "hash rate",
			Field: func(d data.ReadingData) *float64 { return d.HashRate },
			Limit: func(t data.Thresholds) float64 { return t.MinHashRate },
		},
		LimitRule{
			Type: data.AlertHighPower, Severity: data.SeverityMedium, Label: "power", Above: true,
			Field: func(d data.ReadingData) *float64 { return d.PowerConsumption },
			Limit: func(t data.Thresholds) float64 { return t.MaxPower },
		},
	}
}

// ThresholdSource resolves the thresholds of a device. It always answers,
// falling back to defaults.
type ThresholdSource interface {
	Thresholds(ctx context.Context, siteID string, deviceID int) data.Thresholds
}

// Raiser accepts alerts for delivery.
type Raiser interface {
	Raise(alert data.Alert)
}

type Detector struct {
	rules      []Rule
	thresholds ThresholdSource
	alerts     Raiser
	logger     *slog.Logger
}

func NewDetector(rules []Rule, thresholds ThresholdSource, alerts Raiser, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{rules: rules, thresholds: thresholds, alerts: alerts, logger: logger}
}

// Check evaluates every rule against r, raises the resulting alerts and
// returns them.
func (d *Detector) Check(ctx context.Context, r data.Reading) []data.Alert {
	t := d.thresholds.Thresholds(ctx, r.SiteID, r.DeviceID)
	var alerts []data.Alert
	for _, rule := range d.rules {
		alert, fired := rule.Evaluate(r, t)
		if !fired {
			continue
		}
		alerts = append(alerts, alert)
		d.alerts.Raise(alert)
	}
	if len(alerts) > 0 {
		d.logger.Debug("thresholds exceeded",
			slog.String("site_id", r.SiteID),
			slog.Int("device_id", r.DeviceID),
			slog.Int("alerts", len(alerts)))
	}
	return alerts
}
