// Package storage persists hub records: readings, alerts, command logs,
// device errors, billing records, site status and device thresholds.
package storage

import (
	"context"
	"errors"
	"time"

	"minefleet/internal/data"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence collaborator of the hub. Record writes are
// append-only; site status and device thresholds are keyed.
type Store interface {
	SaveReading(ctx context.Context, r data.Reading) error
	Readings(ctx context.Context, siteID string, deviceID int, from, to time.Time) ([]data.Reading, error)
	SiteReadings(ctx context.Context, siteID string, from, to time.Time) ([]data.Reading, error)

	SaveDeviceError(ctx context.Context, e data.DeviceError) error

	SaveAlert(ctx context.Context, a data.Alert) error
	Alerts(ctx context.Context, siteID string, limit int) ([]data.Alert, error)

	SaveCommandLog(ctx context.Context, l data.CommandLog) error
	UpdateCommandStatus(ctx context.Context, siteID, id string, status data.CommandStatus, errMsg string, at time.Time) error
	CommandLogs(ctx context.Context, siteID string) ([]data.CommandLog, error)

	SaveBilling(ctx context.Context, b data.BillingRecord) error

	SaveSiteStatus(ctx context.Context, siteID string, status data.Status, at time.Time) error
	SiteStatus(ctx context.Context, siteID string) (data.Status, time.Time, error)

	DeviceThresholds(ctx context.Context, siteID string, deviceID int) (data.Thresholds, error)
	SaveDeviceThresholds(ctx context.Context, siteID string, deviceID int, t data.Thresholds) error
}
