// Package dispatch sends operator commands to sites and reconciles their
// outcomes.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"minefleet/internal/data"
	"minefleet/internal/websocket"
)

// Registry resolves a site to its live channel.
type Registry interface {
	Lookup(siteID string) (websocket.Channel, error)
}

type CommandStore interface {
	SaveCommandLog(ctx context.Context, l data.CommandLog) error
	UpdateCommandStatus(ctx context.Context, siteID, id string, status data.CommandStatus, errMsg string, at time.Time) error
}

// DeviceLookup reports whether a site has a device.
type DeviceLookup interface {
	KnownDevice(siteID string, deviceID int) bool
}

// Request is an operator command before it is sent.
type Request struct {
	Type       data.CommandType        `json:"type"`
	DeviceID   int                     `json:"deviceId"`
	Parameters *data.CommandParameters `json:"parameters,omitempty"`
}

type Dispatcher struct {
	registry Registry
	store    CommandStore
	devices  DeviceLookup
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a dispatcher. devices may be nil, which skips the device
// check and leaves it to the edge.
func New(registry Registry, store CommandStore, devices DeviceLookup, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		devices:  devices,
		logger:   logger.With(slog.String("component", "dispatch")),
		now:      time.Now,
	}
}

// Dispatch records req as sent and sends it to the site. A failed send
// leaves the entry failed. It does not wait for the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, siteID string, req Request) (data.CommandLog, error) {
	if !req.Type.Valid() {
		return data.CommandLog{}, fmt.Errorf("%w: command %q", data.ErrUnsupportedOperation, req.Type)
	}
	if req.DeviceID <= 0 {
		return data.CommandLog{}, fmt.Errorf("%w: device %d", data.ErrDeviceNotFound, req.DeviceID)
	}
	ch, err := d.registry.Lookup(siteID)
	if err != nil {
		return data.CommandLog{}, err
	}
	if d.devices != nil && !d.devices.KnownDevice(siteID, req.DeviceID) {
		return data.CommandLog{}, fmt.Errorf("%w: device %d at %s", data.ErrDeviceNotFound, req.DeviceID, siteID)
	}

	at := d.now().UTC()
	entry := data.CommandLog{
		ID:         uuid.NewString(),
		SiteID:     siteID,
		DeviceID:   req.DeviceID,
		Type:       req.Type,
		Parameters: req.Parameters,
		Status:     data.CommandSent,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	// The entry exists before the edge can answer, so an immediate outcome
	// always finds it.
	saved := true
	if err := d.store.SaveCommandLog(ctx, entry); err != nil {
		saved = false
		d.logger.Error("persist command log", slog.String("command_id", entry.ID), slog.String("error", err.Error()))
	}

	msg := data.CommandMessage{
		CommandID:  entry.ID,
		Type:       req.Type,
		DeviceID:   req.DeviceID,
		Parameters: req.Parameters,
	}
	if err := ch.Send(msg); err != nil {
		d.logger.Warn("command send failed", slog.String("site_id", siteID), slog.String("error", err.Error()))
		if saved {
			if uerr := d.store.UpdateCommandStatus(ctx, siteID, entry.ID, data.CommandFailed, err.Error(), d.now().UTC()); uerr != nil {
				d.logger.Error("mark command failed", slog.String("command_id", entry.ID), slog.String("error", uerr.Error()))
			}
		}
		return data.CommandLog{}, err
	}
	d.logger.Info("command sent",
		slog.String("site_id", siteID),
		slog.String("command_id", entry.ID),
		slog.String("type", string(req.Type)),
		slog.Int("device_id", req.DeviceID))
	return entry, nil
}

// Reconcile records the outcome reported by the edge. Only commands sent
// to siteID can be updated from it.
func (d *Dispatcher) Reconcile(ctx context.Context, siteID, commandID string, status data.CommandStatus, errMsg string) error {
	if err := d.store.UpdateCommandStatus(ctx, siteID, commandID, status, errMsg, d.now().UTC()); err != nil {
		return fmt.Errorf("reconcile command %s: %w", commandID, err)
	}
	d.logger.Info("command reconciled",
		slog.String("site_id", siteID),
		slog.String("command_id", commandID),
		slog.String("status", string(status)))
	return nil
}
