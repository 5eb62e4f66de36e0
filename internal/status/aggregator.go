// Package status holds the hub's authoritative view of device and site
// liveness, derived from the messages each site sends.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"minefleet/internal/data"
	"minefleet/internal/storage"
)

// Store persists what the aggregator learns.
type Store interface {
	SaveReading(ctx context.Context, r data.Reading) error
	SaveDeviceError(ctx context.Context, e data.DeviceError) error
	SaveSiteStatus(ctx context.Context, siteID string, status data.Status, at time.Time) error
}

// Mirror receives every status write for low-latency readers.
type Mirror interface {
	PutDeviceStatus(ctx context.Context, siteID string, ds data.DeviceStatus) error
	PutSiteStatus(ctx context.Context, siteID string, status data.Status) error
}

// Raiser accepts alerts for delivery.
type Raiser interface {
	Raise(alert data.Alert)
}

// SeverityFunc maps a device error type to an alert severity.
type SeverityFunc func(errorType string) data.Severity

type site struct {
	mu        sync.Mutex
	info      data.Site
	connected bool
	status    data.Status
	devices   map[int]*data.DeviceStatus
	readings  map[int]data.Reading
	updatedAt time.Time
}

// Aggregator owns one record per site, each guarded by its own lock, so
// sites are processed independently while writes to one site are
// serialized and immediately visible to readers.
type Aggregator struct {
	mu       sync.RWMutex
	sites    map[string]*site
	alerts   Raiser
	severity SeverityFunc
	store    Store
	mirror   Mirror
	logger   *slog.Logger
	now      func() time.Time
}

type Options struct {
	Alerts   Raiser
	Severity SeverityFunc
	Store    Store
	Mirror   Mirror
	Logger   *slog.Logger
}

func NewAggregator(opts Options) *Aggregator {
	if opts.Severity == nil {
		opts.Severity = func(string) data.Severity { return data.SeverityMedium }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		sites:    make(map[string]*site),
		alerts:   opts.Alerts,
		severity: opts.Severity,
		store:    opts.Store,
		mirror:   opts.Mirror,
		logger:   opts.Logger.With(slog.String("component", "status")),
		now:      time.Now,
	}
}

// AddSite provisions a site. Sites are otherwise created on first contact.
func (a *Aggregator) AddSite(info data.Site) {
	s := a.site(info.ID)
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

func (a *Aggregator) site(id string) *site {
	a.mu.RLock()
	s, ok := a.sites[id]
	a.mu.RUnlock()
	if ok {
		return s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.sites[id]; ok {
		return s
	}
	s = &site{
		info:     data.Site{ID: id, Name: id},
		status:   data.StatusOffline,
		devices:  make(map[int]*data.DeviceStatus),
		readings: make(map[int]data.Reading),
	}
	a.sites[id] = s
	return s
}

func (a *Aggregator) lookup(id string) (*site, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sites[id]
	return s, ok
}

// effects collects the side effects of one state change so they run after
// the site lock is released.
type effects struct {
	devices    []data.DeviceStatus
	siteStatus data.Status
	changed    bool
	// persist writes the site status even when it did not change.
	persist bool
	alerts  []data.Alert
}

// derive applies the site rule: offline while the channel is down or no
// device is known, online iff every device is online, offline iff every
// device is offline, otherwise partial.
func (s *site) derive() data.Status {
	if !s.connected || len(s.devices) == 0 {
		return data.StatusOffline
	}
	online, offline := 0, 0
	for _, d := range s.devices {
		switch d.Status {
		case data.StatusOnline:
			online++
		case data.StatusOffline:
			offline++
		}
	}
	switch {
	case online == len(s.devices):
		return data.StatusOnline
	case offline == len(s.devices):
		return data.StatusOffline
	default:
		return data.StatusPartial
	}
}

func (s *site) recompute(at time.Time, fx *effects) {
	next := s.derive()
	s.updatedAt = at
	if next != s.status {
		s.status = next
		fx.changed = true
	}
	fx.siteStatus = next
}

func (s *site) setDevice(ds data.DeviceStatus, fx *effects) data.Status {
	prev := data.Status("")
	if cur, ok := s.devices[ds.DeviceID]; ok {
		prev = cur.Status
	}
	stored := ds
	s.devices[ds.DeviceID] = &stored
	fx.devices = append(fx.devices, stored)
	return prev
}

// ApplyReading marks the device online and records the reading.
func (a *Aggregator) ApplyReading(ctx context.Context, r data.Reading) {
	s := a.site(r.SiteID)
	at := a.now().UTC()
	var fx effects

	s.mu.Lock()
	s.setDevice(data.DeviceStatus{DeviceID: r.DeviceID, Status: data.StatusOnline, LastSeen: at}, &fx)
	s.readings[r.DeviceID] = r
	s.recompute(at, &fx)
	s.mu.Unlock()

	if a.store != nil {
		if err := a.store.SaveReading(ctx, r); err != nil {
			a.logger.Error("persist reading", slog.String("site_id", r.SiteID), slog.Int("device_id", r.DeviceID), slog.String("error", err.Error()))
		}
	}
	a.apply(ctx, r.SiteID, at, fx)
}

// ApplyError marks the device in error and raises a device_error alert.
func (a *Aggregator) ApplyError(ctx context.Context, siteID string, e data.ErrorMessage) {
	s := a.site(siteID)
	at := a.now().UTC()
	var fx effects

	s.mu.Lock()
	s.setDevice(data.DeviceStatus{DeviceID: e.DeviceID, Status: data.StatusError, LastSeen: at, ErrorMessage: e.Message}, &fx)
	fx.alerts = append(fx.alerts, a.deviceErrorAlert(siteID, e.DeviceID, e.ErrorType, e.Message, at))
	s.recompute(at, &fx)
	s.mu.Unlock()

	if a.store != nil {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = at
		}
		err := a.store.SaveDeviceError(ctx, data.DeviceError{SiteID: siteID, DeviceID: e.DeviceID, ErrorType: e.ErrorType, Message: e.Message, Timestamp: ts})
		if err != nil {
			a.logger.Error("persist device error", slog.String("site_id", siteID), slog.Int("device_id", e.DeviceID), slog.String("error", err.Error()))
		}
	}
	a.apply(ctx, siteID, at, fx)
}

// ApplyStatusBatch overwrites each listed device's status and persists the
// derived site status. Entries moving into error raise a device_error alert.
func (a *Aggregator) ApplyStatusBatch(ctx context.Context, siteID string, batch []data.DeviceStatus) {
	s := a.site(siteID)
	at := a.now().UTC()
	var fx effects

	s.mu.Lock()
	for _, ds := range batch {
		if ds.LastSeen.IsZero() {
			ds.LastSeen = at
		}
		prev := s.setDevice(ds, &fx)
		if ds.Status == data.StatusError && prev != data.StatusError {
			fx.alerts = append(fx.alerts, a.deviceErrorAlert(siteID, ds.DeviceID, "status", ds.ErrorMessage, at))
		}
	}
	s.recompute(at, &fx)
	s.mu.Unlock()

	fx.persist = true
	a.apply(ctx, siteID, at, fx)
}

// SiteConnected marks the site's channel live.
func (a *Aggregator) SiteConnected(ctx context.Context, siteID string) {
	s := a.site(siteID)
	at := a.now().UTC()
	var fx effects

	s.mu.Lock()
	s.connected = true
	s.recompute(at, &fx)
	s.mu.Unlock()

	a.logger.Info("site connected", slog.String("site_id", siteID))
	a.apply(ctx, siteID, at, fx)
}

// SiteDisconnected forces the site offline and raises one site_offline
// alert. Device records are left as last reported.
func (a *Aggregator) SiteDisconnected(ctx context.Context, siteID string) {
	s := a.site(siteID)
	at := a.now().UTC()
	var fx effects

	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.recompute(at, &fx)
	if wasConnected {
		fx.alerts = append(fx.alerts, data.Alert{
			SiteID:    siteID,
			Type:      data.AlertSiteOffline,
			Severity:  data.SeverityHigh,
			Message:   fmt.Sprintf("site %s disconnected", siteID),
			Timestamp: at,
		})
	}
	s.mu.Unlock()

	a.logger.Warn("site disconnected", slog.String("site_id", siteID))
	a.apply(ctx, siteID, at, fx)
}

func (a *Aggregator) deviceErrorAlert(siteID string, deviceID int, errorType, msg string, at time.Time) data.Alert {
	return data.Alert{
		SiteID:    siteID,
		DeviceID:  deviceID,
		Type:      data.AlertDeviceError,
		Severity:  a.severity(errorType),
		Message:   msg,
		Timestamp: at,
	}
}

// apply runs side effects. Failures are logged; they never undo the state
// change that caused them.
func (a *Aggregator) apply(ctx context.Context, siteID string, at time.Time, fx effects) {
	if a.mirror != nil {
		for _, ds := range fx.devices {
			if err := a.mirror.PutDeviceStatus(ctx, siteID, ds); err != nil {
				a.logger.Warn("mirror device status", slog.String("site_id", siteID), slog.Int("device_id", ds.DeviceID), slog.String("error", err.Error()))
			}
		}
	}
	if fx.changed {
		a.logger.Info("site status changed", slog.String("site_id", siteID), slog.String("status", string(fx.siteStatus)))
	}
	if fx.changed || fx.persist {
		if a.store != nil {
			if err := a.store.SaveSiteStatus(ctx, siteID, fx.siteStatus, at); err != nil {
				a.logger.Error("persist site status", slog.String("site_id", siteID), slog.String("error", err.Error()))
			}
		}
		if a.mirror != nil {
			if err := a.mirror.PutSiteStatus(ctx, siteID, fx.siteStatus); err != nil {
				a.logger.Warn("mirror site status", slog.String("site_id", siteID), slog.String("error", err.Error()))
			}
		}
	}
	if a.alerts != nil {
		for _, alert := range fx.alerts {
			a.alerts.Raise(alert)
		}
	}
}

// SiteStatus returns the current view of a site, devices ordered by id.
func (a *Aggregator) SiteStatus(siteID string) (data.SiteState, error) {
	s, ok := a.lookup(siteID)
	if !ok {
		return data.SiteState{}, fmt.Errorf("%w: %s", data.ErrSiteNotFound, siteID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := data.SiteState{
		Site:      s.info,
		Status:    s.status,
		Connected: s.connected,
		Devices:   make([]data.DeviceStatus, 0, len(s.devices)),
		UpdatedAt: s.updatedAt,
	}
	for _, d := range s.devices {
		out.Devices = append(out.Devices, *d)
	}
	sort.Slice(out.Devices, func(i, j int) bool { return out.Devices[i].DeviceID < out.Devices[j].DeviceID })
	return out, nil
}

// KnownDevice reports whether the site has reported the device.
func (a *Aggregator) KnownDevice(siteID string, deviceID int) bool {
	s, ok := a.lookup(siteID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok = s.devices[deviceID]
	return ok
}

// LastReading returns the most recent reading of a device.
func (a *Aggregator) LastReading(siteID string, deviceID int) (data.Reading, bool) {
	s, ok := a.lookup(siteID)
	if !ok {
		return data.Reading{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.readings[deviceID]
	return r, ok
}

// DeviceSnapshot yields the device statuses mirrored before a restart.
type DeviceSnapshot interface {
	DeviceStatuses(ctx context.Context, siteID string) ([]data.DeviceStatus, error)
}

// SiteHistory yields the last persisted site status.
type SiteHistory interface {
	SiteStatus(ctx context.Context, siteID string) (data.Status, time.Time, error)
}

// Restore seeds a site from state left by a previous process. The site
// stays offline until its channel connects; devices keep their last
// reported status. Either source may be nil. Nothing is re-mirrored and
// no alert is raised.
func (a *Aggregator) Restore(ctx context.Context, siteID string, devices DeviceSnapshot, history SiteHistory) error {
	var (
		restored []data.DeviceStatus
		last     data.Status
		lastAt   time.Time
	)
	if devices != nil {
		var err error
		if restored, err = devices.DeviceStatuses(ctx, siteID); err != nil {
			return fmt.Errorf("restore devices of %s: %w", siteID, err)
		}
	}
	if history != nil {
		var err error
		last, lastAt, err = history.SiteStatus(ctx, siteID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("restore status of %s: %w", siteID, err)
		}
	}

	s := a.site(siteID)
	s.mu.Lock()
	for _, ds := range restored {
		if _, ok := s.devices[ds.DeviceID]; ok {
			continue
		}
		stored := ds
		s.devices[ds.DeviceID] = &stored
	}
	if s.updatedAt.IsZero() {
		s.updatedAt = lastAt
	}
	s.mu.Unlock()

	if len(restored) > 0 || last != "" {
		a.logger.Info("site restored",
			slog.String("site_id", siteID),
			slog.Int("devices", len(restored)),
			slog.String("last_status", string(last)),
			slog.Time("last_status_at", lastAt))
	}
	return nil
}
