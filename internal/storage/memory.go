// internal/storage/memory.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"minefleet/internal/data"
)

const maxBufferSize = 10000 // readings kept per device

type deviceKey struct {
	siteID   string
	deviceID int
}

type siteStatus struct {
	status data.Status
	at     time.Time
}

// MemoryStore keeps everything in process. Readings are held in a bounded
// buffer per device; the oldest are discarded first.
type MemoryStore struct {
	mu         sync.RWMutex
	capacity   int
	readings   map[deviceKey][]data.Reading
	errors     []data.DeviceError
	alerts     []data.Alert
	commands   []data.CommandLog
	billing    []data.BillingRecord
	sites      map[string]siteStatus
	thresholds map[deviceKey]data.Thresholds
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreSize(maxBufferSize)
}

func NewMemoryStoreSize(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = maxBufferSize
	}
	return &MemoryStore{
		capacity:   capacity,
		readings:   make(map[deviceKey][]data.Reading),
		sites:      make(map[string]siteStatus),
		thresholds: make(map[deviceKey]data.Thresholds),
	}
}

func (s *MemoryStore) SaveReading(_ context.Context, r data.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey{r.SiteID, r.DeviceID}
	buf := s.readings[key]
	if len(buf) >= s.capacity {
		// Remove the oldest element
		buf = buf[1:]
	}
	s.readings[key] = append(buf, r)
	return nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func (s *MemoryStore) Readings(_ context.Context, siteID string, deviceID int, from, to time.Time) ([]data.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []data.Reading{}
	for _, r := range s.readings[deviceKey{siteID, deviceID}] {
		if inRange(r.Timestamp, from, to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) SiteReadings(_ context.Context, siteID string, from, to time.Time) ([]data.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []data.Reading{}
	for key, buf := range s.readings {
		if key.siteID != siteID {
			continue
		}
		for _, r := range buf {
			if inRange(r.Timestamp, from, to) {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) SaveDeviceError(_ context.Context, e data.DeviceError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
	return nil
}

// DeviceErrors returns a copy of the recorded device errors.
func (s *MemoryStore) DeviceErrors() []data.DeviceError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]data.DeviceError(nil), s.errors...)
}

func (s *MemoryStore) SaveAlert(_ context.Context, a data.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

// Alerts returns the newest alerts of a site first.
func (s *MemoryStore) Alerts(_ context.Context, siteID string, limit int) ([]data.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []data.Alert{}
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if s.alerts[i].SiteID == siteID {
			out = append(out, s.alerts[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveCommandLog(_ context.Context, l data.CommandLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, l)
	return nil
}

func (s *MemoryStore) UpdateCommandStatus(_ context.Context, siteID, id string, status data.CommandStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.commands {
		if s.commands[i].ID == id && s.commands[i].SiteID == siteID {
			s.commands[i].Status = status
			s.commands[i].Error = errMsg
			s.commands[i].UpdatedAt = at
			return nil
		}
	}
	return fmt.Errorf("command %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) CommandLogs(_ context.Context, siteID string) ([]data.CommandLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []data.CommandLog{}
	for _, l := range s.commands {
		if l.SiteID == siteID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveBilling(_ context.Context, b data.BillingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.billing = append(s.billing, b)
	return nil
}

// BillingRecords returns a copy of the recorded billing records.
func (s *MemoryStore) BillingRecords() []data.BillingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]data.BillingRecord(nil), s.billing...)
}

func (s *MemoryStore) SaveSiteStatus(_ context.Context, siteID string, status data.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[siteID] = siteStatus{status: status, at: at}
	return nil
}

func (s *MemoryStore) SiteStatus(_ context.Context, siteID string) (data.Status, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sites[siteID]
	if !ok {
		return "", time.Time{}, fmt.Errorf("site %s: %w", siteID, ErrNotFound)
	}
	return st.status, st.at, nil
}

func (s *MemoryStore) DeviceThresholds(_ context.Context, siteID string, deviceID int) (data.Thresholds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.thresholds[deviceKey{siteID, deviceID}]
	if !ok {
		return data.Thresholds{}, fmt.Errorf("thresholds %s/%d: %w", siteID, deviceID, ErrNotFound)
	}
	return t, nil
}

func (s *MemoryStore) SaveDeviceThresholds(_ context.Context, siteID string, deviceID int, t data.Thresholds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[deviceKey{siteID, deviceID}] = t
	return nil
}
