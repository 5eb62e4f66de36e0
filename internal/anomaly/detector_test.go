package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"minefleet/internal/data"
	"minefleet/internal/kv"
	"minefleet/internal/storage"
)

type alertRecorder struct{ alerts []data.Alert }

func (a *alertRecorder) Raise(alert data.Alert) { a.alerts = append(a.alerts, alert) }

type fixed data.Thresholds

func (f fixed) Thresholds(context.Context, string, int) data.Thresholds { return data.Thresholds(f) }

func reading(d data.ReadingData) data.Reading {
	return data.Reading{SiteID: "s1", DeviceID: 1, Timestamp: time.Now().UTC(), Data: d}
}

func TestHighTemperatureScenario(t *testing.T) {
	rec := &alertRecorder{}
	d := NewDetector(DefaultRules(), fixed(data.Thresholds{MaxTemperature: 85, MinHashRate: 0, MaxPower: 1e9}), rec, nil)

	d.Check(context.Background(), reading(data.ReadingData{Temperature: data.Float(90)}))
	if len(rec.alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(rec.alerts))
	}
	a := rec.alerts[0]
	if a.Type != data.AlertHighTemperature || a.DeviceID != 1 || a.Value == nil || *a.Value != 90 {
		t.Fatalf("unexpected alert %+v", a)
	}
}

func TestAtThresholdDoesNotAlert(t *testing.T) {
	rec := &alertRecorder{}
	d := NewDetector(DefaultRules(), fixed(data.DefaultThresholds), rec, nil)
	d.Check(context.Background(), reading(data.ReadingData{
		Temperature:      data.Float(85),
		HashRate:         data.Float(50),
		PowerConsumption: data.Float(3500),
	}))
	if len(rec.alerts) != 0 {
		t.Fatalf("expected no alerts, got %+v", rec.alerts)
	}
}

func TestAbsentFieldsAreSkipped(t *testing.T) {
	rec := &alertRecorder{}
	d := NewDetector(DefaultRules(), fixed(data.DefaultThresholds), rec, nil)
	d.Check(context.Background(), reading(data.ReadingData{}))
	if len(rec.alerts) != 0 {
		t.Fatalf("expected no alerts for an empty reading")
	}
}

func TestEveryRuleFires(t *testing.T) {
	rec := &alertRecorder{}
	d := NewDetector(DefaultRules(), fixed(data.DefaultThresholds), rec, nil)
	got := d.Check(context.Background(), reading(data.ReadingData{
		Temperature:      data.Float(99),
		HashRate:         data.Float(10),
		PowerConsumption: data.Float(4000),
	}))
	want := []string{data.AlertHighTemperature, data.AlertLowHashRate, data.AlertHighPower}
	if len(got) != len(want) {
		t.Fatalf("expected %d alerts, got %d", len(want), len(got))
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Fatalf("alert %d: expected %s got %s", i, typ, got[i].Type)
		}
	}
}

type countingStore struct {
	calls int
	t     data.Thresholds
	err   error
}

func (c *countingStore) DeviceThresholds(context.Context, string, int) (data.Thresholds, error) {
	c.calls++
	return c.t, c.err
}

func TestResolverCachesStoreLookups(t *testing.T) {
	store := &countingStore{t: data.Thresholds{MaxTemperature: 70}}
	r := NewResolver(time.Hour, nil, store, data.DefaultThresholds, nil)
	for i := 0; i < 3; i++ {
		if got := r.Thresholds(context.Background(), "s1", 1); got.MaxTemperature != 70 {
			t.Fatalf("unexpected thresholds %+v", got)
		}
	}
	if store.calls != 1 {
		t.Fatalf("expected one store lookup, got %d", store.calls)
	}
	r.Update(context.Background(), "s1", 1, data.Thresholds{MaxTemperature: 60})
	if got := r.Thresholds(context.Background(), "s1", 1); got.MaxTemperature != 60 || store.calls != 1 {
		t.Fatalf("expected the update to be served from cache, got %+v after %d lookups", got, store.calls)
	}
}

func TestResolverFallsBackToDefaults(t *testing.T) {
	store := &countingStore{err: storage.ErrNotFound}
	r := NewResolver(time.Hour, nil, store, data.DefaultThresholds, nil)
	if got := r.Thresholds(context.Background(), "s1", 2); got != data.DefaultThresholds {
		t.Fatalf("expected defaults, got %+v", got)
	}

	failing := &countingStore{err: errors.New("db down")}
	r = NewResolver(time.Hour, nil, failing, data.DefaultThresholds, nil)
	r.Thresholds(context.Background(), "s1", 2)
	r.Thresholds(context.Background(), "s1", 2)
	if failing.calls != 2 {
		t.Fatalf("expected store failures not to be cached")
	}
}

type memoryTier struct {
	m map[int]data.Thresholds
}

func (m *memoryTier) Thresholds(_ context.Context, _ string, id int) (data.Thresholds, error) {
	t, ok := m.m[id]
	if !ok {
		return t, kv.ErrMiss
	}
	return t, nil
}

func (m *memoryTier) PutThresholds(_ context.Context, _ string, id int, t data.Thresholds) error {
	m.m[id] = t
	return nil
}

func TestResolverUsesTierBeforeStore(t *testing.T) {
	tier := &memoryTier{m: map[int]data.Thresholds{1: {MaxTemperature: 60}}}
	store := &countingStore{t: data.Thresholds{MaxTemperature: 99}}
	r := NewResolver(time.Hour, tier, store, data.DefaultThresholds, nil)

	if got := r.Thresholds(context.Background(), "s1", 1); got.MaxTemperature != 60 {
		t.Fatalf("expected the tier value, got %+v", got)
	}
	if store.calls != 0 {
		t.Fatalf("expected no store lookup")
	}
	r.Thresholds(context.Background(), "s1", 2)
	if tier.m[2].MaxTemperature != 99 {
		t.Fatalf("expected the store value to be written to the tier")
	}
}

func TestResolverUpdateRefreshesBothTiers(t *testing.T) {
	tier := &memoryTier{m: map[int]data.Thresholds{}}
	store := &countingStore{t: data.Thresholds{MaxTemperature: 99}}
	r := NewResolver(time.Hour, tier, store, data.DefaultThresholds, nil)
	r.Thresholds(context.Background(), "s1", 1)

	r.Update(context.Background(), "s1", 1, data.Thresholds{MaxTemperature: 75})
	if got := r.Thresholds(context.Background(), "s1", 1); got.MaxTemperature != 75 {
		t.Fatalf("expected updated thresholds, got %+v", got)
	}
	if tier.m[1].MaxTemperature != 75 {
		t.Fatalf("expected the tier to be refreshed")
	}
	if store.calls != 1 {
		t.Fatalf("expected no further store lookups, got %d", store.calls)
	}
}
