package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"minefleet/internal/data"
)

func setupTestStore(t *testing.T) *PostgresStore {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestPostgresReadingsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	site := "test-" + uuid.NewString()
	at := time.Now().UTC().Truncate(time.Millisecond)

	if err := store.SaveReading(ctx, data.Reading{SiteID: site, DeviceID: 1, Timestamp: at, Data: data.ReadingData{Temperature: data.Float(71.5)}}); err != nil {
		t.Fatalf("save reading: %v", err)
	}
	got, err := store.Readings(ctx, site, 1, at.Add(-time.Minute), at.Add(time.Minute))
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	if len(got) != 1 || got[0].Data.Temperature == nil || *got[0].Data.Temperature != 71.5 {
		t.Fatalf("unexpected readings %+v", got)
	}
}

func TestPostgresCommandLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	site := "test-" + uuid.NewString()
	id := uuid.NewString()
	now := time.Now().UTC()

	err := store.SaveCommandLog(ctx, data.CommandLog{
		ID: id, SiteID: site, DeviceID: 7, Type: data.CommandUpdateConfig,
		Parameters: &data.CommandParameters{FanSpeed: data.Float(60)},
		Status:     data.CommandSent, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("save command: %v", err)
	}
	if err := store.UpdateCommandStatus(ctx, "other-"+site, id, data.CommandFailed, "x", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected another site's command to be out of reach, got %v", err)
	}
	if err := store.UpdateCommandStatus(ctx, site, id, data.CommandCompleted, "", now); err != nil {
		t.Fatalf("update: %v", err)
	}
	logs, err := store.CommandLogs(ctx, site)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != data.CommandCompleted || logs[0].Parameters == nil {
		t.Fatalf("unexpected logs %+v", logs)
	}
	if err := store.UpdateCommandStatus(ctx, site, uuid.NewString(), data.CommandFailed, "x", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresThresholdsAndSiteStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	site := "test-" + uuid.NewString()

	if _, err := store.DeviceThresholds(ctx, site, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	want := data.Thresholds{MaxTemperature: 80, MinHashRate: 40, MaxPower: 3000}
	if err := store.SaveDeviceThresholds(ctx, site, 1, want); err != nil {
		t.Fatalf("save thresholds: %v", err)
	}
	if got, err := store.DeviceThresholds(ctx, site, 1); err != nil || got != want {
		t.Fatalf("expected %+v got %+v (%v)", want, got, err)
	}

	if err := store.SaveSiteStatus(ctx, site, data.StatusPartial, time.Now()); err != nil {
		t.Fatalf("save status: %v", err)
	}
	if st, _, err := store.SiteStatus(ctx, site); err != nil || st != data.StatusPartial {
		t.Fatalf("unexpected status %s (%v)", st, err)
	}
}
