package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"minefleet/internal/anomaly"
	"minefleet/internal/data"
	"minefleet/internal/dispatch"
	"minefleet/internal/status"
	"minefleet/internal/storage"
	"minefleet/internal/websocket"
)

type alertRecorder struct{ alerts []data.Alert }

func (a *alertRecorder) Raise(alert data.Alert) { a.alerts = append(a.alerts, alert) }

type nopChannel struct{}

func (nopChannel) SiteID() string { return "s1" }
func (nopChannel) Send(data.Message) error { return nil }
func (nopChannel) Close() error { return nil }

type pipelineFixture struct {
	store      *storage.MemoryStore
	alerts     *alertRecorder
	agg        *status.Aggregator
	dispatcher *dispatch.Dispatcher
	h          data.Handler
}

func newPipelineFixture() *pipelineFixture {
	f := &pipelineFixture{store: storage.NewMemoryStore(), alerts: &alertRecorder{}}
	f.agg = status.NewAggregator(status.Options{Alerts: f.alerts, Store: f.store})
	resolver := anomaly.NewResolver(0, nil, f.store, data.DefaultThresholds, nil)
	hub := websocket.NewHub(nil)
	hub.Register(nopChannel{})
	f.dispatcher = dispatch.New(hub, f.store, nil, nil)
	p := &Pipeline{
		Status:   f.agg,
		Rules:    anomaly.NewDetector(anomaly.DefaultRules(), resolver, f.alerts, nil),
		Commands: f.dispatcher,
	}
	f.h = p.ForSite("s1")
	f.agg.SiteConnected(context.Background(), "s1")
	return f
}

func TestErrorMarksDeviceAndAlerts(t *testing.T) {
	f := newPipelineFixture()
	f.agg.ApplyReading(context.Background(), data.Reading{SiteID: "s1", DeviceID: 3, Timestamp: time.Now()})

	msg := data.ErrorMessage{DeviceID: 3, ErrorType: data.ErrorTypeTimeout, Message: "no response", Timestamp: time.Now()}
	if err := data.Dispatch(msg, f.h); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	st, _ := f.agg.SiteStatus("s1")
	if len(st.Devices) != 1 || st.Devices[0].Status != data.StatusError || st.Devices[0].ErrorMessage != "no response" {
		t.Fatalf("expected device 3 in error, got %+v", st.Devices)
	}
	if len(f.alerts.alerts) != 1 || f.alerts.alerts[0].Type != data.AlertDeviceError || f.alerts.alerts[0].DeviceID != 3 {
		t.Fatalf("expected one device_error alert, got %+v", f.alerts.alerts)
	}
	if errs := f.store.DeviceErrors(); len(errs) != 1 || errs[0].ErrorType != data.ErrorTypeTimeout {
		t.Fatalf("expected the error to be stored, got %+v", errs)
	}
}

func TestStatusBatchUpdatesSite(t *testing.T) {
	f := newPipelineFixture()
	msg := data.StatusMessage{Devices: []data.DeviceStatus{
		{DeviceID: 1, Status: data.StatusOnline},
		{DeviceID: 2, Status: data.StatusOffline},
	}}
	if err := data.Dispatch(msg, f.h); err != nil {
		t.Fatalf("dispatch status: %v", err)
	}
	st, _ := f.agg.SiteStatus("s1")
	if st.Status != data.StatusPartial || len(st.Devices) != 2 {
		t.Fatalf("expected a partial site with two devices, got %+v", st)
	}
	if persisted, _, err := f.store.SiteStatus(context.Background(), "s1"); err != nil || persisted != data.StatusPartial {
		t.Fatalf("expected partial to be persisted, got %s (%v)", persisted, err)
	}
}

func TestCommandErrorFailsLog(t *testing.T) {
	f := newPipelineFixture()
	entry, err := f.dispatcher.Dispatch(context.Background(), "s1", dispatch.Request{Type: data.CommandShutdown, DeviceID: 2})
	if err != nil {
		t.Fatalf("dispatch command: %v", err)
	}
	msg := data.CommandErrorMessage{CommandID: entry.ID, DeviceID: 2, Type: data.CommandShutdown, Error: "slave busy"}
	if err := data.Dispatch(msg, f.h); err != nil {
		t.Fatalf("dispatch outcome: %v", err)
	}
	logs, _ := f.store.CommandLogs(context.Background(), "s1")
	if len(logs) != 1 || logs[0].Status != data.CommandFailed || logs[0].Error != "slave busy" {
		t.Fatalf("expected a failed log carrying the edge error, got %+v", logs)
	}

	unknown := data.CommandErrorMessage{CommandID: "nope", Error: "x"}
	if err := data.Dispatch(unknown, f.h); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected an unknown command to be reported, got %v", err)
	}
}

func TestReadingFlowsToStatusAndRules(t *testing.T) {
	store := storage.NewMemoryStore()
	alerts := &alertRecorder{}
	agg := status.NewAggregator(status.Options{Alerts: alerts, Store: store})
	resolver := anomaly.NewResolver(0, nil, store, data.DefaultThresholds, nil)
	hub := websocket.NewHub(nil)
	hub.Register(nopChannel{})
	dispatcher := dispatch.New(hub, store, nil, nil)

	p := &Pipeline{
		Status:   agg,
		Rules:    anomaly.NewDetector(anomaly.DefaultRules(), resolver, alerts, nil),
		Commands: dispatcher,
	}
	h := p.ForSite("s1")
	agg.SiteConnected(context.Background(), "s1")

	if err := data.Dispatch(data.ReadingMessage{DeviceID: 1, Data: data.ReadingData{Temperature: data.Float(90)}}, h); err != nil {
		t.Fatalf("dispatch reading: %v", err)
	}
	st, _ := agg.SiteStatus("s1")
	if st.Status != data.StatusOnline {
		t.Fatalf("expected online, got %s", st.Status)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Type != data.AlertHighTemperature {
		t.Fatalf("expected one high temperature alert, got %+v", alerts.alerts)
	}

	entry, err := dispatcher.Dispatch(context.Background(), "s1", dispatch.Request{Type: data.CommandRestart, DeviceID: 1})
	if err != nil {
		t.Fatalf("dispatch command: %v", err)
	}
	if err := data.Dispatch(data.CommandCompleteMessage{CommandID: entry.ID, DeviceID: 1, Type: data.CommandRestart}, h); err != nil {
		t.Fatalf("dispatch outcome: %v", err)
	}
	logs, _ := store.CommandLogs(context.Background(), "s1")
	if logs[0].Status != data.CommandCompleted {
		t.Fatalf("expected completed, got %s", logs[0].Status)
	}

	if err := data.Dispatch(data.CommandMessage{Type: data.CommandRestart, DeviceID: 1}, h); err == nil {
		t.Fatalf("expected commands from a site to be rejected")
	}
}
