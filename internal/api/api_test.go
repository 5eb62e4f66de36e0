package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gwebsocket "github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"minefleet/internal/auth"
	"minefleet/internal/data"
	"minefleet/internal/dispatch"
	"minefleet/internal/status"
	"minefleet/internal/storage"
	"minefleet/internal/websocket"
)

type fixture struct {
	store *storage.MemoryStore
	agg   *status.Aggregator
	hub   *websocket.Hub
	srv   *httptest.Server
	token string
}

type nopHandlers struct{}

func (nopHandlers) ForSite(string) data.Handler { return nopHandler{} }

type nopHandler struct{}

func (nopHandler) HandleReading(data.ReadingMessage) error { return nil }
func (nopHandler) HandleError(data.ErrorMessage) error { return nil }
func (nopHandler) HandleStatus(data.StatusMessage) error { return nil }
func (nopHandler) HandleCommand(data.CommandMessage) error { return nil }
func (nopHandler) HandleCommandComplete(data.CommandCompleteMessage) error { return nil }
func (nopHandler) HandleCommandError(data.CommandErrorMessage) error { return nil }

type nopChannel struct{ site string }

func (c nopChannel) SiteID() string { return c.site }
func (nopChannel) Send(data.Message) error { return nil }
func (nopChannel) Close() error { return nil }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	am := auth.NewAuthManager(auth.Config{
		JWTSecret: "test-secret",
		Users:     []auth.User{{Username: "ops", PasswordHash: string(hash), Role: "operator"}},
	}, map[string]string{"s1": "key-1"})

	f := &fixture{store: storage.NewMemoryStore(), hub: websocket.NewHub(nil)}
	f.agg = status.NewAggregator(status.Options{Store: f.store})
	f.agg.AddSite(data.Site{ID: "s1", Name: "North"})
	f.hub.OnRegister(func(site string) { f.agg.SiteConnected(context.Background(), site) })
	f.hub.OnUnregister(func(site string) { f.agg.SiteDisconnected(context.Background(), site) })

	h := NewAPIHandler(Options{
		Auth:       am,
		Hub:        f.hub,
		Status:     f.agg,
		Commands:   dispatch.New(f.hub, f.store, nil, nil),
		Store:      f.store,
		Sites:      nopHandlers{},
		RatePerKWh: 0.1,
	})
	f.srv = httptest.NewServer(NewRouter(h))
	t.Cleanup(f.srv.Close)

	var login loginResponse
	resp := f.do(t, http.MethodPost, "/login", loginRequest{Username: "ops", Password: "hunter2"}, &login)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d", resp.StatusCode)
	}
	f.token = login.Token
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	f.token = ""
	if resp := f.do(t, http.MethodGet, "/sites/s1/status", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/healthz", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz to be open, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/login", loginRequest{Username: "ops", Password: "nope"}, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected a bad login to be rejected, got %d", resp.StatusCode)
	}
}

func TestSiteStatus(t *testing.T) {
	f := newFixture(t)
	var st data.SiteState
	if resp := f.do(t, http.MethodGet, "/sites/s1/status", nil, &st); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if st.Site.Name != "North" || st.Status != data.StatusOffline {
		t.Fatalf("unexpected state %+v", st)
	}
	if resp := f.do(t, http.MethodGet, "/sites/nowhere/status", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t)
	req := dispatch.Request{Type: data.CommandRestart, DeviceID: 3}
	if resp := f.do(t, http.MethodPost, "/sites/s1/commands", req, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a disconnected site, got %d", resp.StatusCode)
	}

	f.hub.Register(nopChannel{site: "s1"})
	var entry data.CommandLog
	if resp := f.do(t, http.MethodPost, "/sites/s1/commands", req, &entry); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if entry.ID == "" || entry.Status != data.CommandSent {
		t.Fatalf("unexpected log entry %+v", entry)
	}
	if resp := f.do(t, http.MethodPost, "/sites/s1/commands", dispatch.Request{Type: "reboot", DeviceID: 3}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var logs []data.CommandLog
	f.do(t, http.MethodGet, "/sites/s1/commands", nil, &logs)
	if len(logs) != 1 {
		t.Fatalf("expected one command log, got %d", len(logs))
	}
}

func TestDeviceMetrics(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.agg.ApplyReading(context.Background(), data.Reading{SiteID: "s1", DeviceID: 2, Timestamp: now.Add(-2 * time.Hour), Data: data.ReadingData{Temperature: data.Float(60)}})
	f.agg.ApplyReading(context.Background(), data.Reading{SiteID: "s1", DeviceID: 2, Timestamp: now.Add(-time.Minute), Data: data.ReadingData{Temperature: data.Float(65)}})

	var m metricsResponse
	if resp := f.do(t, http.MethodGet, "/sites/s1/devices/2/metrics", nil, &m); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if m.Current == nil || *m.Current.Data.Temperature != 65 {
		t.Fatalf("unexpected current reading %+v", m.Current)
	}
	if len(m.Historical) != 2 {
		t.Fatalf("expected two historical readings, got %d", len(m.Historical))
	}

	from := now.Add(-time.Hour).Format(time.RFC3339)
	f.do(t, http.MethodGet, "/sites/s1/devices/2/metrics?from="+from, nil, &m)
	if len(m.Historical) != 1 {
		t.Fatalf("expected one reading in the last hour, got %d", len(m.Historical))
	}
	if resp := f.do(t, http.MethodGet, "/sites/s1/devices/2/metrics?from=yesterday", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad bound, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/sites/s1/devices/x/metrics", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad device id, got %d", resp.StatusCode)
	}
}

func TestBillingSumsEnergyMeters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-3 * time.Hour)
	for i, v := range []float64{100, 120, 150} {
		f.store.SaveReading(ctx, data.Reading{SiteID: "s1", DeviceID: 10, Timestamp: at.Add(time.Duration(i) * time.Hour), Data: data.ReadingData{EnergyReading: data.Float(v)}})
	}
	for i, v := range []float64{30, 10} {
		f.store.SaveReading(ctx, data.Reading{SiteID: "s1", DeviceID: 11, Timestamp: at.Add(time.Duration(i) * time.Hour), Data: data.ReadingData{EnergyReading: data.Float(v)}})
	}
	f.store.SaveReading(ctx, data.Reading{SiteID: "s1", DeviceID: 1, Timestamp: at, Data: data.ReadingData{Temperature: data.Float(70)}})

	var rec data.BillingRecord
	if resp := f.do(t, http.MethodGet, "/sites/s1/billing", nil, &rec); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if rec.EnergyKWh != 70 || rec.Amount != 7 {
		t.Fatalf("expected 70 kWh costing 7, got %+v", rec)
	}
	if got := f.store.BillingRecords(); len(got) != 1 {
		t.Fatalf("expected one stored billing record, got %d", len(got))
	}
}

func TestPutThresholds(t *testing.T) {
	f := newFixture(t)
	body := data.Thresholds{MaxTemperature: 75, MinHashRate: 40, MaxPower: 3000}
	if resp := f.do(t, http.MethodPut, "/sites/s1/devices/4/thresholds", body, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got, err := f.store.DeviceThresholds(context.Background(), "s1", 4)
	if err != nil || got != body {
		t.Fatalf("expected stored thresholds, got %+v (%v)", got, err)
	}
	if resp := f.do(t, http.MethodPut, "/sites/s1/devices/4/thresholds", data.Thresholds{}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSiteSocketRequiresKey(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/sites/s1"

	_, resp, err := gwebsocket.DefaultDialer.Dial(url, http.Header{"X-API-Key": {"wrong"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad key, got %v", err)
	}

	conn, _, err := gwebsocket.DefaultDialer.Dial(url, http.Header{"X-API-Key": {"key-1"}, "X-Site-ID": {"s1"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := f.agg.SiteStatus("s1")
		if st.Connected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("site never became connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()
	for {
		st, _ := f.agg.SiteStatus("s1")
		if !st.Connected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("site never went offline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
