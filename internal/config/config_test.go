package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"minefleet/internal/data"
	"minefleet/internal/modbus"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestHubDefaults(t *testing.T) {
	t.Setenv("MINEFLEET_AUTH_JWT_SECRET", "s")
	cfg, err := LoadHub(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Thresholds.CacheTTL != time.Hour || cfg.Alerts.QueueSize != 256 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Thresholds.Defaults != data.DefaultThresholds {
		t.Fatalf("expected default thresholds, got %+v", cfg.Thresholds.Defaults)
	}
	if cfg.Auth.JWTExpiration != 60 {
		t.Fatalf("expected a 60 minute token lifetime, got %d", cfg.Auth.JWTExpiration)
	}
}

func TestHubFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", `
server:
  port: 9000
auth:
  jwt_secret: from-file
thresholds:
  cache_ttl: 15m
  defaults:
    max_temperature: 80
alerts:
  error_severities:
    timeout: high
sites:
  - id: north
    name: North Pit
    api_key: k-north
  - id: south
    api_key: k-south
`)
	t.Setenv("MINEFLEET_SERVER_PORT", "9100")

	cfg, err := LoadHub(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("expected the env override, got %d", cfg.Server.Port)
	}
	if cfg.Thresholds.CacheTTL != 15*time.Minute || cfg.Thresholds.Defaults.MaxTemperature != 80 {
		t.Fatalf("unexpected thresholds %+v", cfg.Thresholds)
	}
	if cfg.Alerts.ErrorSeverities["timeout"] != "high" {
		t.Fatalf("unexpected severities %v", cfg.Alerts.ErrorSeverities)
	}
	keys := cfg.SiteKeys()
	if len(keys) != 2 || keys["north"] != "k-north" || keys["south"] != "k-south" {
		t.Fatalf("unexpected site keys %v", keys)
	}
	if cfg.Sites[0].Site().Name != "North Pit" {
		t.Fatalf("unexpected site %+v", cfg.Sites[0])
	}
}

func TestHubRequiresJWTSecret(t *testing.T) {
	if _, err := LoadHub(t.TempDir()); err == nil || !strings.Contains(err.Error(), "auth.jwt_secret") {
		t.Fatalf("expected a missing secret error, got %v", err)
	}
}

func TestGatewayRequiresSite(t *testing.T) {
	if _, err := LoadGateway(t.TempDir()); err == nil || !strings.Contains(err.Error(), "site.id") {
		t.Fatalf("expected a missing site id error, got %v", err)
	}
}

func TestGatewayDevices(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gateway.yaml", `
site:
  id: north
  api_key: k-north
poll:
  interval: 10s
devices:
  - id: 1
    name: board-1
    kind: control-board
    mode: tcp
    address: 10.0.0.5:502
    slave_id: 1
    miner_count: 3
  - id: 2
    kind: energy-meter
    mode: serial
    address: /dev/ttyUSB0
    slave_id: 7
    baud_rate: 19200
`)
	cfg, err := LoadGateway(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Poll.Interval != 10*time.Second || cfg.Poll.Timeout != 5*time.Second || cfg.Hub.ReconnectDelay != 5*time.Second {
		t.Fatalf("unexpected timings %+v %+v", cfg.Poll, cfg.Hub)
	}
	devices, err := cfg.FieldDevices()
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected two devices, got %d", len(devices))
	}
	board := devices[0]
	if board.Kind != data.KindControlBoard || board.MinerCount != 3 || board.Target.Mode != modbus.ModeTCP || board.Target.Timeout != 5*time.Second {
		t.Fatalf("unexpected board %+v", board)
	}
	meter := devices[1]
	if meter.Target.Mode != modbus.ModeSerial || meter.Target.SlaveID != 7 || meter.Target.BaudRate != 19200 {
		t.Fatalf("unexpected meter %+v", meter)
	}
}

func TestFieldDevicesValidation(t *testing.T) {
	cases := []struct {
		name    string
		devices []DeviceConfig
		want    string
	}{
		{"zero id", []DeviceConfig{{Kind: data.KindEnergyMeter}}, "id must be positive"},
		{"duplicate", []DeviceConfig{{ID: 1, Kind: data.KindEnergyMeter}, {ID: 1, Kind: data.KindHeatMeter}}, "duplicate"},
		{"no kind", []DeviceConfig{{ID: 1}}, "kind required"},
		{"slave out of range", []DeviceConfig{{ID: 1, Kind: data.KindEnergyMeter, SlaveID: 300}}, "out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &GatewayConfig{Devices: tc.devices}
			if _, err := cfg.FieldDevices(); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}
}
