// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"minefleet/internal/auth"
	"minefleet/internal/data"
	"minefleet/internal/modbus"
)

// HubConfig configures the cloud hub.
type HubConfig struct {
	Server struct {
		Port         int           `mapstructure:"port"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`
	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
	Thresholds struct {
		CacheTTL time.Duration   `mapstructure:"cache_ttl"`
		Defaults data.Thresholds `mapstructure:"defaults"`
	} `mapstructure:"thresholds"`
	Alerts struct {
		QueueSize       int               `mapstructure:"queue_size"`
		ErrorSeverities map[string]string `mapstructure:"error_severities"`
	} `mapstructure:"alerts"`
	Billing struct {
		RatePerKWh float64 `mapstructure:"rate_per_kwh"`
	} `mapstructure:"billing"`
	Auth  auth.Config  `mapstructure:"auth"`
	Sites []SiteConfig `mapstructure:"sites"`
}

// SiteConfig provisions one site and the key its gateway authenticates with.
type SiteConfig struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Location string `mapstructure:"location"`
	APIKey   string `mapstructure:"api_key"`
}

func (s SiteConfig) Site() data.Site {
	return data.Site{ID: s.ID, Name: s.Name, Location: s.Location}
}

// SiteKeys maps each provisioned site to its API key.
func (c *HubConfig) SiteKeys() map[string]string {
	keys := make(map[string]string, len(c.Sites))
	for _, s := range c.Sites {
		keys[s.ID] = s.APIKey
	}
	return keys
}

// GatewayConfig configures an edge gateway.
type GatewayConfig struct {
	Site struct {
		ID     string `mapstructure:"id"`
		APIKey string `mapstructure:"api_key"`
	} `mapstructure:"site"`
	Hub struct {
		URL            string        `mapstructure:"url"`
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	} `mapstructure:"hub"`
	Poll struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"poll"`
	Command struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"command"`
	Queue struct {
		Size int `mapstructure:"size"`
	} `mapstructure:"queue"`
	Registers struct {
		Overlay string `mapstructure:"overlay"`
	} `mapstructure:"registers"`
	Journal struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"journal"`
	Devices []DeviceConfig `mapstructure:"devices"`
}

// DeviceConfig describes one field device and how to reach it.
type DeviceConfig struct {
	ID         int             `mapstructure:"id"`
	Name       string          `mapstructure:"name"`
	Kind       data.DeviceKind `mapstructure:"kind"`
	Mode       modbus.Mode     `mapstructure:"mode"`
	Address    string          `mapstructure:"address"`
	SlaveID    int             `mapstructure:"slave_id"`
	BaudRate   int             `mapstructure:"baud_rate"`
	MinerCount int             `mapstructure:"miner_count"`
}

// FieldDevices validates the device list and resolves link targets.
func (c *GatewayConfig) FieldDevices() ([]modbus.Device, error) {
	seen := make(map[int]bool, len(c.Devices))
	out := make([]modbus.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID <= 0 {
			return nil, fmt.Errorf("device %q: id must be positive", d.Name)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("device %d: duplicate id", d.ID)
		}
		seen[d.ID] = true
		if d.Kind == "" {
			return nil, fmt.Errorf("device %d: kind required", d.ID)
		}
		if d.SlaveID < 0 || d.SlaveID > 247 {
			return nil, fmt.Errorf("device %d: slave_id %d out of range", d.ID, d.SlaveID)
		}
		out = append(out, modbus.Device{
			Device: data.Device{ID: d.ID, Name: d.Name, Kind: d.Kind, MinerCount: d.MinerCount},
			Target: modbus.Target{
				Mode:     d.Mode,
				Address:  d.Address,
				SlaveID:  byte(d.SlaveID),
				BaudRate: d.BaudRate,
				Timeout:  c.Poll.Timeout,
			},
		})
	}
	return out, nil
}

func newViper(name, path string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("MINEFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// read loads the file if present. A missing file leaves the defaults.
func read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found, using defaults", slog.String("name", v.ConfigFileUsed()))
	}
	return nil
}

// LoadHub reads config.yaml from path.
func LoadHub(path string) (*HubConfig, error) {
	v := newViper("config", path)
	setHubDefaults(v)
	if err := read(v); err != nil {
		return nil, err
	}
	var cfg HubConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return &cfg, nil
}

// LoadGateway reads gateway.yaml from path.
func LoadGateway(path string) (*GatewayConfig, error) {
	v := newViper("gateway", path)
	setGatewayDefaults(v)
	if err := read(v); err != nil {
		return nil, err
	}
	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Site.ID == "" {
		return nil, errors.New("site.id is required")
	}
	return &cfg, nil
}

func setHubDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("thresholds.cache_ttl", time.Hour)
	v.SetDefault("thresholds.defaults.max_temperature", data.DefaultThresholds.MaxTemperature)
	v.SetDefault("thresholds.defaults.min_hash_rate", data.DefaultThresholds.MinHashRate)
	v.SetDefault("thresholds.defaults.max_power", data.DefaultThresholds.MaxPower)
	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("billing.rate_per_kwh", 0.0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 60)
}

func setGatewayDefaults(v *viper.Viper) {
	v.SetDefault("site.id", "")
	v.SetDefault("site.api_key", "")
	v.SetDefault("hub.url", "ws://localhost:8080")
	v.SetDefault("hub.reconnect_delay", 5*time.Second)
	v.SetDefault("poll.interval", 30*time.Second)
	v.SetDefault("poll.timeout", 5*time.Second)
	v.SetDefault("command.timeout", 10*time.Second)
	v.SetDefault("queue.size", 1024)
	v.SetDefault("registers.overlay", "")
	v.SetDefault("journal.path", "")
}
