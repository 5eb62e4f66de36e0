// internal/data/models.go
package data

import "time"

// DeviceKind identifies the register layout family of a field device.
type DeviceKind string

const (
	KindControlBoard DeviceKind = "control-board"
	KindEnergyMeter  DeviceKind = "energy-meter"
	KindHeatMeter    DeviceKind = "heat-meter"
)

// Status is the liveness state of a device or a site.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
	// StatusPartial only applies to sites.
	StatusPartial Status = "partial"
)

// Valid reports whether s is a device status accepted on the wire.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusError:
		return true
	}
	return false
}

// Site is one physical mining location.
type Site struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	Location string `json:"location" mapstructure:"location"`
}

// Device is an addressable unit at a site.
type Device struct {
	ID         int        `json:"id"`
	Name       string     `json:"name,omitempty"`
	Kind       DeviceKind `json:"kind"`
	MinerCount int        `json:"minerCount,omitempty"` // control boards only, informational
}

// ReadingData is a partial set of measured fields. Absent fields are nil.
type ReadingData struct {
	HashRate         *float64 `json:"hashRate,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	FanSpeed         *float64 `json:"fanSpeed,omitempty"`
	PowerConsumption *float64 `json:"powerConsumption,omitempty"`
	EnergyReading    *float64 `json:"energyReading,omitempty"`
	HeatMeterReading *float64 `json:"heatMeterReading,omitempty"`
}

// Empty reports whether no field is set.
func (d ReadingData) Empty() bool {
	return d.HashRate == nil && d.Temperature == nil && d.FanSpeed == nil &&
		d.PowerConsumption == nil && d.EnergyReading == nil && d.HeatMeterReading == nil
}

// Reading is an immutable timestamped measurement of one device.
type Reading struct {
	SiteID    string      `json:"siteId,omitempty"`
	DeviceID  int         `json:"deviceId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      ReadingData `json:"data"`
}

// DeviceStatus is the latest known state of one device.
type DeviceStatus struct {
	DeviceID     int       `json:"deviceId"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// SiteState is the derived view of a site returned to operators.
type SiteState struct {
	Site      Site           `json:"site"`
	Status    Status         `json:"status"`
	Connected bool           `json:"connected"`
	Devices   []DeviceStatus `json:"devices"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert types raised by the hub.
const (
	AlertHighTemperature = "high_temperature"
	AlertLowHashRate     = "low_hash_rate"
	AlertHighPower       = "high_power"
	AlertDeviceError     = "device_error"
	AlertSiteOffline     = "site_offline"
)

// Alert is an append-only event. DeviceID is zero for site-level alerts.
type Alert struct {
	ID        string    `json:"id,omitempty"`
	SiteID    string    `json:"siteId"`
	DeviceID  int       `json:"deviceId,omitempty"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Value     *float64  `json:"value,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Thresholds are the per-device limits used by the alert rules.
type Thresholds struct {
	MaxTemperature float64 `json:"maxTemperature" mapstructure:"max_temperature"`
	MinHashRate    float64 `json:"minHashRate" mapstructure:"min_hash_rate"`
	MaxPower       float64 `json:"maxPower" mapstructure:"max_power"`
}

// DefaultThresholds apply when a device has no stored configuration.
var DefaultThresholds = Thresholds{MaxTemperature: 85, MinHashRate: 50, MaxPower: 3500}

// DeviceError is the persisted form of an error event.
type DeviceError struct {
	SiteID    string    `json:"siteId"`
	DeviceID  int       `json:"deviceId"`
	ErrorType string    `json:"errorType"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Error types reported by the edge poller.
const (
	ErrorTypeConnection = "connection_error"
	ErrorTypeRead       = "read_error"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeBusy       = "poll_in_progress"
)

// CommandStatus tracks a dispatched command.
type CommandStatus string

const (
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// CommandLog records one dispatch and its eventual outcome.
type CommandLog struct {
	ID         string             `json:"id"`
	SiteID     string             `json:"siteId"`
	DeviceID   int                `json:"deviceId"`
	Type       CommandType        `json:"type"`
	Parameters *CommandParameters `json:"parameters,omitempty"`
	Status     CommandStatus      `json:"status"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// BillingRecord is the result of a simple energy sum over a period.
type BillingRecord struct {
	SiteID    string    `json:"siteId"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	EnergyKWh float64   `json:"energyKwh"`
	Rate      float64   `json:"ratePerKwh"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Float returns a pointer to v, for building partial readings.
func Float(v float64) *float64 { return &v }
