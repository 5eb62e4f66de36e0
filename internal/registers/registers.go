// Package registers maps device kinds and logical quantities onto fixed
// holding-register addresses and their decoding rules.
//
// The mapping is data, not code: a new firmware revision is supported by
// adding a table entry or loading an overlay file, never by a new branch.
package registers

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"minefleet/internal/data"
)

// Quantity is a logical value read from or written to a device.
type Quantity string

const (
	HashRate     Quantity = "hash-rate"
	Temperature  Quantity = "temperature"
	FanSpeed     Quantity = "fan-speed"
	Power        Quantity = "power"
	Energy       Quantity = "energy"
	Heat         Quantity = "heat"
	MinerCount   Quantity = "miner-count"
	FrequencySet Quantity = "frequency-set"
	FanSpeedSet  Quantity = "fan-speed-set"
	PowerLimit   Quantity = "power-limit"
	Restart      Quantity = "restart"
	Shutdown     Quantity = "shutdown"
)

// Register describes where a quantity lives and how its words are decoded.
// Count is 1 or 2 words; two-word values are big-endian, high word first.
type Register struct {
	Address  uint16  `yaml:"address"`
	Count    uint16  `yaml:"count"`
	Scale    float64 `yaml:"scale"`
	Signed   bool    `yaml:"signed"`
	Writable bool    `yaml:"writable"`
	// Trigger is the raw value written for action registers (restart, shutdown).
	Trigger uint16 `yaml:"trigger"`
}

// Profile is the register table of one device kind.
type Profile struct {
	Registers map[Quantity]Register `yaml:"registers"`
	// Poll lists the quantities read every poll cycle, in order.
	Poll []Quantity `yaml:"poll"`
}

var builtin = map[data.DeviceKind]Profile{
	data.KindControlBoard: {
		Registers: map[Quantity]Register{
			HashRate:     {Address: 0x0000, Count: 2, Scale: 0.01},
			Temperature:  {Address: 0x0002, Count: 1, Scale: 0.1, Signed: true},
			FanSpeed:     {Address: 0x0003, Count: 1, Scale: 1},
			Power:        {Address: 0x0004, Count: 2, Scale: 1},
			MinerCount:   {Address: 0x0010, Count: 1, Scale: 1},
			FrequencySet: {Address: 0x0100, Count: 1, Scale: 1, Writable: true},
			FanSpeedSet:  {Address: 0x0101, Count: 1, Scale: 1, Writable: true},
			PowerLimit:   {Address: 0x0102, Count: 1, Scale: 1, Writable: true},
			Restart:      {Address: 0x0200, Count: 1, Scale: 1, Writable: true, Trigger: 0x0001},
			Shutdown:     {Address: 0x0201, Count: 1, Scale: 1, Writable: true, Trigger: 0x0001},
		},
		Poll: []Quantity{HashRate, Temperature, FanSpeed, Power},
	},
	data.KindEnergyMeter: {
		Registers: map[Quantity]Register{
			Power:  {Address: 0x0000, Count: 2, Scale: 1, Signed: true},
			Energy: {Address: 0x0002, Count: 2, Scale: 0.1},
		},
		Poll: []Quantity{Power, Energy},
	},
	data.KindHeatMeter: {
		Registers: map[Quantity]Register{
			Heat:        {Address: 0x0000, Count: 2, Scale: 0.01},
			Temperature: {Address: 0x0002, Count: 1, Scale: 0.1, Signed: true},
		},
		Poll: []Quantity{Heat, Temperature},
	},
}

// Map is an immutable register table keyed by device kind.
type Map struct {
	profiles map[data.DeviceKind]Profile
}

// Default returns the built-in table.
func Default() *Map {
	return &Map{profiles: cloneProfiles(builtin)}
}

// Lookup returns the register of q on kind. Pairs absent from the table
// fail with ErrUnsupportedOperation; there is no fallback address.
func (m *Map) Lookup(kind data.DeviceKind, q Quantity) (Register, error) {
	profile, ok := m.profiles[kind]
	if !ok {
		return Register{}, fmt.Errorf("%w: unknown device kind %q", data.ErrUnsupportedOperation, kind)
	}
	reg, ok := profile.Registers[q]
	if !ok {
		return Register{}, fmt.Errorf("%w: %s has no %s register", data.ErrUnsupportedOperation, kind, q)
	}
	return reg, nil
}

// PollSet returns the quantities read every cycle for kind.
func (m *Map) PollSet(kind data.DeviceKind) ([]Quantity, error) {
	profile, ok := m.profiles[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device kind %q", data.ErrUnsupportedOperation, kind)
	}
	return append([]Quantity(nil), profile.Poll...), nil
}

// Kinds lists the device kinds known to the table, sorted.
func (m *Map) Kinds() []data.DeviceKind {
	kinds := make([]data.DeviceKind, 0, len(m.profiles))
	for k := range m.profiles {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

type overlayFile struct {
	Kinds map[data.DeviceKind]Profile `yaml:"kinds"`
}

// LoadOverlay reads a YAML overlay and merges it over the built-in table.
func LoadOverlay(path string) (*Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file overlayFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse register overlay %s: %w", path, err)
	}
	return Default().Merge(file.Kinds)
}

// Merge returns a new Map with overlay entries added or replacing existing
// ones. A non-empty Poll list replaces the kind's poll set.
func (m *Map) Merge(overlay map[data.DeviceKind]Profile) (*Map, error) {
	merged := cloneProfiles(m.profiles)
	for kind, extra := range overlay {
		profile := merged[kind]
		if profile.Registers == nil {
			profile.Registers = map[Quantity]Register{}
		}
		for q, reg := range extra.Registers {
			if reg.Count == 0 {
				reg.Count = 1
			}
			if reg.Count > 2 {
				return nil, fmt.Errorf("%s %s: register count %d not supported", kind, q, reg.Count)
			}
			profile.Registers[q] = reg
		}
		if len(extra.Poll) > 0 {
			profile.Poll = append([]Quantity(nil), extra.Poll...)
		}
		for _, q := range profile.Poll {
			if _, ok := profile.Registers[q]; !ok {
				return nil, fmt.Errorf("%s: polled quantity %s has no register", kind, q)
			}
		}
		merged[kind] = profile
	}
	return &Map{profiles: merged}, nil
}

func cloneProfiles(src map[data.DeviceKind]Profile) map[data.DeviceKind]Profile {
	out := make(map[data.DeviceKind]Profile, len(src))
	for kind, p := range src {
		regs := make(map[Quantity]Register, len(p.Registers))
		for q, r := range p.Registers {
			regs[q] = r
		}
		out[kind] = Profile{Registers: regs, Poll: append([]Quantity(nil), p.Poll...)}
	}
	return out
}

func (r Register) scale() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// Decode converts the raw bytes of a holding-register read into an
// engineering value.
func (r Register) Decode(raw []byte) (float64, error) {
	if len(raw) != int(r.Count)*2 {
		return 0, fmt.Errorf("register 0x%04X: expected %d bytes, got %d", r.Address, r.Count*2, len(raw))
	}
	var v float64
	switch r.Count {
	case 1:
		word := uint16(raw[0])<<8 | uint16(raw[1])
		if r.Signed {
			v = float64(int16(word))
		} else {
			v = float64(word)
		}
	case 2:
		dword := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
		if r.Signed {
			v = float64(int32(dword))
		} else {
			v = float64(dword)
		}
	default:
		return 0, fmt.Errorf("register 0x%04X: unsupported count %d", r.Address, r.Count)
	}
	return v * r.scale(), nil
}

// Encode converts an engineering value into register words. Values that do
// not fit the register are rejected rather than clamped.
func (r Register) Encode(value float64) ([]uint16, error) {
	raw := math.Round(value / r.scale())
	var lo, hi float64
	switch {
	case r.Count == 1 && r.Signed:
		lo, hi = math.MinInt16, math.MaxInt16
	case r.Count == 1:
		lo, hi = 0, math.MaxUint16
	case r.Count == 2 && r.Signed:
		lo, hi = math.MinInt32, math.MaxInt32
	case r.Count == 2:
		lo, hi = 0, math.MaxUint32
	default:
		return nil, fmt.Errorf("register 0x%04X: unsupported count %d", r.Address, r.Count)
	}
	if raw < lo || raw > hi {
		return nil, fmt.Errorf("register 0x%04X: value %.2f out of range", r.Address, value)
	}
	if r.Count == 1 {
		if r.Signed {
			return []uint16{uint16(int16(raw))}, nil
		}
		return []uint16{uint16(raw)}, nil
	}
	var dword uint32
	if r.Signed {
		dword = uint32(int32(raw))
	} else {
		dword = uint32(raw)
	}
	return []uint16{uint16(dword >> 16), uint16(dword)}, nil
}

// Assign stores value into the reading field that carries q. It reports
// false for quantities that are not part of a reading.
func Assign(d *data.ReadingData, q Quantity, value float64) bool {
	v := value
	switch q {
	case HashRate:
		d.HashRate = &v
	case Temperature:
		d.Temperature = &v
	case FanSpeed:
		d.FanSpeed = &v
	case Power:
		d.PowerConsumption = &v
	case Energy:
		d.EnergyReading = &v
	case Heat:
		d.HeatMeterReading = &v
	default:
		return false
	}
	return true
}
