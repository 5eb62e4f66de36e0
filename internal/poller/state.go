package poller

import (
	"strings"
	"sync"
	"time"

	"minefleet/internal/data"
	"minefleet/internal/modbus"
)

const maxAccumulatedErrors = 20

type deviceState struct {
	status   data.Status
	lastSeen time.Time
	errors   []string
}

// State is the edge's own view of its devices, used for the status sweep
// and for the snapshot sent when the uplink connects.
type State struct {
	mu      sync.Mutex
	order   []int
	devices map[int]*deviceState
}

// NewState starts every device offline until its first poll completes.
func NewState(devices []modbus.Device) *State {
	s := &State{devices: make(map[int]*deviceState, len(devices))}
	for _, d := range devices {
		s.order = append(s.order, d.ID)
		s.devices[d.ID] = &deviceState{status: data.StatusOffline}
	}
	return s
}

func (s *State) markOnline(id int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		d.status = data.StatusOnline
		d.lastSeen = at
		d.errors = nil
	}
}

func (s *State) markError(id int, at time.Time, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return
	}
	d.status = data.StatusError
	d.lastSeen = at
	d.errors = append(d.errors, msg)
	if n := len(d.errors); n > maxAccumulatedErrors {
		d.errors = append([]string(nil), d.errors[n-maxAccumulatedErrors:]...)
	}
}

// Snapshot returns the status of every configured device in configuration
// order, with the errors accumulated since its last successful poll.
func (s *State) Snapshot() data.StatusMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := data.StatusMessage{Devices: make([]data.DeviceStatus, 0, len(s.order))}
	for _, id := range s.order {
		d := s.devices[id]
		out.Devices = append(out.Devices, data.DeviceStatus{
			DeviceID:     id,
			Status:       d.status,
			LastSeen:     d.lastSeen,
			ErrorMessage: strings.Join(d.errors, "; "),
		})
	}
	return out
}
