// Package poller reads every configured field device on a fixed interval and
// turns the results into reading and error events.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"minefleet/internal/data"
	"minefleet/internal/events"
	"minefleet/internal/modbus"
	"minefleet/internal/registers"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

var errInProgress = errors.New("poll still in progress")

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

type Poller struct {
	devices  []modbus.Device
	mapper   *registers.Map
	dialer   modbus.Dialer
	sink     events.Sink
	state    *State
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[int]bool
}

func New(devices []modbus.Device, mapper *registers.Map, dialer modbus.Dialer, sink events.Sink, state *State, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		devices:  devices,
		mapper:   mapper,
		dialer:   dialer,
		sink:     sink,
		state:    state,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   logger.With(slog.String("component", "poller")),
		now:      time.Now,
		inFlight: make(map[int]bool),
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
// Device operations still running at shutdown are abandoned.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("polling started",
		slog.Int("devices", len(p.devices)),
		slog.Duration("interval", p.interval))
	p.PollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("polling stopped")
			return
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll runs one cycle: every device concurrently, each bounded by the
// poll timeout, followed by one status sweep.
func (p *Poller) PollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, dev := range p.devices {
		wg.Add(1)
		go func(dev modbus.Device) {
			defer wg.Done()
			p.pollDevice(ctx, dev)
		}(dev)
	}
	wg.Wait()
	p.sink.Publish(p.state.Snapshot())
}

type pollResult struct {
	data data.ReadingData
	err  error
}

func (p *Poller) pollDevice(ctx context.Context, dev modbus.Device) {
	if !p.begin(dev.ID) {
		p.fail(dev, data.ErrorTypeBusy, errInProgress)
		return
	}

	result := make(chan pollResult, 1)
	go func() {
		defer p.end(dev.ID)
		d, err := p.read(ctx, dev)
		result <- pollResult{data: d, err: err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-result:
		if r.err != nil {
			errType := data.ErrorTypeRead
			var dialErr *dialError
			if errors.As(r.err, &dialErr) {
				errType = data.ErrorTypeConnection
			}
			p.fail(dev, errType, r.err)
			return
		}
		at := p.now().UTC()
		p.state.markOnline(dev.ID, at)
		p.sink.Publish(data.ReadingMessage{DeviceID: dev.ID, Timestamp: at, Data: r.data})
	case <-timer.C:
		p.fail(dev, data.ErrorTypeTimeout, fmt.Errorf("%w: no response within %s", data.ErrTransportFailure, p.timeout))
	}
}

type dialError struct{ err error }

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// read performs the register reads for one device. It may outlive the poll
// timeout; its result is then discarded.
func (p *Poller) read(ctx context.Context, dev modbus.Device) (data.ReadingData, error) {
	var out data.ReadingData
	quantities, err := p.mapper.PollSet(dev.Kind)
	if err != nil {
		return out, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	client, err := p.dialer.Dial(dialCtx, dev.Target)
	if err != nil {
		return out, &dialError{err: err}
	}
	defer client.Close()

	for _, q := range quantities {
		reg, err := p.mapper.Lookup(dev.Kind, q)
		if err != nil {
			return out, err
		}
		raw, err := client.ReadHoldingRegisters(reg.Address, reg.Count)
		if err != nil {
			return out, fmt.Errorf("%s: %w", q, err)
		}
		v, err := reg.Decode(raw)
		if err != nil {
			return out, fmt.Errorf("%w: %s: %v", data.ErrTransportFailure, q, err)
		}
		registers.Assign(&out, q, v)
	}
	return out, nil
}

func (p *Poller) fail(dev modbus.Device, errType string, err error) {
	at := p.now().UTC()
	p.state.markError(dev.ID, at, err.Error())
	p.logger.Warn("device poll failed",
		slog.Int("device_id", dev.ID),
		slog.String("error_type", errType),
		slog.String("error", err.Error()))
	p.sink.Publish(data.ErrorMessage{
		DeviceID:  dev.ID,
		ErrorType: errType,
		Message:   err.Error(),
		Timestamp: at,
	})
}

func (p *Poller) begin(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[id] {
		return false
	}
	p.inFlight[id] = true
	return true
}

func (p *Poller) end(id int) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}
