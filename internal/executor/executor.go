// Package executor performs operator commands against field devices by
// writing their command registers.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"minefleet/internal/data"
	"minefleet/internal/events"
	"minefleet/internal/modbus"
	"minefleet/internal/registers"
)

const DefaultTimeout = 10 * time.Second

type write struct {
	quantity registers.Quantity
	address  uint16
	values   []uint16
}

type Executor struct {
	devices map[int]modbus.Device
	mapper  *registers.Map
	dialer  modbus.Dialer
	sink    events.Sink
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[int]*sync.Mutex
	wg    sync.WaitGroup
}

func New(devices []modbus.Device, mapper *registers.Map, dialer modbus.Dialer, sink events.Sink, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		devices: modbus.Index(devices),
		mapper:  mapper,
		dialer:  dialer,
		sink:    sink,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "executor")),
		now:     time.Now,
		locks:   make(map[int]*sync.Mutex),
	}
}

// Execute validates cmd and starts its register writes in the background.
// Validation failures are returned and also reported as a command_error
// event; write outcomes are only reported as events.
func (e *Executor) Execute(cmd data.CommandMessage) error {
	dev, ok := e.devices[cmd.DeviceID]
	if !ok {
		err := fmt.Errorf("%w: device %d", data.ErrDeviceNotFound, cmd.DeviceID)
		e.report(cmd, err)
		return err
	}
	writes, err := e.plan(dev, cmd)
	if err != nil {
		e.report(cmd, err)
		return err
	}

	e.logger.Info("executing command",
		slog.String("command_id", cmd.CommandID),
		slog.String("type", string(cmd.Type)),
		slog.Int("device_id", cmd.DeviceID),
		slog.Int("writes", len(writes)))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.report(cmd, e.run(dev, writes))
	}()
	return nil
}

// Wait blocks until every started command has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) plan(dev modbus.Device, cmd data.CommandMessage) ([]write, error) {
	switch cmd.Type {
	case data.CommandRestart:
		return e.trigger(dev, registers.Restart)
	case data.CommandShutdown:
		return e.trigger(dev, registers.Shutdown)
	case data.CommandUpdateConfig:
		var out []write
		if cmd.Parameters == nil {
			return out, nil
		}
		for _, p := range []struct {
			q     registers.Quantity
			value *float64
		}{
			{registers.FrequencySet, cmd.Parameters.Frequency},
			{registers.FanSpeedSet, cmd.Parameters.FanSpeed},
			{registers.PowerLimit, cmd.Parameters.PowerLimit},
		} {
			if p.value == nil {
				continue
			}
			reg, err := e.mapper.Lookup(dev.Kind, p.q)
			if err != nil {
				return nil, err
			}
			words, err := reg.Encode(*p.value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.q, err)
			}
			out = append(out, write{quantity: p.q, address: reg.Address, values: words})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: command %q", data.ErrUnsupportedOperation, cmd.Type)
	}
}

func (e *Executor) trigger(dev modbus.Device, q registers.Quantity) ([]write, error) {
	reg, err := e.mapper.Lookup(dev.Kind, q)
	if err != nil {
		return nil, err
	}
	return []write{{quantity: q, address: reg.Address, values: []uint16{reg.Trigger}}}, nil
}

// run performs the writes with exclusive use of the device link, so two
// commands to one device never interleave while other devices proceed.
func (e *Executor) run(dev modbus.Device, writes []write) error {
	lock := e.deviceLock(dev.ID)
	lock.Lock()
	defer lock.Unlock()

	if len(writes) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	client, err := e.dialer.Dial(ctx, dev.Target)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, w := range writes {
		if len(w.values) == 1 {
			err = client.WriteSingleRegister(w.address, w.values[0])
		} else {
			err = client.WriteMultipleRegisters(w.address, w.values)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", w.quantity, err)
		}
	}
	return nil
}

func (e *Executor) deviceLock(id int) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func (e *Executor) report(cmd data.CommandMessage, err error) {
	at := e.now().UTC()
	if err != nil {
		e.logger.Warn("command failed",
			slog.String("command_id", cmd.CommandID),
			slog.Int("device_id", cmd.DeviceID),
			slog.String("error", err.Error()))
		e.sink.Publish(data.CommandErrorMessage{
			CommandID: cmd.CommandID,
			DeviceID:  cmd.DeviceID,
			Type:      cmd.Type,
			Error:     err.Error(),
			Timestamp: at,
		})
		return
	}
	e.sink.Publish(data.CommandCompleteMessage{
		CommandID: cmd.CommandID,
		DeviceID:  cmd.DeviceID,
		Type:      cmd.Type,
		Timestamp: at,
	})
}
