// Package poller runs one ticker-driven loop per configured device: read
// every register, decode it, write the result to the Store, and publish a
// RegisterUpdate on the Bus. Grounded on
// original_source/src/modbus/reader.rs's start_polling/convert_value loop,
// translated to a time.Ticker over a cancellable context in the idiom of
// the teacher's health.HealthChecker periodic-check loop.
package poller

import (
	"context"
	"time"

	"github.com/fieldbridge/fieldbridge/internal/bus"
	"github.com/fieldbridge/fieldbridge/internal/decode"
	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
	"github.com/fieldbridge/fieldbridge/internal/store"
	"github.com/fieldbridge/fieldbridge/internal/transport"
	"go.uber.org/zap"
)

// Poller owns one Transport for the lifetime of its Device and polls every
// configured register on every tick. There is no retry logic: a failed
// register read is logged and the next tick is the retry.
type Poller struct {
	device modbusmodel.DeviceSpec
	tr     transport.Transport
	store  *store.Store
	bus    *bus.Bus
	log    *zap.Logger
}

// New builds a Poller for device using tr as its Transport. The Poller
// takes ownership of tr: Run closes it on exit regardless of how the
// context was cancelled.
func New(device modbusmodel.DeviceSpec, tr transport.Transport, st *store.Store, b *bus.Bus, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{device: device, tr: tr, store: st, bus: b, log: log.With(zap.String("device_id", device.ID))}
}

// Run blocks, polling every register of the device on every tick, until
// ctx is cancelled. It always closes its Transport before returning, even
// on cancellation mid-register-read: the in-flight read is allowed to
// finish (or fail) first, per the "stop after completing the current
// register's read" shutdown contract.
func (p *Poller) Run(ctx context.Context) error {
	defer p.tr.Close()

	if p.device.PollInterval <= 0 {
		return &ConfigError{DeviceID: p.device.ID, Reason: "poll interval must be > 0"}
	}

	ticker := time.NewTicker(p.device.PollInterval)
	defer ticker.Stop()

	p.log.Info("poller started", zap.Duration("interval", p.device.PollInterval), zap.Int("registers", len(p.device.Registers)))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopping")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce reads every register in order, logging and continuing past any
// single register's failure so one bad register never stalls the rest of
// the device.
func (p *Poller) pollOnce(ctx context.Context) {
	for _, reg := range p.device.Registers {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := p.readRegister(ctx, reg)
		if err != nil {
			p.log.Warn("register read failed",
				zap.String("register", reg.Name),
				zap.Error(err))
			continue
		}

		value, err := decode.Value(reg.DataType, raw, scaleOrDefault(reg.Scale), reg.Offset)
		if err != nil {
			p.log.Warn("register decode failed",
				zap.String("register", reg.Name),
				zap.Error(err))
			continue
		}

		latest := modbusmodel.LatestValue{
			RegisterName: reg.Name,
			Raw:          raw,
			Value:        value,
			Unit:         reg.Unit,
			Timestamp:    time.Now().UTC(),
		}
		p.store.Write(p.device.ID, latest)
		p.bus.Publish(latest.ToUpdate(p.device.ID))

		p.log.Debug("register polled",
			zap.String("register", reg.Name),
			zap.Float64("value", value),
			zap.String("unit", reg.Unit))
	}
}

func scaleOrDefault(scale float64) float64 {
	if scale == 0 {
		return 1.0
	}
	return scale
}

func (p *Poller) readRegister(ctx context.Context, reg modbusmodel.RegisterSpec) ([]uint16, error) {
	switch reg.Kind {
	case modbusmodel.Holding:
		return p.tr.ReadHolding(ctx, reg.Address, reg.Count)
	case modbusmodel.Input:
		return p.tr.ReadInput(ctx, reg.Address, reg.Count)
	case modbusmodel.Coil:
		bits, err := p.tr.ReadCoils(ctx, reg.Address, reg.Count)
		if err != nil {
			return nil, err
		}
		return bitsToWords(bits), nil
	case modbusmodel.Discrete:
		bits, err := p.tr.ReadDiscrete(ctx, reg.Address, reg.Count)
		if err != nil {
			return nil, err
		}
		return bitsToWords(bits), nil
	default:
		return nil, &ConfigError{DeviceID: p.device.ID, Reason: "unknown register kind " + string(reg.Kind)}
	}
}

// bitsToWords promotes a bit-kind read (coil/discrete) to the word shape
// decode.Value expects, one bit per word, so coils can use the same Bool
// data type path as any other register.
func bitsToWords(bits []bool) []uint16 {
	words := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			words[i] = 1
		}
	}
	return words
}

// ConfigError reports a device-level misconfiguration discovered only once
// the poller starts running (poll interval, unknown register kind). It is
// never retried.
type ConfigError struct {
	DeviceID string
	Reason   string
}

func (e *ConfigError) Error() string {
	return "poller: device " + e.DeviceID + ": " + e.Reason
}
