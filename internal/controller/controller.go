// Package controller implements the process-wide device registry (C10):
// it loads channels from a repository, builds one device.Runtime per
// channel, starts/stops them together, resolves sibling devices for the
// runtimes' cross-device formula sources, and runs the PCS-to-meter sync
// loop spec.md §4.10 describes as a special case of the controller
// rather than of any one device.
package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emsgateway/simulator/internal/device"
	"github.com/emsgateway/simulator/internal/formula"
	"github.com/emsgateway/simulator/internal/pointstore"
	"github.com/emsgateway/simulator/internal/protocol"
	"github.com/emsgateway/simulator/internal/protocol/dlt645"
	"github.com/emsgateway/simulator/internal/protocol/iec104"
	"github.com/emsgateway/simulator/internal/protocol/modbus"
	"github.com/emsgateway/simulator/internal/repository"
	"go.uber.org/zap"
)

// pcsPointCode and pcsNameMarker implement the PCS-to-meter sync special
// case (spec.md §4.10): every Analog point named pcsPointCode on a
// runtime whose name contains pcsNameMarker is summed once a second and
// written to the designated meter runtime's meterPowerCode point.
const (
	pcsPointCode  = "totalAcP"
	pcsNameMarker = "PCS"
	meterPowerCode = "power"
)

// Controller is the process-wide name -> Runtime registry.
type Controller struct {
	log *zap.Logger

	mu       sync.RWMutex
	runtimes map[string]*device.Runtime

	meterDevice string // designated energy-meter runtime name for PCS sync

	pcsCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an empty Controller. meterDevice names the runtime the PCS
// sync loop writes its summed power value into; pass "" to disable it.
func New(log *zap.Logger, meterDevice string) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log:         log,
		runtimes:    make(map[string]*device.Runtime),
		meterDevice: meterDevice,
	}
}

// Lookup implements formula.DeviceLookup: it resolves a device name to
// its point store.
func (c *Controller) Lookup(deviceName string) (formula.PointResolver, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rt, ok := c.runtimes[deviceName]
	if !ok {
		return nil, false
	}
	return rt.Store(), true
}

// Runtime returns the named device's runtime, if registered.
func (c *Controller) Runtime(name string) (*device.Runtime, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rt, ok := c.runtimes[name]
	return rt, ok
}

// Names returns every registered device name.
func (c *Controller) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.runtimes))
	for name := range c.runtimes {
		out = append(out, name)
	}
	return out
}

// LoadChannels builds one Runtime per channel returned by channels,
// pulling each channel's points from points and registering the
// resulting Runtime under the channel's Code. It does not start
// anything; call StartAll afterwards.
func (c *Controller) LoadChannels(channels repository.ChannelRepository, points repository.PointRepository) error {
	rows, err := channels.All()
	if err != nil {
		return fmt.Errorf("controller: load channels: %w", err)
	}
	for _, ch := range rows {
		if !ch.Enable {
			continue
		}
		rt, err := c.buildRuntime(ch, points)
		if err != nil {
			return fmt.Errorf("controller: build runtime %s: %w", ch.Code, err)
		}
		c.mu.Lock()
		c.runtimes[ch.Code] = rt
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) buildRuntime(ch repository.Channel, points repository.PointRepository) (*device.Runtime, error) {
	role := roleOf(ch.ConnType)
	adapter, err := buildAdapter(ch, role)
	if err != nil {
		return nil, err
	}

	cfg := device.Config{
		Name:               ch.Code,
		Mode:               device.ModeLive,
		Role:               role,
		PollIntervalMs:     firstPositive(ch.TimeoutS*1000, 1000),
		SimulateIntervalMs: 1000,
		MaxGap:             0,
		MaxCount:           120,
	}
	log := c.log.With(zap.String("device", ch.Code)).Sugar()
	rt := device.New(cfg, pointstore.New(), adapter, c.Lookup, log)
	if err := rt.ImportPointsFromChannel(points, ch.ID); err != nil {
		return nil, err
	}
	return rt, nil
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func roleOf(ct repository.ConnType) string {
	switch ct {
	case repository.ConnTCPServer, repository.ConnSerialSlave:
		return "server"
	default:
		return "client"
	}
}

func buildAdapter(ch repository.Channel, role string) (protocol.Adapter, error) {
	switch ch.ProtocolType {
	case repository.ModbusTCP, repository.ModbusRTU:
		cfg := modbus.Config{
			UnitID: ch.RTUAddr,
			Serial: modbus.SerialParams{
				BaudRate: ch.BaudRate,
				DataBits: ch.DataBits,
				StopBits: ch.StopBits,
				Parity:   ch.Parity,
			},
		}
		if ch.ProtocolType == repository.ModbusTCP {
			cfg.Mode, cfg.Kind = "tcp", "tcp"
			cfg.Endpoint = fmt.Sprintf("%s:%d", ch.IP, ch.Port)
		} else {
			cfg.Mode, cfg.Kind = "rtu", "serial"
			cfg.Endpoint = ch.ComPort
		}
		return modbus.NewDevice(cfg, role), nil

	case repository.IEC104:
		dev := iec104.NewDevice(iec104.Config{
			Endpoint:   fmt.Sprintf("%s:%d", ch.IP, ch.Port),
			CommonAddr: ch.CommonAddr,
		}, role)
		dev.Addressing = protocol.IEC104Addressing{}
		return dev, nil

	case repository.DLT645:
		cfg := dlt645.Config{
			MeterAddress: ch.MeterAddress,
			Serial: dlt645.SerialParams{
				BaudRate: ch.BaudRate,
				DataBits: ch.DataBits,
				StopBits: ch.StopBits,
				Parity:   ch.Parity,
			},
		}
		if ch.Port != 0 {
			cfg.Kind = "tcp"
			cfg.Endpoint = fmt.Sprintf("%s:%d", ch.IP, ch.Port)
		} else {
			cfg.Kind = "serial"
			cfg.Endpoint = ch.ComPort
		}
		return dlt645.NewDevice(cfg, role), nil
	}
	return nil, fmt.Errorf("controller: unknown protocol type %d", ch.ProtocolType)
}

// ReloadMappings rebuilds every runtime's formula engine from mappings.
func (c *Controller) ReloadMappings(mappings repository.MappingRepository) error {
	all, err := mappings.All()
	if err != nil {
		return fmt.Errorf("controller: load mappings: %w", err)
	}
	byDevice := make(map[string][]formula.Mapping)
	for _, row := range all {
		srcs := make([]formula.Source, 0, len(row.Sources))
		for _, s := range row.Sources {
			srcs = append(srcs, formula.Source{DeviceName: s.DeviceName, PointCode: s.PointCode, Alias: s.Alias})
		}
		byDevice[row.DeviceName] = append(byDevice[row.DeviceName], formula.Mapping{
			ID:              fmt.Sprintf("%d", row.ID),
			TargetDevice:    row.DeviceName,
			TargetPointCode: row.TargetPointCode,
			Sources:         srcs,
			Expression:      row.Formula,
			Enabled:         row.Enable,
		})
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, rt := range c.runtimes {
		rt.Formula().Reload(rt.Store(), byDevice[name])
	}
	return nil
}

// StartAll starts every registered runtime and, if a meter device was
// designated, the PCS-to-meter sync loop.
func (c *Controller) StartAll(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, rt := range c.runtimes {
		if err := rt.Start(ctx); err != nil {
			return fmt.Errorf("controller: start %s: %w", name, err)
		}
	}
	if c.meterDevice != "" {
		pcsCtx, cancel := context.WithCancel(ctx)
		c.pcsCancel = cancel
		c.wg.Add(1)
		go c.runPCSSync(pcsCtx)
	}
	return nil
}

// StopAll stops the PCS sync loop and every registered runtime.
func (c *Controller) StopAll() error {
	if c.pcsCancel != nil {
		c.pcsCancel()
		c.wg.Wait()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for name, rt := range c.runtimes {
		if err := rt.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("controller: stop %s: %w", name, err)
		}
	}
	return firstErr
}

// runPCSSync implements spec.md §4.10's documented special case: every
// second, sum totalAcP across every runtime whose name contains "PCS" and
// write it into the meter runtime's "power" point.
func (c *Controller) runPCSSync(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncPCSTick()
		}
	}
}

func (c *Controller) syncPCSTick() {
	c.mu.RLock()
	meter, ok := c.runtimes[c.meterDevice]
	if !ok {
		c.mu.RUnlock()
		return
	}
	var sum float64
	for name, rt := range c.runtimes {
		if !strings.Contains(name, pcsNameMarker) {
			continue
		}
		if p, ok := rt.Store().ByCode(pcsPointCode); ok {
			sum += p.RealValue()
		}
	}
	c.mu.RUnlock()

	if p, ok := meter.Store().ByCode(meterPowerCode); ok {
		p.SetRealValue(sum)
	}
}
