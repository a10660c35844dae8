// Package app wires the sensor, sampler, attribute registry, BLE stack and
// advertiser together and runs them until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/bletemp/internal/diag"
	"github.com/srg/bletemp/internal/eventq"
	"github.com/srg/bletemp/internal/gap"
	"github.com/srg/bletemp/internal/gatt"
	"github.com/srg/bletemp/internal/sampler"
	"github.com/srg/bletemp/internal/sensor"
	"github.com/srg/bletemp/internal/stack/goble"
	"github.com/srg/bletemp/internal/task"
	"github.com/srg/bletemp/pkg/config"
)

var (
	ErrSensorInit   = errors.New("sensor init failed")
	ErrRegistryInit = errors.New("attribute registry init failed")
	ErrDeviceName   = errors.New("device name set failed")
	ErrStackSync    = errors.New("ble stack sync failed")
)

// Stack is the BLE host as seen by the application.
type Stack interface {
	gap.Stack
	Sync(ctx context.Context, onSync func()) error
	Close() error
}

// SensorFactory builds the temperature source (can be overridden in tests)
var SensorFactory = sensor.New

// StackFactory builds the BLE host (can be overridden in tests)
var StackFactory = func(registry *gatt.Registry, cfg *config.Config, logger *logrus.Logger) Stack {
	return goble.New(registry, goble.Options{
		AddrType: addrType(cfg.AddressType),
		TxPower:  goble.DefaultTxPower,
	}, logger)
}

// App is one running temperature peripheral.
type App struct {
	cfg    *config.Config
	logger *logrus.Logger

	diag     *diag.Log
	sensor   sampler.Sensor
	sampler  *sampler.Sampler
	registry *gatt.Registry
	stack    Stack
	queue    *eventq.Queue[gap.Event]
	adv      atomic.Pointer[gap.Advertiser]
}

// New builds every component from cfg. Nothing touches hardware until Run.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = cfg.NewLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src, err := SensorFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSensorInit, err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		diag:   diag.New(cfg.DiagLogSize, logger.GetLevel()),
		sensor: src,
		queue:  eventq.New[gap.Event](cfg.EventQueueDepth),
	}
	logger.AddHook(a.diag)

	a.registry = gatt.NewRegistry(cfg.BacklogDepth, logger)
	a.sampler = sampler.New(src, cfg.SamplePeriod, a.publish, logger)
	a.stack = StackFactory(a.registry, cfg, logger)
	return a, nil
}

// Run performs the bootstrap sequence and then drains the event queue.
// It returns ctx.Err() on cancellation or the first fatal error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 1)
	fail := func(err error) {
		select {
		case fatal <- err:
		default:
		}
		cancel()
	}

	a.logger.Info("Hello")

	if err := a.sensor.Init(); err != nil {
		return fmt.Errorf("%w: %w", ErrSensorInit, err)
	}
	if c, ok := a.sensor.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				a.logger.WithError(err).Warn("Sensor close failed")
			}
		}()
	}

	a.registry.OnRegister(func(ev gatt.RegisterEvent) {
		a.logger.WithFields(logrus.Fields{
			"uuid":   ev.UUID,
			"handle": ev.Handle,
		}).Debugf("Registered %s", ev.Kind)
	})
	if err := a.registry.Init(a.diag.Reader()); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistryInit, err)
	}

	if err := a.registry.SetDeviceName(a.cfg.DeviceName); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceName, err)
	}

	post := func(ev gap.Event) {
		if err := a.queue.Post(ctx, ev); err != nil {
			a.logger.WithField("event", ev).Debug("Event dropped on shutdown")
		}
	}
	adv := gap.NewAdvertiser(a.stack, post, a.advertiserOptions(), a.logger)
	a.adv.Store(adv)

	samplerDone := make(chan struct{})
	task.Go(ctx, "sampler", a.logger, a.sampler.Run, func(err error) {
		defer close(samplerDone)
		if err != nil && !errors.Is(err, context.Canceled) {
			fail(err)
		}
	})

	if err := a.stack.Sync(ctx, func() { post(gap.SyncEvent{}) }); err != nil {
		cancel()
		<-samplerDone
		return fmt.Errorf("%w: %w", ErrStackSync, err)
	}
	defer func() {
		if err := a.stack.Close(); err != nil {
			a.logger.WithError(err).Warn("BLE stack close failed")
		}
	}()

	err := a.queue.Run(ctx, func(ev gap.Event) {
		if err := adv.Handle(ev); err != nil {
			fail(err)
		}
	})
	<-samplerDone

	select {
	case ferr := <-fatal:
		a.logger.WithError(ferr).Error("Fatal error, stopping")
		return ferr
	default:
	}
	return err
}

// publish hands a full buffer to the registry, which notifies subscribers.
func (a *App) publish(r sampler.Report) {
	if err := a.registry.SetValue(gatt.ReadingsUUID, r.Bytes()); err != nil {
		a.logger.WithError(err).WithField("seq", r.Seq).Warn("Report not published")
	}
}

func (a *App) advertiserOptions() gap.Options {
	opts := gap.Options{
		Name:     a.cfg.DeviceName,
		Privacy:  a.cfg.Privacy,
		Duration: a.cfg.AdvDuration,
		Params:   gap.SensorAdvParams(),
	}
	if a.cfg.AdvRetry.Enabled {
		opts.Retry = gap.RetryPolicy{
			MaxAttempts: a.cfg.AdvRetry.MaxAttempts,
			Backoff:     a.cfg.AdvRetry.Backoff,
		}
	}
	return opts
}

// State returns the advertiser state, or Idle before Run.
func (a *App) State() gap.State {
	adv := a.adv.Load()
	if adv == nil {
		return gap.Idle
	}
	return adv.State()
}

// Stats returns the advertiser counters.
func (a *App) Stats() gap.Stats {
	adv := a.adv.Load()
	if adv == nil {
		return gap.Stats{}
	}
	return adv.Stats()
}

// Registry exposes the attribute table.
func (a *App) Registry() *gatt.Registry {
	return a.registry
}

// Diag exposes the diagnostic log ring.
func (a *App) Diag() *diag.Log {
	return a.diag
}

func addrType(s string) gap.AddrType {
	if s == config.AddressRandom {
		return gap.AddrRandom
	}
	return gap.AddrPublic
}
