package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPeriod is the delay between two ticks.
const DefaultPeriod = 100 * time.Millisecond

// ErrSensorFailure wraps any sensor read error. The sampling task has no
// resume path after it.
var ErrSensorFailure = errors.New("sensor read failed")

// Sensor is the temperature source driver.
type Sensor interface {
	Init() error
	Read() (Sample, error)
}

// FlushFunc receives every full buffer.
type FlushFunc func(Report)

// Sampler reads the sensor once per tick and flushes the buffer when full.
type Sampler struct {
	sensor  Sensor
	period  time.Duration
	onFlush FlushFunc
	logger  *logrus.Logger
	now     func() time.Time

	buf     Buffer
	flushes uint64
}

// New creates a Sampler. A zero period selects DefaultPeriod.
func New(sensor Sensor, period time.Duration, onFlush FlushFunc, logger *logrus.Logger) *Sampler {
	if logger == nil {
		logger = logrus.New()
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	if onFlush == nil {
		onFlush = func(Report) {}
	}
	return &Sampler{
		sensor:  sensor,
		period:  period,
		onFlush: onFlush,
		logger:  logger,
		now:     time.Now,
	}
}

// Tick performs one sampling step.
func (s *Sampler) Tick() error {
	v, err := s.sensor.Read()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSensorFailure, err)
	}

	full, flushed := s.buf.Append(v)
	if !flushed {
		return nil
	}

	s.flushes++
	report := Report{Seq: s.flushes, Samples: full, At: s.now()}

	s.logger.WithField("seq", report.Seq).Info("Buffer full")
	if s.logger.IsLevelEnabled(logrus.DebugLevel) {
		for i, sample := range report.Samples {
			s.logger.WithFields(logrus.Fields{
				"index": i,
				"raw":   fmt.Sprintf("%x", uint16(sample)),
			}).Debug("Sample")
		}
	}

	s.onFlush(report)
	return nil
}

// Run ticks forever, waiting one period after each tick.
// It returns only on a sensor failure or when ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.Tick(); err != nil {
			s.logger.WithError(err).Error("Sampling task stopped")
			return err
		}
		timer.Reset(s.period)
	}
}

// WriteIndex exposes the buffer insertion point.
func (s *Sampler) WriteIndex() int {
	return s.buf.WriteIndex()
}

// Flushes is the number of full buffers reported so far.
func (s *Sampler) Flushes() uint64 {
	return s.flushes
}

// Period is the inter-tick delay.
func (s *Sampler) Period() time.Duration {
	return s.period
}
