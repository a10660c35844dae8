// Package sensor provides temperature source drivers for the sampler.
package sensor

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/bletemp/internal/sampler"
	"github.com/srg/bletemp/pkg/config"
)

var (
	ErrNotInitialized = errors.New("sensor not initialized")
	ErrUnsupported    = errors.New("sensor not supported on this platform")
)

// New builds the sensor selected by cfg.
func New(cfg *config.Config, logger *logrus.Logger) (sampler.Sensor, error) {
	switch cfg.Sensor {
	case config.SensorSim:
		return NewSim(2150, 0), nil
	case config.SensorThermal:
		return NewThermal(cfg.ThermalZone, logger), nil
	default:
		return nil, fmt.Errorf("unknown sensor %q", cfg.Sensor)
	}
}
