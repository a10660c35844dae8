//go:build !linux

package sensor

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bletemp/internal/sampler"
)

// Thermal is only available on Linux.
type Thermal struct {
	path string
}

func NewThermal(path string, _ *logrus.Logger) *Thermal {
	return &Thermal{path: path}
}

func (t *Thermal) Init() error {
	return ErrUnsupported
}

func (t *Thermal) Read() (sampler.Sample, error) {
	return 0, ErrUnsupported
}

func (t *Thermal) Close() error {
	return nil
}
