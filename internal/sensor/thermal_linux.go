//go:build linux

package sensor

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bletemp/internal/sampler"
	"golang.org/x/sys/unix"
)

// Thermal reads a Linux thermal zone (SoC die temperature). The file is
// opened once and re-read with pread so each tick costs a single syscall.
type Thermal struct {
	path   string
	logger *logrus.Logger

	mu  sync.Mutex
	fd  int
	buf [32]byte
}

// NewThermal creates a driver for the sysfs file at path.
func NewThermal(path string, logger *logrus.Logger) *Thermal {
	if logger == nil {
		logger = logrus.New()
	}
	return &Thermal{path: path, logger: logger, fd: -1}
}

func (t *Thermal) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd >= 0 {
		return nil
	}
	fd, err := unix.Open(t.path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open thermal zone %s: %w", t.path, err)
	}
	t.fd = fd
	t.logger.WithField("path", t.path).Info("Thermal sensor ready")
	return nil
}

func (t *Thermal) Read() (sampler.Sample, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd < 0 {
		return 0, ErrNotInitialized
	}
	n, err := unix.Pread(t.fd, t.buf[:], 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read thermal zone %s: %w", t.path, err)
	}
	return parseMilliCelsius(t.buf[:n])
}

// Close releases the file descriptor.
func (t *Thermal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
