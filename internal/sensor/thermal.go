package sensor

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/srg/bletemp/internal/sampler"
)

// parseMilliCelsius converts a sysfs thermal reading ("42250\n") into a
// sample in hundredths of a degree.
func parseMilliCelsius(raw []byte) (sampler.Sample, error) {
	v, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed thermal reading %q: %w", raw, err)
	}
	centi := v / 10
	if centi > 32767 || centi < -32768 {
		return 0, fmt.Errorf("thermal reading %d m°C out of range", v)
	}
	return sampler.Sample(centi), nil
}
