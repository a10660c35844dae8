package sensor

import (
	"math/rand"
	"sync"

	"github.com/srg/bletemp/internal/sampler"
)

// Sim is a simulated on-chip temperature source. It drifts by at most one
// hundredth of a degree per read around a base value.
type Sim struct {
	mu     sync.Mutex
	base   sampler.Sample
	cur    sampler.Sample
	rnd    *rand.Rand
	inited bool
}

// NewSim creates a simulator starting at base (hundredths of °C).
// The same seed always yields the same sequence.
func NewSim(base sampler.Sample, seed int64) *Sim {
	return &Sim{base: base, cur: base, rnd: rand.New(rand.NewSource(seed))}
}

func (s *Sim) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inited = true
	return nil
}

func (s *Sim) Read() (sampler.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inited {
		return 0, ErrNotInitialized
	}

	s.cur += sampler.Sample(s.rnd.Intn(3) - 1)
	// stay within ±5 °C of the base
	if s.cur > s.base+500 {
		s.cur = s.base + 500
	} else if s.cur < s.base-500 {
		s.cur = s.base - 500
	}
	return s.cur, nil
}
