package shed

import (
	"sync"
	"time"
)

// Sampler reads host load.
type Sampler interface {
	Sample() (LoadSample, error)
}

// StaticSampler reports whatever load it was last given. Hosts that measure
// load themselves push readings into it.
type StaticSampler struct {
	mu  sync.Mutex
	cpu float64
	mem float64
}

// NewStaticSampler creates a sampler reporting the given load.
func NewStaticSampler(cpu, mem float64) *StaticSampler {
	return &StaticSampler{cpu: cpu, mem: mem}
}

// Set replaces the reported load.
func (s *StaticSampler) Set(cpu, mem float64) {
	s.mu.Lock()
	s.cpu, s.mem = cpu, mem
	s.mu.Unlock()
}

func (s *StaticSampler) Sample() (LoadSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LoadSample{CPULoad: s.cpu, MemoryUsage: s.mem, SampledAt: time.Now()}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
