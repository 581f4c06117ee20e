//go:build !linux

package shed

import (
	"math"
	"runtime"
	"runtime/debug"
	"time"
)

// SystemSampler reports Go heap usage against the runtime memory limit.
// There is no portable load average, so CPU load is always zero.
type SystemSampler struct{}

func (SystemSampler) Sample() (LoadSample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var mem float64
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		mem = float64(ms.HeapAlloc) / float64(limit)
	}
	return LoadSample{MemoryUsage: clamp01(mem), SampledAt: time.Now()}, nil
}
