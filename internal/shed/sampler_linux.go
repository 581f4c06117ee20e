//go:build linux

package shed

import (
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// loadScale is the fixed-point scale of sysinfo load averages.
const loadScale = 1 << 16

// SystemSampler reads the 1-minute load average (per CPU) from sysinfo(2)
// and memory pressure from /proc/meminfo. ProcPath overrides the proc mount
// point; empty means procfs.DefaultMountPoint.
type SystemSampler struct {
	ProcPath string
}

func (s SystemSampler) Sample() (LoadSample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return LoadSample{}, fmt.Errorf("SystemSampler.Sample: %w", err)
	}
	cpu := float64(info.Loads[0]) / loadScale / float64(runtime.NumCPU())

	mem, err := s.memoryUsage()
	if err != nil {
		return LoadSample{}, fmt.Errorf("SystemSampler.Sample: %w", err)
	}

	return LoadSample{
		CPULoad:     clamp01(cpu),
		MemoryUsage: clamp01(mem),
		SampledAt:   time.Now(),
	}, nil
}

// memoryUsage is the share of RAM the kernel cannot hand out without
// swapping. Page cache is reclaimable and does not count as used.
func (s SystemSampler) memoryUsage() (float64, error) {
	root := s.ProcPath
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return 0, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return 0, nil
	}
	total := float64(*mi.MemTotal)

	var avail float64
	switch {
	case mi.MemAvailable != nil:
		avail = float64(*mi.MemAvailable)
	default:
		// Kernels before 3.14 do not report MemAvailable.
		avail = float64(deref(mi.MemFree) + deref(mi.Buffers) + deref(mi.Cached))
	}
	return (total - avail) / total, nil
}

func deref(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
