package shed

import (
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"
)

var allGuards = []string{
	"sql_injection", "xss", "command_injection",
	"ssrf", "deserialization",
	"mass_assignment",
	"file_operations",
}

func newTestShedder(cpu, mem float64) (*Shedder, *StaticSampler) {
	sampler := NewStaticSampler(cpu, mem)
	cfg := DefaultConfig()
	cfg.SampleInterval = 0
	return New(cfg, sampler, zap.NewNop()), sampler
}

func TestShedder_Level(t *testing.T) {
	tests := []struct {
		name string
		cpu  float64
		mem  float64
		want int
	}{
		{"idle", 0.1, 0.1, 0},
		{"just below moderate", 0.55, 0.0, 0},   // 0.6875
		{"moderate from cpu", 0.60, 0.0, 2},     // 0.75
		{"moderate from memory", 0.0, 0.70, 2},  // 0.777
		{"severe from cpu", 0.70, 0.0, 1},       // 0.875
		{"severe from memory", 0.1, 0.90, 1},    // 1.0
		{"saturated", 1.0, 1.0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestShedder(tt.cpu, tt.mem)
			if got := s.Level(); got != tt.want {
				t.Errorf("Level() = %d, want %d (pressure %.3f)", got, tt.want, s.Pressure())
			}
		})
	}
}

func TestShedder_Pressure(t *testing.T) {
	s, _ := newTestShedder(0.4, 0.45)
	if got := s.Pressure(); got != 0.5 {
		t.Errorf("Pressure() = %v, want 0.5", got)
	}
}

func TestShedder_FilterGuards(t *testing.T) {
	tests := []struct {
		name string
		cpu  float64
		want []string
	}{
		{"no shedding", 0.1, allGuards},
		{"moderate keeps critical and high", 0.6, []string{
			"sql_injection", "xss", "command_injection", "ssrf", "deserialization",
		}},
		{"severe keeps critical", 0.9, []string{
			"sql_injection", "xss", "command_injection",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestShedder(tt.cpu, 0)
			got := s.FilterGuards(allGuards)
			if !slices.Equal(got, tt.want) {
				t.Errorf("FilterGuards() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShedder_FilterGuardsFloor(t *testing.T) {
	s, _ := newTestShedder(0.95, 0)
	names := []string{"file_operations", "mass_assignment", "ssrf", "anomaly"}

	got := s.FilterGuards(names)
	want := []string{"mass_assignment", "ssrf"}
	if !slices.Equal(got, want) {
		t.Errorf("FilterGuards() = %v, want %v", got, want)
	}
	if st := s.Stats(); st.Floored != 1 || st.Shed != 2 {
		t.Errorf("stats = %+v, want floored 1, shed 2", st)
	}
}

func TestShedder_FloorWithFewNames(t *testing.T) {
	s, _ := newTestShedder(0.95, 0)
	got := s.FilterGuards([]string{"file_operations"})
	if !slices.Equal(got, []string{"file_operations"}) {
		t.Errorf("FilterGuards() = %v, want the single guard kept", got)
	}
}

func TestShedder_Monotonic(t *testing.T) {
	names := append(slices.Clone(allGuards), "anomaly", "session")
	loads := []float64{0, 0.3, 0.55, 0.56, 0.6, 0.67, 0.68, 0.75, 0.9, 1.0}

	s, sampler := newTestShedder(0, 0)
	var prev []string
	for i, cpu := range loads {
		sampler.Set(cpu, 0)
		got := s.FilterGuards(names)
		if len(got) < s.cfg.MinimumGuards {
			t.Fatalf("cpu %.2f: %d guards, below floor", cpu, len(got))
		}
		if i > 0 {
			for _, g := range got {
				if !slices.Contains(prev, g) {
					t.Fatalf("cpu %.2f: %q admitted but was shed at lower load", cpu, g)
				}
			}
		}
		prev = got
	}
}

func TestShedder_ShouldRunAndTiers(t *testing.T) {
	s, sampler := newTestShedder(0.9, 0)
	if !s.ShouldRun("sql_injection") {
		t.Error("critical guard should run under severe pressure")
	}
	if s.ShouldRun("ssrf") {
		t.Error("high guard should be shed under severe pressure")
	}
	if got := s.Tier("unknown_guard"); got != TierLow {
		t.Errorf("unknown tier = %d, want %d", got, TierLow)
	}
	if s.HasTier("unknown_guard") {
		t.Error("unknown guard should not have an explicit tier")
	}

	s.SetTier("custom", TierCritical)
	if !s.ShouldRun("custom") {
		t.Error("custom critical guard should run")
	}

	sampler.Set(0, 0)
	if !s.ShouldRun("file_operations") {
		t.Error("everything runs without pressure")
	}
}

func TestShedder_SampleIsRateLimited(t *testing.T) {
	sampler := NewStaticSampler(0.1, 0)
	cfg := DefaultConfig()
	cfg.SampleInterval = time.Hour
	s := New(cfg, sampler, zap.NewNop())

	if got := s.Level(); got != 0 {
		t.Fatalf("Level() = %d, want 0", got)
	}
	sampler.Set(1, 1)
	if got := s.Level(); got != 0 {
		t.Errorf("Level() = %d, want cached 0 within interval", got)
	}
}

func TestShedder_ConfigTiersOverrideDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleInterval = 0
	cfg.Tiers = map[string]int{"file_operations": TierCritical}
	s := New(cfg, NewStaticSampler(0.9, 0), zap.NewNop())

	if got := s.Tier("file_operations"); got != TierCritical {
		t.Errorf("Tier = %d, want override %d", got, TierCritical)
	}
	if got := s.Tier("ssrf"); got != TierHigh {
		t.Errorf("Tier(ssrf) = %d, want default %d", got, TierHigh)
	}
}

func TestSystemSampler(t *testing.T) {
	sample, err := SystemSampler{}.Sample()
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if sample.CPULoad < 0 || sample.CPULoad > 1 || sample.MemoryUsage < 0 || sample.MemoryUsage > 1 {
		t.Errorf("sample out of range: %+v", sample)
	}
}

func BenchmarkShedder_FilterGuards(b *testing.B) {
	s, _ := newTestShedder(0.6, 0)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s.FilterGuards(allGuards)
	}
}
