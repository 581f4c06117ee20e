package incremental

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newInspector(t testing.TB, cfg Config, store Store) *Inspector {
	t.Helper()
	in, err := New(cfg, store, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return in
}

// highEntropy returns n bytes cycling through every byte value that no
// pattern family reacts to.
func highEntropy(n int) []byte {
	var alphabet []byte
	for c := 1; c < 256; c++ {
		b := byte(c)
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
			continue
		case strings.IndexByte(";|&$`<./\\'\"(", b) >= 0:
			continue
		}
		alphabet = append(alphabet, b)
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[i%len(alphabet)]
	}
	return out
}

// mixedContent spans several chunks and carries findings that stay below
// every termination threshold.
func mixedContent() []byte {
	var b strings.Builder
	filler := "the quick brown fox jumps over the lazy dog "
	for i := 0; i < 24; i++ {
		b.WriteString(filler)
		switch i {
		case 3:
			b.WriteString("see ../docs for details ")
		case 9:
			b.WriteString("<iframe src=\"/embed\"></iframe> ")
		case 15:
			b.WriteString("run `make build` first ")
		case 20:
			b.WriteString("then ../other too ")
		}
	}
	return []byte(b.String())
}

func TestInspect_EarlyTerminationOnFirstChunk(t *testing.T) {
	in := newInspector(t, DefaultConfig(), nil)

	content := []byte("id=1' UNION SELECT password FROM users-- ")
	content = append(content, strings.Repeat("a", 4096*12)...)

	res, err := in.Inspect(context.Background(), content)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if res.TotalChunks < 10 {
		t.Fatalf("TotalChunks = %d, want >= 10", res.TotalChunks)
	}
	if res.ProcessedChunks != 1 {
		t.Errorf("ProcessedChunks = %d, want 1", res.ProcessedChunks)
	}
	if !res.HasThreat || !res.EarlyTerminated || !res.Complete {
		t.Errorf("HasThreat=%v EarlyTerminated=%v Complete=%v, want all true", res.HasThreat, res.EarlyTerminated, res.Complete)
	}
	if !slices.Contains(res.Terminated, FamilyInjection) {
		t.Errorf("Terminated = %v, want %s", res.Terminated, FamilyInjection)
	}
	if res.CheckpointID != "" {
		t.Errorf("terminated inspection should not checkpoint, got %q", res.CheckpointID)
	}
}

func TestInspect_CleanContent(t *testing.T) {
	in := newInspector(t, DefaultConfig(), nil)

	content := []byte(strings.Repeat("plain text with nothing interesting in it. ", 500))
	res, err := in.Inspect(context.Background(), content)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if res.HasThreat || res.EarlyTerminated {
		t.Errorf("clean content flagged: %+v", res)
	}
	if !res.Complete || res.ProcessedChunks != res.TotalChunks {
		t.Errorf("Complete=%v processed %d of %d", res.Complete, res.ProcessedChunks, res.TotalChunks)
	}
	if len(res.Findings) != 0 {
		t.Errorf("Findings = %+v, want none", res.Findings)
	}
}

func TestInspect_Empty(t *testing.T) {
	in := newInspector(t, DefaultConfig(), NewMemoryStore())

	res, err := in.Inspect(context.Background(), nil)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !res.Complete || res.TotalChunks != 0 || res.CheckpointID != "" {
		t.Errorf("empty content: %+v", res)
	}
}

func TestInspect_PatternSpanningChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 16
	in := newInspector(t, cfg, nil)

	// "<script>" is split "<scr" | "ipt>" across the first chunk boundary.
	content := []byte(strings.Repeat("x", 12) + "<script>alert(1)</script>" + strings.Repeat("y", 64))
	res, err := in.Inspect(context.Background(), content)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !slices.Contains(res.Terminated, FamilyScriptInjection) {
		t.Fatalf("Terminated = %v, want %s", res.Terminated, FamilyScriptInjection)
	}
	if res.ProcessedChunks != 2 {
		t.Errorf("ProcessedChunks = %d, want 2", res.ProcessedChunks)
	}

	var found *Finding
	for i := range res.Findings {
		if res.Findings[i].Family == FamilyScriptInjection {
			found = &res.Findings[i]
			break
		}
	}
	if found == nil {
		t.Fatal("no script_injection finding")
	}
	if found.Chunk != 1 || found.Offset != -4 {
		t.Errorf("finding at chunk %d offset %d, want chunk 1 offset -4", found.Chunk, found.Offset)
	}
}

func TestInspect_OverlapNotDoubleCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 32
	in := newInspector(t, cfg, nil)

	content := []byte("aaaa<iframe src=x>bbbbbbbbbbbbbb" + strings.Repeat("c", 96))
	res, err := in.Inspect(context.Background(), content)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}

	n := 0
	for _, f := range res.Findings {
		if f.Family == FamilyScriptInjection {
			n++
		}
	}
	if n != 1 {
		t.Errorf("script_injection findings = %d, want 1", n)
	}
	if res.ProcessedChunks != 4 || res.EarlyTerminated {
		t.Errorf("ProcessedChunks=%d EarlyTerminated=%v", res.ProcessedChunks, res.EarlyTerminated)
	}
}

func TestInspect_FamilyScores(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		family     string
		terminated bool
	}{
		{"stacked traversal", "GET ../../../etc/hosts", FamilyPathTraversal, true},
		{"single traversal", "see ../readme", FamilyPathTraversal, false},
		{"sensitive file", "file=/etc/passwd", FamilyPathTraversal, true},
		{"shell after separator", "host=x; cat /etc/hosts", FamilyCommandInjection, true},
		{"command substitution", "name=$(whoami)", FamilyCommandInjection, false},
		{"event handler", "<img src=x onerror=alert(1)>", FamilyScriptInjection, true},
		{"tautology", "user=admin' OR '1'='1", FamilyInjection, true},
		{"sleep", "id=1 AND SLEEP(5)", FamilyInjection, true},
	}

	in := newInspector(t, DefaultConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := in.Inspect(context.Background(), []byte(tt.content))
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if res.FamilyScores[tt.family] <= 0 {
				t.Errorf("%s score = %v, want > 0", tt.family, res.FamilyScores[tt.family])
			}
			if got := slices.Contains(res.Terminated, tt.family); got != tt.terminated {
				t.Errorf("%s terminated = %v, want %v (scores %v)", tt.family, got, tt.terminated, res.FamilyScores)
			}
		})
	}
}

func TestInspect_EntropyIsInformational(t *testing.T) {
	in := newInspector(t, DefaultConfig(), nil)

	res, err := in.Inspect(context.Background(), highEntropy(4096*4))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if res.EarlyTerminated || res.HasThreat {
		t.Errorf("high-entropy content should not be a threat: %+v", res)
	}
	if res.FamilyScores[FamilyEntropy] <= 0.4 {
		t.Errorf("entropy score = %v, want > 0.4", res.FamilyScores[FamilyEntropy])
	}
	n := 0
	for _, f := range res.Findings {
		if f.Family != FamilyEntropy {
			t.Errorf("unexpected %s finding: %+v", f.Family, f)
		}
		n++
	}
	if n != 4 {
		t.Errorf("entropy findings = %d, want 4", n)
	}
}

func TestInspect_MeanTermination(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Families = []string{FamilyInjection}
	cfg.EarlyTerminationThreshold = 1.1
	in := newInspector(t, cfg, nil)

	res, err := in.Inspect(context.Background(), []byte("1 UNION SELECT 1"+strings.Repeat(" ", 8192)))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !res.EarlyTerminated || res.ProcessedChunks != 1 {
		t.Errorf("EarlyTerminated=%v ProcessedChunks=%d", res.EarlyTerminated, res.ProcessedChunks)
	}
	if len(res.Terminated) != 0 {
		t.Errorf("no family crossed its threshold, got Terminated=%v", res.Terminated)
	}
}

func TestInspect_MaxChunksWithoutStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 128
	cfg.MaxChunks = 2
	in := newInspector(t, cfg, nil)

	res, err := in.Inspect(context.Background(), mixedContent())
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if res.Complete || res.ProcessedChunks != 2 || res.CheckpointID != "" {
		t.Errorf("Complete=%v ProcessedChunks=%d CheckpointID=%q", res.Complete, res.ProcessedChunks, res.CheckpointID)
	}
}

func TestInspect_CancelledContext(t *testing.T) {
	in := newInspector(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := in.Inspect(ctx, []byte(strings.Repeat("a", 4096*3)))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if res.ProcessedChunks != 0 || res.Complete {
		t.Errorf("ProcessedChunks=%d Complete=%v", res.ProcessedChunks, res.Complete)
	}
}

func TestResume_MatchesSinglePass(t *testing.T) {
	content := mixedContent()

	cfg := DefaultConfig()
	cfg.ChunkSize = 128
	cfg.MaxChunks = 1 << 20
	want, err := newInspector(t, cfg, nil).Inspect(context.Background(), content)
	if err != nil {
		t.Fatalf("single pass: %v", err)
	}
	if !want.Complete || want.EarlyTerminated {
		t.Fatalf("fixture should complete without termination: %+v", want)
	}
	if len(want.Findings) < 4 {
		t.Fatalf("fixture should produce findings, got %+v", want.Findings)
	}

	for _, step := range []int{0, 1, 3} {
		cfg.MaxChunks = 2
		store := NewMemoryStore()
		in := newInspector(t, cfg, store)

		res, err := in.Inspect(context.Background(), content)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if res.CheckpointID == "" {
			t.Fatal("expected a checkpoint")
		}
		id := res.CheckpointID
		for calls := 0; !res.Complete; calls++ {
			if calls > want.TotalChunks {
				t.Fatalf("step %d: resume did not converge", step)
			}
			res, err = in.ResumeFromCheckpoint(context.Background(), id, step)
			if err != nil {
				t.Fatalf("step %d: ResumeFromCheckpoint: %v", step, err)
			}
		}

		if !reflect.DeepEqual(res, want) {
			t.Errorf("step %d: resumed result differs\n got %+v\nwant %+v", step, res, want)
		}
		if _, err := store.Load(context.Background(), id); !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("step %d: completed checkpoint should be deleted, Load err = %v", step, err)
		}
	}
}

func TestCreateCheckpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 16
	in := newInspector(t, cfg, NewMemoryStore())
	ctx := context.Background()

	content := []byte(strings.Repeat("z", 40) + "../../../etc/hosts")
	id, err := in.CreateCheckpoint(ctx, content)
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	res, err := in.ResumeFromCheckpoint(ctx, id, 2)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint: %v", err)
	}
	if res.Complete || res.ProcessedChunks != 2 || res.CheckpointID != id {
		t.Fatalf("first resume: %+v", res)
	}

	res, err = in.ResumeFromCheckpoint(ctx, id, 0)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint: %v", err)
	}
	if !res.Complete || !res.HasThreat || res.CheckpointID != "" {
		t.Errorf("final resume: %+v", res)
	}

	if _, err := in.ResumeFromCheckpoint(ctx, id, 0); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("resume after completion err = %v, want ErrCheckpointNotFound", err)
	}
}

func TestCheckpoint_NoStore(t *testing.T) {
	in := newInspector(t, DefaultConfig(), nil)
	if _, err := in.CreateCheckpoint(context.Background(), []byte("x")); !errors.Is(err, ErrNoStore) {
		t.Errorf("CreateCheckpoint err = %v, want ErrNoStore", err)
	}
	if _, err := in.ResumeFromCheckpoint(context.Background(), "x", 0); !errors.Is(err, ErrNoStore) {
		t.Errorf("ResumeFromCheckpoint err = %v, want ErrNoStore", err)
	}
}

func TestNew_UnknownFamily(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Families = []string{FamilyInjection, "telepathy"}
	if _, err := New(cfg, nil, nil); !errors.Is(err, ErrUnknownFamily) {
		t.Errorf("New err = %v, want ErrUnknownFamily", err)
	}
}

func TestFamilyStepIsPure(t *testing.T) {
	chunk := []byte("a; cat /etc/passwd and ../x <script>")
	for _, name := range DefaultFamilies() {
		f, err := newFamily(name)
		if err != nil {
			t.Fatal(err)
		}
		s1, sc1, f1 := f.Step(chunk, FamilyState{}, 3)
		s2, sc2, f2 := f.Step(chunk, FamilyState{}, 3)
		if sc1 != sc2 || !reflect.DeepEqual(s1, s2) || !reflect.DeepEqual(f1, f2) {
			t.Errorf("%s: Step not deterministic", name)
		}
	}
}

func BenchmarkInspect_Clean(b *testing.B) {
	in := newInspector(b, DefaultConfig(), nil)
	content := []byte(strings.Repeat("plain text with nothing interesting in it. ", 2000))
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		in.Inspect(ctx, content)
	}
}
