package incremental

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func sampleCheckpoint(id string) *Checkpoint {
	st := newState()
	st.Families[FamilyPathTraversal] = FamilyState{Score: 0.5, Hits: 1, MaxWeight: 0.4, Tail: []byte("../x")}
	st.Findings = []Finding{{Family: FamilyPathTraversal, Chunk: 0, Offset: 4, Detail: "directory traversal", Score: 0.4}}
	return &Checkpoint{
		ID:              id,
		Content:         []byte("remaining bytes"),
		ProcessedChunks: 3,
		TotalChunks:     7,
		State:           st,
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:       time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	}
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Fatalf("Load(missing) err = %v, want ErrCheckpointNotFound", err)
	}

	cp := sampleCheckpoint("cp-1")
	if err := s.Save(ctx, cp, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "cp-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got.Content) != "remaining bytes" || got.ProcessedChunks != 3 || got.TotalChunks != 7 {
		t.Errorf("Load = %+v", got)
	}
	fs := got.State.Families[FamilyPathTraversal]
	if fs.Hits != 1 || string(fs.Tail) != "../x" || len(got.State.Findings) != 1 {
		t.Errorf("state not preserved: %+v", got.State)
	}
	if !got.CreatedAt.Equal(cp.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, cp.CreatedAt)
	}

	// Stored values are independent of the caller's copy.
	cp.Content[0] = 'X'
	again, err := s.Load(ctx, "cp-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.Content[0] != 'r' {
		t.Error("store shares memory with the saved checkpoint")
	}

	if err := s.Delete(ctx, "cp-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "cp-1"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("Load after Delete err = %v, want ErrCheckpointNotFound", err)
	}
	if err := s.Delete(ctx, "cp-1"); err != nil {
		t.Errorf("Delete of missing checkpoint: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Save(ctx, sampleCheckpoint("short"), time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, sampleCheckpoint("long"), time.Hour); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Second)
	if _, err := s.Load(ctx, "short"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("expired Load err = %v, want ErrCheckpointNotFound", err)
	}
	if _, err := s.Load(ctx, "long"); err != nil {
		t.Errorf("live Load: %v", err)
	}

	if err := s.Save(ctx, sampleCheckpoint("short2"), time.Second); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, err := s.Load(ctx, "long"); err != nil {
		t.Errorf("Sweep removed a live checkpoint: %v", err)
	}
}

func openPebble(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleStore(filepath.Join(t.TempDir(), "checkpoints"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebbleStore(t *testing.T) {
	exerciseStore(t, openPebble(t))
}

func TestPebbleStore_Expiry(t *testing.T) {
	s := openPebble(t)
	now := time.Unix(5000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(ctx, sampleCheckpoint(id), time.Second); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Save(ctx, sampleCheckpoint("keep"), time.Hour); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Minute)
	if _, err := s.Load(ctx, "a"); !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("expired Load err = %v, want ErrCheckpointNotFound", err)
	}

	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	if _, err := s.Load(ctx, "keep"); err != nil {
		t.Errorf("live checkpoint lost: %v", err)
	}
}

func TestPebbleStore_ResumeAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.ChunkSize = 128
	cfg.MaxChunks = 2
	content := mixedContent()

	s1, err := OpenPebbleStore(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	res, err := newInspector(t, cfg, s1).Inspect(ctx, content)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if res.CheckpointID == "" {
		t.Fatal("expected a checkpoint")
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenPebbleStore(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	final, err := newInspector(t, cfg, s2).ResumeFromCheckpoint(ctx, res.CheckpointID, 0)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint: %v", err)
	}
	if !final.Complete || final.ProcessedChunks != final.TotalChunks {
		t.Errorf("resume after reopen: %+v", final)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RAMPART_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RAMPART_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	prefix := "rampart:test:" + t.Name() + ":"
	exerciseStore(t, NewRedisStore(client, prefix))
}

// attackAfterPad puts an SQL injection in chunk 4 (of 128-byte chunks) so
// the inspection must cross a checkpoint before it terminates.
func attackAfterPad() []byte {
	pad := strings.Repeat("the quick brown fox ", 40)[:512]
	return []byte(pad + "id=1' UNION SELECT password FROM users-- " + pad)
}

func TestResume_TerminatesAfterDecode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 128
	content := attackAfterPad()

	unbounded := cfg
	unbounded.MaxChunks = 1 << 20
	want, err := newInspector(t, unbounded, nil).Inspect(context.Background(), content)
	if err != nil {
		t.Fatalf("single pass: %v", err)
	}
	if !want.EarlyTerminated || !want.HasThreat || want.ProcessedChunks <= 2 || want.ProcessedChunks >= want.TotalChunks {
		t.Fatalf("fixture should terminate after the first checkpoint: %+v", want)
	}

	stores := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{"memory", func(*testing.T) Store { return NewMemoryStore() }},
		{"pebble", func(t *testing.T) Store { return openPebble(t) }},
	}
	starts := []struct {
		name  string
		start func(ctx context.Context, in *Inspector) (string, error)
	}{
		{"create", func(ctx context.Context, in *Inspector) (string, error) {
			return in.CreateCheckpoint(ctx, content)
		}},
		{"partial inspect", func(ctx context.Context, in *Inspector) (string, error) {
			res, err := in.Inspect(ctx, content)
			if err != nil {
				return "", err
			}
			return res.CheckpointID, nil
		}},
	}

	for _, st := range stores {
		for _, sp := range starts {
			t.Run(st.name+"/"+sp.name, func(t *testing.T) {
				bounded := cfg
				bounded.MaxChunks = 2
				store := st.open(t)
				in := newInspector(t, bounded, store)
				ctx := context.Background()

				id, err := sp.start(ctx, in)
				if err != nil || id == "" {
					t.Fatalf("start: id=%q err=%v", id, err)
				}
				res, err := in.ResumeFromCheckpoint(ctx, id, 0)
				if err != nil {
					t.Fatalf("ResumeFromCheckpoint: %v", err)
				}
				if !reflect.DeepEqual(res, want) {
					t.Errorf("resumed result differs\n got %+v\nwant %+v", res, want)
				}
				if _, err := store.Load(ctx, id); !errors.Is(err, ErrCheckpointNotFound) {
					t.Errorf("terminated checkpoint should be deleted, Load err = %v", err)
				}
			})
		}
	}
}

func TestDecodeCheckpoint_EmptyMaps(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no state", `{"id":"a"}`},
		{"empty state", `{"id":"a","state":{}}`},
		{"families only", `{"id":"a","state":{"families":{}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, err := decodeCheckpoint("a", []byte(tt.data))
			if err != nil {
				t.Fatalf("decodeCheckpoint: %v", err)
			}
			if cp.State.Families == nil || cp.State.Terminated == nil {
				t.Errorf("state maps must be usable after decode: %+v", cp.State)
			}
		})
	}
}
