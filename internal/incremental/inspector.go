// Package incremental inspects large or streamed payloads chunk by chunk,
// scoring each detector family as it goes. An inspection stops as soon as
// a verdict is certain and can be suspended into a checkpoint and resumed
// later, bounding the work done per call.
package incremental

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/rampart/internal/metrics"
	"go.uber.org/zap"
)

// terminationMean labels terminations triggered by the mean of all family
// scores rather than by one family.
const terminationMean = "mean"

// Config controls chunking and termination.
type Config struct {
	ChunkSize                 int
	MaxChunks                 int // per Inspect call; remaining chunks go to a checkpoint
	EarlyTerminationThreshold float64
	MeanTerminationThreshold  float64
	ThreatThreshold           float64 // final score at or above this is a threat
	CheckpointTTL             time.Duration
	Families                  []string
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:                 4096,
		MaxChunks:                 256,
		EarlyTerminationThreshold: 0.8,
		MeanTerminationThreshold:  0.9,
		ThreatThreshold:           0.5,
		CheckpointTTL:             10 * time.Minute,
		Families:                  DefaultFamilies(),
	}
}

// State is the carried inspection state across chunks and checkpoints.
type State struct {
	Families   map[string]FamilyState `json:"families"`
	Findings   []Finding              `json:"findings,omitempty"`
	Terminated map[string]bool        `json:"terminated,omitempty"`
	Stopped    bool                   `json:"stopped,omitempty"`
}

func newState() *State {
	return &State{
		Families:   make(map[string]FamilyState),
		Terminated: make(map[string]bool),
	}
}

// Result is the outcome of one Inspect or ResumeFromCheckpoint call.
type Result struct {
	Score           float64            `json:"score"`
	HasThreat       bool               `json:"has_threat"`
	Findings        []Finding          `json:"findings"`
	ProcessedChunks int                `json:"processed_chunks"`
	TotalChunks     int                `json:"total_chunks"`
	Complete        bool               `json:"complete"`
	EarlyTerminated bool               `json:"early_terminated"`
	CheckpointID    string             `json:"checkpoint_id,omitempty"`
	FamilyScores    map[string]float64 `json:"family_scores"`
	Terminated      []string           `json:"terminated,omitempty"`
}

// Inspector runs the incremental inspection. It is safe for concurrent use;
// all per-inspection state lives in State values.
type Inspector struct {
	cfg      Config
	families []Family
	store    Store
	logger   *zap.Logger
	now      func() time.Time
}

// New builds an inspector. store may be nil, in which case unfinished
// inspections are reported without a checkpoint.
func New(cfg Config, store Store, logger *zap.Logger) (*Inspector, error) {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if cfg.EarlyTerminationThreshold <= 0 {
		cfg.EarlyTerminationThreshold = def.EarlyTerminationThreshold
	}
	if cfg.MeanTerminationThreshold <= 0 {
		cfg.MeanTerminationThreshold = def.MeanTerminationThreshold
	}
	if cfg.ThreatThreshold <= 0 {
		cfg.ThreatThreshold = def.ThreatThreshold
	}
	if cfg.CheckpointTTL <= 0 {
		cfg.CheckpointTTL = def.CheckpointTTL
	}
	if len(cfg.Families) == 0 {
		cfg.Families = def.Families
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	families := make([]Family, 0, len(cfg.Families))
	seen := make(map[string]bool, len(cfg.Families))
	for _, name := range cfg.Families {
		if seen[name] {
			continue
		}
		seen[name] = true
		f, err := newFamily(name)
		if err != nil {
			return nil, err
		}
		families = append(families, f)
	}

	return &Inspector{cfg: cfg, families: families, store: store, logger: logger, now: time.Now}, nil
}

func (in *Inspector) Config() Config { return in.cfg }

// Inspect processes up to MaxChunks of content. If the content is not
// finished and a store is configured, the remainder is saved and the result
// carries its checkpoint ID.
func (in *Inspector) Inspect(ctx context.Context, content []byte) (*Result, error) {
	total := in.chunkCount(len(content))
	st := newState()
	processed := in.run(ctx, content, 0, st, in.cfg.MaxChunks)
	res := in.result(st, processed, total)

	if res.Complete || in.store == nil {
		return res, nil
	}

	now := in.now()
	cp := &Checkpoint{
		ID:              uuid.NewString(),
		Content:         content[in.offset(processed):],
		ProcessedChunks: processed,
		TotalChunks:     total,
		State:           st,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := in.store.Save(context.WithoutCancel(ctx), cp, in.cfg.CheckpointTTL); err != nil {
		return res, fmt.Errorf("Inspect: %w", err)
	}
	res.CheckpointID = cp.ID
	return res, nil
}

// CreateCheckpoint stores content for later inspection without scanning any
// of it and returns the checkpoint ID.
func (in *Inspector) CreateCheckpoint(ctx context.Context, content []byte) (string, error) {
	if in.store == nil {
		return "", ErrNoStore
	}
	now := in.now()
	cp := &Checkpoint{
		ID:          uuid.NewString(),
		Content:     content,
		TotalChunks: in.chunkCount(len(content)),
		State:       newState(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := in.store.Save(ctx, cp, in.cfg.CheckpointTTL); err != nil {
		return "", fmt.Errorf("CreateCheckpoint: %w", err)
	}
	return cp.ID, nil
}

// ResumeFromCheckpoint continues a suspended inspection for at most
// maxChunks chunks (<= 0 means until the end). A finished inspection deletes
// its checkpoint; an unfinished one is saved back with a refreshed TTL.
func (in *Inspector) ResumeFromCheckpoint(ctx context.Context, id string, maxChunks int) (*Result, error) {
	if in.store == nil {
		return nil, ErrNoStore
	}
	cp, err := in.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ResumeFromCheckpoint: %w", err)
	}

	if maxChunks <= 0 {
		maxChunks = math.MaxInt
	}
	n := in.run(ctx, cp.Content, cp.ProcessedChunks, cp.State, maxChunks)
	processed := cp.ProcessedChunks + n
	res := in.result(cp.State, processed, cp.TotalChunks)

	if res.Complete {
		if err := in.store.Delete(context.WithoutCancel(ctx), id); err != nil {
			in.logger.Warn("checkpoint delete failed", zap.String("checkpoint", id), zap.Error(err))
		}
		return res, nil
	}

	cp.Content = cp.Content[in.offset(n):]
	cp.ProcessedChunks = processed
	cp.UpdatedAt = in.now()
	if err := in.store.Save(context.WithoutCancel(ctx), cp, in.cfg.CheckpointTTL); err != nil {
		return res, fmt.Errorf("ResumeFromCheckpoint: %w", err)
	}
	res.CheckpointID = id
	return res, nil
}

// run scans at most limit chunks of content, numbering them from base, and
// returns how many it processed. It stops early on termination or when ctx
// is done.
func (in *Inspector) run(ctx context.Context, content []byte, base int, st *State, limit int) int {
	if st.Stopped {
		return 0
	}

	n := 0
	for off := 0; off < len(content) && n < limit; off += in.cfg.ChunkSize {
		if ctx.Err() != nil {
			break
		}
		end := min(off+in.cfg.ChunkSize, len(content))
		in.step(content[off:end], base+n, st)
		n++
		if st.Stopped {
			break
		}
	}
	return n
}

func (in *Inspector) step(chunk []byte, index int, st *State) {
	var sum float64
	var trigger string
	for _, f := range in.families {
		name := f.Name()
		next, score, findings := f.Step(chunk, st.Families[name], index)
		st.Families[name] = next
		st.Findings = append(st.Findings, findings...)
		sum += score
		metrics.IncrementalChunks.WithLabelValues(name).Inc()

		if score >= in.cfg.EarlyTerminationThreshold && !st.Terminated[name] {
			st.Terminated[name] = true
			if trigger == "" {
				trigger = name
			}
		}
	}

	if trigger == "" && len(in.families) > 0 && sum/float64(len(in.families)) >= in.cfg.MeanTerminationThreshold {
		trigger = terminationMean
	}
	if trigger != "" {
		st.Stopped = true
		metrics.IncrementalTerminations.WithLabelValues(trigger).Inc()
		in.logger.Debug("incremental inspection terminated",
			zap.String("trigger", trigger),
			zap.Int("chunk", index),
		)
	}
}

func (in *Inspector) result(st *State, processed, total int) *Result {
	res := &Result{
		Findings:        append([]Finding(nil), st.Findings...),
		ProcessedChunks: processed,
		TotalChunks:     total,
		EarlyTerminated: st.Stopped,
		Complete:        st.Stopped || processed >= total,
		FamilyScores:    make(map[string]float64, len(in.families)),
	}
	for _, f := range in.families {
		s := st.Families[f.Name()].Score
		res.FamilyScores[f.Name()] = s
		res.Score = math.Max(res.Score, s)
	}
	for name, ok := range st.Terminated {
		if ok {
			res.Terminated = append(res.Terminated, name)
		}
	}
	sort.Strings(res.Terminated)
	res.HasThreat = len(res.Terminated) > 0 || res.Score >= in.cfg.ThreatThreshold
	return res
}

func (in *Inspector) chunkCount(size int) int {
	return (size + in.cfg.ChunkSize - 1) / in.cfg.ChunkSize
}

func (in *Inspector) offset(chunks int) int {
	return chunks * in.cfg.ChunkSize
}
