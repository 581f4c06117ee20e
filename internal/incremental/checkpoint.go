package incremental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCheckpointNotFound is returned for unknown or expired checkpoints.
	ErrCheckpointNotFound = errors.New("incremental: checkpoint not found")
	// ErrNoStore is returned by checkpoint operations on an inspector built
	// without a Store.
	ErrNoStore = errors.New("incremental: no checkpoint store configured")
	// ErrUnknownFamily is returned by New for an unrecognized family name.
	ErrUnknownFamily = errors.New("incremental: unknown detector family")
)

// Checkpoint is a suspended inspection. Content holds only the bytes not yet
// processed; ProcessedChunks keeps chunk indices continuous across resumes.
type Checkpoint struct {
	ID              string    `json:"id"`
	Content         []byte    `json:"content"`
	ProcessedChunks int       `json:"processed_chunks"`
	TotalChunks     int       `json:"total_chunks"`
	State           *State    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists checkpoints under their ID with a TTL.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint, ttl time.Duration) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

func encodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	return data, nil
}

func decodeCheckpoint(id string, data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	if cp.State == nil {
		cp.State = newState()
	}
	// Empty maps are omitted on encode and come back nil.
	if cp.State.Families == nil {
		cp.State.Families = make(map[string]FamilyState)
	}
	if cp.State.Terminated == nil {
		cp.State.Terminated = make(map[string]bool)
	}
	return &cp, nil
}
