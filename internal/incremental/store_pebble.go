package incremental

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

var prefixCheckpoint = []byte("ckpt:")

// expiryHeaderLen is the width of the big-endian unix-nano expiry that
// precedes the encoded checkpoint in every value.
const expiryHeaderLen = 8

// PebbleStore persists checkpoints in an embedded Pebble database so a
// restarted process can resume inspections it had suspended.
type PebbleStore struct {
	db     *pebble.DB
	now    func() time.Time
	logger *zap.Logger
}

// OpenPebbleStore opens (or creates) the database at path.
func OpenPebbleStore(path string, logger *zap.Logger) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %q: %w", path, err)
	}
	return &PebbleStore{db: db, now: time.Now, logger: logger}, nil
}

func (s *PebbleStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func checkpointKey(id string) []byte {
	return append(append([]byte(nil), prefixCheckpoint...), id...)
}

func (s *PebbleStore) Save(_ context.Context, cp *Checkpoint, ttl time.Duration) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	val := make([]byte, expiryHeaderLen, expiryHeaderLen+len(data))
	binary.BigEndian.PutUint64(val, uint64(s.now().Add(ttl).UnixNano()))
	val = append(val, data...)

	if err := s.db.Set(checkpointKey(cp.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *PebbleStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	key := checkpointKey(id)
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	defer closer.Close()

	if len(data) < expiryHeaderLen {
		return nil, fmt.Errorf("load checkpoint %s: truncated value", id)
	}
	if s.expired(data) {
		if err := s.db.Delete(key, pebble.NoSync); err != nil {
			s.logger.Debug("expired checkpoint delete failed", zap.String("id", id), zap.Error(err))
		}
		return nil, ErrCheckpointNotFound
	}
	// data is only valid until closer.Close; decode copies what it keeps.
	return decodeCheckpoint(id, data[expiryHeaderLen:])
}

func (s *PebbleStore) Delete(_ context.Context, id string) error {
	if err := s.db.Delete(checkpointKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// Sweep deletes every expired checkpoint in one batch.
func (s *PebbleStore) Sweep() (int, error) {
	upper := append(append([]byte(nil), prefixCheckpoint[:len(prefixCheckpoint)-1]...), prefixCheckpoint[len(prefixCheckpoint)-1]+1)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefixCheckpoint, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefixCheckpoint) {
			break
		}
		if v := iter.Value(); len(v) >= expiryHeaderLen && !s.expired(v) {
			continue
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("sweep checkpoints: %w", err)
		}
		removed++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}
	return removed, nil
}

func (s *PebbleStore) expired(val []byte) bool {
	exp := int64(binary.BigEndian.Uint64(val[:expiryHeaderLen]))
	return s.now().UnixNano() >= exp
}
