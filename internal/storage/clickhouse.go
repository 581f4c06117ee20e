package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const insertTimeout = 5 * time.Second

// EventsTableDDL creates the inspection_events table.
const EventsTableDDL = `
CREATE TABLE IF NOT EXISTS inspection_events (
	request_id        String,
	timestamp         DateTime64(3, 'UTC'),
	kind              LowCardinality(String),
	key_id            String,
	method            LowCardinality(String),
	path              String,
	client_ip         String,
	user_id           String,
	session_id        String,
	payload_hash      FixedString(64),
	payload_size      UInt32,
	verdict           LowCardinality(String),
	severity          LowCardinality(String),
	reason            String,
	short_circuited   UInt8,
	shed_level        UInt8,
	executed          UInt16,
	skipped           UInt16,
	timed_out         Array(String),
	guard_names       Array(LowCardinality(String)),
	guard_passed      Array(UInt8),
	guard_severities  Array(LowCardinality(String)),
	guard_statuses    Array(LowCardinality(String)),
	guard_messages    Array(String),
	score             Float64,
	processed_chunks  UInt32,
	total_chunks      UInt32,
	finding_families  Array(LowCardinality(String)),
	checkpoint_id     String,
	latency_ms        Float32
) ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (timestamp, request_id)
`

// ClickHouseWriter inserts inspection events into ClickHouse in batches.
// Write is non-blocking.
type ClickHouseWriter struct {
	*batcher
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseWriter connects, ensures the events table exists and starts
// the background flush loop.
func NewClickHouseWriter(dsn string, cfg BatchConfig, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	// ParseDSN only sets TLS for ?secure=true; managed ClickHouse needs it
	// regardless.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, EventsTableDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create inspection_events: %w", err)
	}

	w := &ClickHouseWriter{conn: conn, logger: logger}
	w.batcher = newBatcher(cfg, w.insert, logger)
	return w, nil
}

// Close flushes buffered events and closes the connection.
func (w *ClickHouseWriter) Close() {
	w.batcher.Close()
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) insert(events []*InspectionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `INSERT INTO inspection_events`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.RequestID,
			e.Timestamp,
			e.Kind,
			e.KeyID,
			e.Method,
			e.Path,
			e.ClientIP,
			e.UserID,
			e.SessionID,
			e.PayloadHash,
			e.PayloadSize,
			e.Verdict,
			e.Severity,
			e.Reason,
			boolToUint8(e.ShortCircuited),
			e.ShedLevel,
			e.Executed,
			e.Skipped,
			nonNil(e.TimedOut),
			nonNil(e.GuardNames),
			boolsToUint8(e.GuardPassed),
			nonNil(e.GuardSeverities),
			nonNil(e.GuardStatuses),
			nonNil(e.GuardMessages),
			e.Score,
			e.ProcessedChunks,
			e.TotalChunks,
			nonNil(e.FindingFamilies),
			e.CheckpointID,
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func boolsToUint8(bs []bool) []uint8 {
	out := make([]uint8, len(bs))
	for i, b := range bs {
		out[i] = boolToUint8(b)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// LogWriter is the fallback EventWriter when ClickHouse is not configured.
// It logs each event through zap.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(e *InspectionEvent) {
	w.logger.Info("inspection_event",
		zap.String("request_id", e.RequestID),
		zap.String("kind", e.Kind),
		zap.String("key_id", e.KeyID),
		zap.String("method", e.Method),
		zap.String("path", e.Path),
		zap.String("verdict", e.Verdict),
		zap.String("severity", e.Severity),
		zap.String("reason", e.Reason),
		zap.Strings("guards", e.GuardNames),
		zap.Strings("timed_out", e.TimedOut),
		zap.Float64("score", e.Score),
		zap.Float32("latency_ms", e.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
