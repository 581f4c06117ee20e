// Package chread runs read queries against the inspection_events table that
// storage.ClickHouseWriter fills.
package chread

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Paging limits for ListEvents.
const (
	DefaultPageSize  = 50
	MaxPageSize      = 500
	MaxAnalyticsDays = 90
)

// Reader provides read access to inspection events.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow is one row of inspection_events.
type EventRow struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"`
	KeyID       string    `json:"key_id,omitempty"`
	Method      string    `json:"method,omitempty"`
	Path        string    `json:"path,omitempty"`
	ClientIP    string    `json:"client_ip,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	PayloadHash string    `json:"payload_hash"`
	PayloadSize uint32    `json:"payload_size"`

	Verdict        string   `json:"verdict"`
	Severity       string   `json:"severity,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	ShortCircuited uint8    `json:"short_circuited"`
	ShedLevel      uint8    `json:"shed_level"`
	Executed       uint16   `json:"executed"`
	Skipped        uint16   `json:"skipped"`
	TimedOut       []string `json:"timed_out,omitempty"`

	GuardNames      []string `json:"guard_names,omitempty"`
	GuardPassed     []bool   `json:"guard_passed,omitempty"`
	GuardSeverities []string `json:"guard_severities,omitempty"`
	GuardStatuses   []string `json:"guard_statuses,omitempty"`
	GuardMessages   []string `json:"guard_messages,omitempty"`

	Score           float64  `json:"score,omitempty"`
	ProcessedChunks uint32   `json:"processed_chunks,omitempty"`
	TotalChunks     uint32   `json:"total_chunks,omitempty"`
	FindingFamilies []string `json:"finding_families,omitempty"`
	CheckpointID    string   `json:"checkpoint_id,omitempty"`

	LatencyMs float32 `json:"latency_ms"`

	passed []uint8
}

const eventColumns = "request_id, timestamp, kind, key_id, method, path, client_ip, user_id, session_id, " +
	"payload_hash, payload_size, verdict, severity, reason, short_circuited, shed_level, executed, skipped, " +
	"timed_out, guard_names, guard_passed, guard_severities, guard_statuses, guard_messages, " +
	"score, processed_chunks, total_chunks, finding_families, checkpoint_id, latency_ms"

func (e *EventRow) dest() []any {
	return []any{
		&e.RequestID, &e.Timestamp, &e.Kind, &e.KeyID, &e.Method, &e.Path, &e.ClientIP, &e.UserID, &e.SessionID,
		&e.PayloadHash, &e.PayloadSize, &e.Verdict, &e.Severity, &e.Reason, &e.ShortCircuited, &e.ShedLevel,
		&e.Executed, &e.Skipped,
		&e.TimedOut, &e.GuardNames, &e.passed, &e.GuardSeverities, &e.GuardStatuses, &e.GuardMessages,
		&e.Score, &e.ProcessedChunks, &e.TotalChunks, &e.FindingFamilies, &e.CheckpointID, &e.LatencyMs,
	}
}

// scanned converts the UInt8 guard_passed column once a row has been read.
func (e *EventRow) scanned() {
	e.GuardPassed = make([]bool, len(e.passed))
	for i, v := range e.passed {
		e.GuardPassed[i] = v != 0
	}
	e.passed = nil
}

// ListEventsParams holds filters and pagination for event listing. Nil or
// empty filters are not applied.
type ListEventsParams struct {
	Verdict   string
	Kind      string
	KeyID     string
	UserID    string
	Guard     string // events where this guard failed
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// Normalize clamps paging to sane bounds.
func (p *ListEventsParams) Normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.PageSize <= 0:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
}

// where builds the filter clause and its named arguments.
func (p ListEventsParams) where() (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	add := func(cond, name string, value any) {
		conditions = append(conditions, cond)
		args = append(args, clickhouse.Named(name, value))
	}
	if p.Verdict != "" {
		add("verdict = @verdict", "verdict", p.Verdict)
	}
	if p.Kind != "" {
		add("kind = @kind", "kind", p.Kind)
	}
	if p.KeyID != "" {
		add("key_id = @key_id", "key_id", p.KeyID)
	}
	if p.UserID != "" {
		add("user_id = @user_id", "user_id", p.UserID)
	}
	if p.Guard != "" {
		add("arrayExists((g, ok) -> g = @guard AND ok = 0, guard_names, guard_passed)", "guard", p.Guard)
	}
	if p.StartTime != nil {
		add("timestamp >= @start_time", "start_time", *p.StartTime)
	}
	if p.EndTime != nil {
		add("timestamp <= @end_time", "end_time", *p.EndTime)
	}
	return strings.Join(conditions, " AND "), args
}

// ListEvents returns a page of events, newest first, and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	params.Normalize()
	where, args := params.where()

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM inspection_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM inspection_events WHERE %s ORDER BY timestamp DESC LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32((params.Page-1)*params.PageSize)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(e.dest()...); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		e.scanned()
		events = append(events, e)
	}
	return events, int(total), rows.Err()
}

// GetEvent returns a single event, or nil if none matches.
func (r *Reader) GetEvent(ctx context.Context, requestID string) (*EventRow, error) {
	row := r.conn.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM inspection_events WHERE request_id = @request_id LIMIT 1",
		clickhouse.Named("request_id", requestID),
	)

	var e EventRow
	if err := row.Scan(e.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	if e.RequestID == "" {
		return nil, nil
	}
	e.scanned()
	return &e, nil
}

// SummaryStats holds aggregate verdict counts.
type SummaryStats struct {
	Total          int `json:"total"`
	Blocks         int `json:"blocks"`
	Flags          int `json:"flags"`
	Allows         int `json:"allows"`
	ShortCircuited int `json:"short_circuited"`
	Shed           int `json:"shed"`
	Streams        int `json:"streams"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// NameCount pairs a label with how often it occurred.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Days               int                `json:"days"`
	Summary            SummaryStats       `json:"summary"`
	BlocksOverTime     []TimeSeriesBucket `json:"blocks_over_time"`
	TopFailingGuards   []NameCount        `json:"top_failing_guards"`
	TopTimedOutGuards  []NameCount        `json:"top_timed_out_guards"`
	TopFindingFamilies []NameCount        `json:"top_finding_families"`
	TopFlaggedUsers    []NameCount        `json:"top_flagged_users"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// ClampDays bounds an analytics window to [1, MaxAnalyticsDays].
func ClampDays(days int) int {
	return max(1, min(days, MaxAnalyticsDays))
}

// GetAnalytics aggregates events over the last days days. Latency
// percentiles cover the last 24 hours only.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	days = ClampDays(days)
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)
	since := clickhouse.Named("range_start", rangeStart)

	result := &AnalyticsResult{Days: days}

	var total, blocks, flags, allows, short, shed, streams uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), "+
			"countIf(verdict = 'block'), "+
			"countIf(verdict = 'flag'), "+
			"countIf(verdict = 'allow'), "+
			"countIf(short_circuited = 1), "+
			"countIf(shed_level > 0), "+
			"countIf(kind = 'stream') "+
			"FROM inspection_events WHERE timestamp >= @range_start",
		since,
	).Scan(&total, &blocks, &flags, &allows, &short, &shed, &streams)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		Total:          int(total),
		Blocks:         int(blocks),
		Flags:          int(flags),
		Allows:         int(allows),
		ShortCircuited: int(short),
		Shed:           int(shed),
		Streams:        int(streams),
	}

	botRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) AS hour, count() AS count "+
			"FROM inspection_events "+
			"WHERE verdict = 'block' AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics blocks_over_time: %w", err)
	}
	defer func() { _ = botRows.Close() }()
	for botRows.Next() {
		var hour time.Time
		var count uint64
		if err := botRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics blocks_over_time scan: %w", err)
		}
		result.BlocksOverTime = append(result.BlocksOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}
	if err := botRows.Err(); err != nil {
		return nil, fmt.Errorf("GetAnalytics blocks_over_time: %w", err)
	}

	if result.TopFailingGuards, err = r.topN(ctx, "top_failing_guards",
		"SELECT arrayJoin(arrayFilter((g, ok) -> ok = 0, guard_names, guard_passed)) AS name, count() AS count "+
			"FROM inspection_events WHERE timestamp >= @range_start "+
			"GROUP BY name ORDER BY count DESC LIMIT 10", since); err != nil {
		return nil, err
	}
	if result.TopTimedOutGuards, err = r.topN(ctx, "top_timed_out_guards",
		"SELECT arrayJoin(timed_out) AS name, count() AS count "+
			"FROM inspection_events WHERE timestamp >= @range_start "+
			"GROUP BY name ORDER BY count DESC LIMIT 10", since); err != nil {
		return nil, err
	}
	if result.TopFindingFamilies, err = r.topN(ctx, "top_finding_families",
		"SELECT arrayJoin(finding_families) AS name, count() AS count "+
			"FROM inspection_events WHERE kind = 'stream' AND timestamp >= @range_start "+
			"GROUP BY name ORDER BY count DESC LIMIT 10", since); err != nil {
		return nil, err
	}
	if result.TopFlaggedUsers, err = r.topN(ctx, "top_flagged_users",
		"SELECT user_id AS name, count() AS count "+
			"FROM inspection_events "+
			"WHERE verdict IN ('block', 'flag') AND user_id != '' AND timestamp >= @range_start "+
			"GROUP BY name ORDER BY count DESC LIMIT 10", since); err != nil {
		return nil, err
	}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms), quantile(0.95)(latency_ms), quantile(0.99)(latency_ms) "+
			"FROM inspection_events WHERE timestamp >= @day_start",
		clickhouse.Named("day_start", dayStart),
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	return result, nil
}

// topN runs a (name, count) query.
func (r *Reader) topN(ctx context.Context, label, query string, args ...any) ([]NameCount, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics %s: %w", label, err)
	}
	defer func() { _ = rows.Close() }()

	var out []NameCount
	for rows.Next() {
		var name string
		var count uint64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics %s scan: %w", label, err)
		}
		out = append(out, NameCount{Name: name, Count: int(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetAnalytics %s: %w", label, err)
	}
	return out, nil
}

// safeFloat maps the NaN ClickHouse returns for quantiles over no rows to 0.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
