package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vzahanych/barnwatch/internal/notify"
	"github.com/vzahanych/barnwatch/internal/occurrence"
)

// Sink appends audit records. Nothing is ever updated or deleted.
type Sink interface {
	RecordOccurrence(ctx context.Context, occ occurrence.Occurrence) error
	RecordClosure(ctx context.Context, occ occurrence.Occurrence) error
	RecordOutcome(ctx context.Context, o notify.Outcome) error
}

// SQLSink stores audit records in the audit database
type SQLSink struct {
	db  *Database
	now func() time.Time
}

// NewSQLSink creates a sink over an open database
func NewSQLSink(db *Database) *SQLSink {
	return &SQLSink{db: db, now: time.Now}
}

func (s *SQLSink) RecordOccurrence(ctx context.Context, occ occurrence.Occurrence) error {
	db, err := s.db.conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to record occurrence %s: %w", occ.ID, err)
	}
	_, err = db.ExecContext(ctx, s.db.rebind(`
		INSERT INTO occurrences (id, site_id, class, first_seen, peak_confidence, frame_seq, image_ref, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		occ.ID, occ.SiteID, occ.Class, occ.FirstSeen.UTC(), occ.PeakConfidence,
		int64(occ.FrameSeq), nullString(occ.ImageRef), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record occurrence %s: %w", occ.ID, err)
	}
	return nil
}

func (s *SQLSink) RecordClosure(ctx context.Context, occ occurrence.Occurrence) error {
	closedAt := occ.ClosedAt
	if closedAt.IsZero() {
		closedAt = s.now()
	}
	db, err := s.db.conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to record closure of %s: %w", occ.ID, err)
	}
	_, err = db.ExecContext(ctx, s.db.rebind(`
		INSERT INTO occurrence_closures (occurrence_id, last_seen, peak_confidence, closed_at)
		VALUES (?, ?, ?, ?)`),
		occ.ID, occ.LastSeen.UTC(), occ.PeakConfidence, closedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record closure of %s: %w", occ.ID, err)
	}
	return nil
}

func (s *SQLSink) RecordOutcome(ctx context.Context, o notify.Outcome) error {
	db, err := s.db.conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to record outcome of job %s: %w", o.JobID, err)
	}
	_, err = db.ExecContext(ctx, s.db.rebind(`
		INSERT INTO job_outcomes (job_id, occurrence_id, channel, state, attempts, last_error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		o.JobID, o.OccurrenceID, o.Channel, string(o.State), o.Attempts, nullString(o.LastError), o.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome of job %s: %w", o.JobID, err)
	}
	return nil
}

// Query filters the occurrence history. Zero values do not filter.
type Query struct {
	SiteID string
	From   time.Time
	To     time.Time
	Limit  int
}

// Record is one occurrence as stored, with its closure when present
type Record struct {
	occurrence.Occurrence
	Closed     bool             `json:"closed"`
	RecordedAt time.Time        `json:"recorded_at"`
	Outcomes   []notify.Outcome `json:"outcomes,omitempty"`
}

const selectOccurrences = `
	SELECT o.id, o.site_id, o.class, o.first_seen, o.peak_confidence, o.frame_seq,
		o.image_ref, o.recorded_at, c.last_seen, c.peak_confidence, c.closed_at
	FROM occurrences o
	LEFT JOIN occurrence_closures c ON c.occurrence_id = o.id
	WHERE 1=1`

// ListOccurrences returns the newest occurrences first
func (s *SQLSink) ListOccurrences(ctx context.Context, q Query) ([]Record, error) {
	query := selectOccurrences
	var args []interface{}

	if q.SiteID != "" {
		query += " AND o.site_id = ?"
		args = append(args, q.SiteID)
	}
	if !q.From.IsZero() {
		query += " AND o.first_seen >= ?"
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += " AND o.first_seen < ?"
		args = append(args, q.To.UTC())
	}

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	query += " ORDER BY o.first_seen DESC, o.id LIMIT ?"
	args = append(args, limit)

	return s.queryRecords(ctx, query, args...)
}

// GetOccurrence returns one occurrence with its outcomes
func (s *SQLSink) GetOccurrence(ctx context.Context, id string) (*Record, error) {
	records, err := s.queryRecords(ctx, selectOccurrences+" AND o.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	r := records[0]
	if r.Outcomes, err = s.ListOutcomes(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLSink) queryRecords(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	db, err := s.db.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r         Record
			frameSeq  int64
			imageRef  sql.NullString
			lastSeen  sql.NullTime
			finalPeak sql.NullFloat64
			closedAt  sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Class, &r.FirstSeen, &r.PeakConfidence, &frameSeq,
			&imageRef, &r.RecordedAt, &lastSeen, &finalPeak, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		r.FrameSeq = uint64(frameSeq)
		r.ImageRef = imageRef.String
		r.LastSeen = r.FirstSeen
		if closedAt.Valid {
			r.Closed = true
			r.ClosedAt = closedAt.Time
			r.LastSeen = lastSeen.Time
			r.PeakConfidence = finalPeak.Float64
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read occurrences: %w", err)
	}
	return records, nil
}

// ListOutcomes returns the job outcomes recorded for one occurrence
func (s *SQLSink) ListOutcomes(ctx context.Context, occurrenceID string) ([]notify.Outcome, error) {
	db, err := s.db.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, s.db.rebind(`
		SELECT job_id, occurrence_id, channel, state, attempts, last_error, finished_at
		FROM job_outcomes WHERE occurrence_id = ? ORDER BY finished_at, job_id`), occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []notify.Outcome
	for rows.Next() {
		var (
			o       notify.Outcome
			state   string
			lastErr sql.NullString
		)
		if err := rows.Scan(&o.JobID, &o.OccurrenceID, &o.Channel, &state, &o.Attempts, &lastErr, &o.At); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.State = notify.JobState(state)
		o.LastError = lastErr.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// Count returns the number of recorded occurrences and outcomes
func (s *SQLSink) Count(ctx context.Context) (occurrences, outcomes int, err error) {
	db, err := s.db.conn(ctx)
	if err != nil {
		return 0, 0, err
	}
	if err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM occurrences`).Scan(&occurrences); err != nil {
		return 0, 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	if err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_outcomes`).Scan(&outcomes); err != nil {
		return 0, 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return occurrences, outcomes, nil
}

// ErrNotFound is returned for unknown occurrence ids
var ErrNotFound = errors.New("occurrence not found")

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
