package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"recording-upload-queue/internal/models"
)

// ErrNotFound is returned when no upload row exists for a recording.
var ErrNotFound = errors.New("recording upload not found")

// Store wraps pgxpool for Postgres persistence of uploaded recordings and
// their audit trail. It implements queue.Notifier.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UploadRecord links a local recording to the dream created from it.
type UploadRecord struct {
	RecordingID      string    `json:"recordingId"`
	SessionID        string    `json:"sessionId"`
	DreamID          *string   `json:"dreamId,omitempty"`
	FileSizeBytes    int64     `json:"fileSizeBytes"`
	DurationSeconds  float64   `json:"durationSeconds"`
	UploadDurationMs int64     `json:"uploadDurationMs"`
	RecordedAt       time.Time `json:"recordedAt"`
	UploadedAt       time.Time `json:"uploadedAt"`
}

// AuditEntry is one lifecycle event of a recording.
type AuditEntry struct {
	ID          int64     `json:"id"`
	RecordingID string    `json:"recordingId"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail"`
	Timestamp   time.Time `json:"ts"`
}

// RecordingUploaded upserts the dream link for a completed recording. A
// re-upload of the same recording overwrites the earlier row.
func (s *Store) RecordingUploaded(ctx context.Context, rec models.QueuedRecording) error {
	var durationMs int64
	if rec.UploadDurationMs != nil {
		durationMs = *rec.UploadDurationMs
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recording_uploads (recording_id, session_id, dream_id, file_size_bytes, duration_seconds, upload_duration_ms, recorded_at, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (recording_id) DO UPDATE
		SET dream_id = EXCLUDED.dream_id,
		    upload_duration_ms = EXCLUDED.upload_duration_ms,
		    uploaded_at = EXCLUDED.uploaded_at
	`, rec.ID, rec.SessionID, emptyToNil(rec.DreamID), rec.FileSizeBytes, rec.DurationSeconds, durationMs, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("upsert recording upload: %w", err)
	}
	return nil
}

// GetUpload fetches the dream link for a recording.
func (s *Store) GetUpload(ctx context.Context, recordingID string) (UploadRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT recording_id, session_id, dream_id, file_size_bytes, duration_seconds, upload_duration_ms, recorded_at, uploaded_at
		FROM recording_uploads WHERE recording_id = $1
	`, recordingID)

	var rec UploadRecord
	var dreamID pgtype.Text
	if err := row.Scan(&rec.RecordingID, &rec.SessionID, &dreamID, &rec.FileSizeBytes, &rec.DurationSeconds, &rec.UploadDurationMs, &rec.RecordedAt, &rec.UploadedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UploadRecord{}, ErrNotFound
		}
		return UploadRecord{}, fmt.Errorf("scan recording upload: %w", err)
	}
	rec.DreamID = textPtr(dreamID)
	return rec, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, recordingID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recording_audit (recording_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, recordingID, event, detail)
	return err
}

// ListAudit returns the audit trail of a recording, oldest first.
func (s *Store) ListAudit(ctx context.Context, recordingID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, recording_id, event, detail, ts
		FROM recording_audit WHERE recording_id = $1
		ORDER BY ts ASC, id ASC
		LIMIT $2
	`, recordingID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditEntry, error) {
		var e AuditEntry
		err := row.Scan(&e.ID, &e.RecordingID, &e.Event, &e.Detail, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit: %w", err)
	}
	return entries, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
