package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"recording-upload-queue/internal/models"
)

// document is the durable form of the queue. Transient fields such as the
// processing flag and in-flight progress are never written.
type document struct {
	Recordings       []models.QueuedRecording    `json:"recordings"`
	MaxRetries       int                         `json:"maxRetries"`
	BatchSize        int                         `json:"batchSize"`
	WifiOnlyMode     bool                        `json:"wifiOnlyMode"`
	AutoRetryEnabled bool                        `json:"autoRetryEnabled"`
	UploadHistory    []models.UploadHistoryEntry `json:"uploadHistory"`
}

// Load restores the persisted queue. A missing document leaves the
// configured defaults in place. Recordings interrupted mid-upload go back to
// pending and restart from the first byte. Backoffs that came due while the
// process was down are pending again; later ones are re-armed.
func (e *Engine) Load(ctx context.Context) error {
	raw, err := e.store.Load(ctx, e.stateKey)
	if err != nil {
		return fmt.Errorf("load queue state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if raw == nil {
		e.recomputeLocked()
		return nil
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode queue state: %w", err)
	}

	settings := models.QueueSettings{
		MaxRetries:       doc.MaxRetries,
		BatchSize:        doc.BatchSize,
		WifiOnlyMode:     doc.WifiOnlyMode,
		AutoRetryEnabled: doc.AutoRetryEnabled,
	}
	if err := settings.Validate(); err != nil {
		e.logger.Warn(ctx, "persisted settings invalid, keeping defaults", "error", err)
		settings = e.settings
	}
	e.settings = settings

	now := e.clock.Now()
	recordings := make([]models.QueuedRecording, 0, len(doc.Recordings))
	reverted, resumed, armed := 0, 0, 0
	for _, rec := range doc.Recordings {
		if rec.ID == "" || !rec.Status.Valid() {
			e.logger.Warn(ctx, "dropping malformed persisted recording", "recording_id", rec.ID, "status", string(rec.Status))
			continue
		}
		if rec.Status == models.StatusUploading {
			rec.Status = models.StatusPending
			reverted++
		}
		// Backoffs outlive the process: overdue ones are pending again,
		// the rest get their timer back.
		if rec.NextRetryAt != nil {
			switch {
			case rec.Status != models.StatusFailed || rec.RetryCount >= rec.MaxRetries:
				rec.NextRetryAt = nil
			case !rec.NextRetryAt.After(now):
				rec.Status = models.StatusPending
				rec.Error = ""
				rec.NextRetryAt = nil
				resumed++
			default:
				e.scheduleRetryLocked(rec.ID, rec.NextRetryAt.Sub(now))
				armed++
			}
		}
		recordings = append(recordings, rec)
	}
	e.recordings = recordings

	history := doc.UploadHistory
	if len(history) > e.historyLimit {
		history = history[len(history)-e.historyLimit:]
	}
	e.history = history

	e.processing = false
	e.current = nil
	e.recomputeLocked()
	e.logger.Info(ctx, "queue state restored", "recordings", len(recordings), "reverted_uploads", reverted,
		"resumed_retries", resumed, "scheduled_retries", armed, "history", len(history))

	if reverted > 0 || resumed > 0 {
		return e.persistLocked(ctx)
	}
	return nil
}

// persistLocked writes the full document. Callers hold e.mu so snapshots
// reach the store in mutation order.
func (e *Engine) persistLocked(ctx context.Context) error {
	doc := document{
		Recordings:       e.recordings,
		MaxRetries:       e.settings.MaxRetries,
		BatchSize:        e.settings.BatchSize,
		WifiOnlyMode:     e.settings.WifiOnlyMode,
		AutoRetryEnabled: e.settings.AutoRetryEnabled,
		UploadHistory:    e.history,
	}
	if doc.Recordings == nil {
		doc.Recordings = []models.QueuedRecording{}
	}
	if doc.UploadHistory == nil {
		doc.UploadHistory = []models.UploadHistoryEntry{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}
	if err := e.store.Save(ctx, e.stateKey, raw); err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}
	return nil
}

// persistOrLog is for transitions made during processing, where a failed
// write must not abort the pass.
func (e *Engine) persistOrLog(ctx context.Context) {
	if err := e.persistLocked(ctx); err != nil {
		e.logger.Error(ctx, "persist queue state failed", "error", err)
	}
}
