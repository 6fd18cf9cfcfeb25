package queue

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"recording-upload-queue/internal/models"
	"recording-upload-queue/internal/telemetry"
	"recording-upload-queue/internal/upload"
)

// retryTimer is the cancellable handle of a scheduled backoff.
type retryTimer struct {
	timer clockwork.Timer
}

// ProcessQueue uploads every pending recording, highest priority first and
// in enqueue order within a priority, one at a time. It returns immediately
// when a pass is already running, the queue is paused, or wifi-only mode
// forbids the current cellular link.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	e.mu.Lock()
	if skip := e.passBlockedLocked(); skip != "" {
		e.mu.Unlock()
		e.logger.Debug(ctx, "queue pass skipped", "reason", skip)
		return nil
	}
	batch := make([]models.QueuedRecording, 0, len(e.recordings))
	for _, r := range e.recordings {
		if r.Status == models.StatusPending {
			batch = append(batch, r)
		}
	}
	slices.SortStableFunc(batch, func(a, b models.QueuedRecording) int {
		return b.Priority.Rank() - a.Priority.Rank()
	})
	e.processing = true
	e.mu.Unlock()
	defer e.finishPass(ctx)

	if len(batch) > 0 {
		e.logger.Info(ctx, "queue pass started", "pending", len(batch))
	}
	for _, next := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := e.GetRecording(next.ID)
		if !ok || rec.Status != models.StatusPending {
			continue
		}
		cond := e.condition()
		if e.Settings().WifiOnlyMode && cond.Type == models.NetworkCellular {
			e.logger.Info(ctx, "queue pass stopped", "reason", "wifi only mode on cellular")
			break
		}
		if e.strategist.Parameters(cond, rec.FileSizeBytes).ShouldPause {
			e.logger.Info(ctx, "queue pass stopped", "reason", "network unavailable", "network", string(cond.Type), "quality", string(cond.Quality))
			break
		}
		if err := e.processRecording(ctx, rec); err != nil {
			e.logger.Debug(ctx, "recording attempt failed", "recording_id", rec.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) passBlockedLocked() string {
	switch {
	case e.closed:
		return "closed"
	case e.processing:
		return "already processing"
	case e.paused:
		return "paused"
	case e.settings.WifiOnlyMode && e.condition().Type == models.NetworkCellular:
		return "wifi only mode on cellular"
	}
	return ""
}

// ProcessRecording runs a single attempt for one pending or failed recording
// outside a queue pass.
func (e *Engine) ProcessRecording(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.processing {
		e.mu.Unlock()
		return ErrBusy
	}
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return ErrNotFound
	}
	rec := cloneRecording(e.recordings[idx])
	if rec.Status != models.StatusPending && rec.Status != models.StatusFailed {
		e.mu.Unlock()
		return fmt.Errorf("%w: status is %s", ErrInvalidState, rec.Status)
	}
	e.stopRetryTimerLocked(id)
	e.processing = true
	e.mu.Unlock()
	defer e.finishPass(ctx)

	return e.processRecording(ctx, rec)
}

// processRecording makes one upload attempt and applies the outcome. The
// returned error is the attempt's failure, already recorded in the queue.
func (e *Engine) processRecording(ctx context.Context, rec models.QueuedRecording) error {
	exists, err := e.blobs.Exists(ctx, rec.AudioURI)
	if err != nil {
		e.recordFailure(ctx, rec.ID, upload.Classify(err, upload.CodeUnknown), 0)
		return err
	}
	if !exists {
		missing := upload.NewError(upload.CodeFileMissing, "local recording file not found: "+rec.AudioURI, nil)
		e.recordFailure(ctx, rec.ID, missing, 0)
		return missing
	}

	now := e.clock.Now()
	e.mu.Lock()
	idx := e.indexLocked(rec.ID)
	if idx < 0 {
		e.mu.Unlock()
		return ErrNotFound
	}
	r := &e.recordings[idx]
	r.Status = models.StatusUploading
	r.LastAttempt = &now
	r.NextRetryAt = nil
	e.current = &models.CurrentUpload{RecordingID: rec.ID, Progress: models.UploadProgress{Total: rec.FileSizeBytes}}
	snap := *e.current
	e.recomputeLocked()
	e.persistOrLog(ctx)
	e.mu.Unlock()
	e.publish(snap)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	e.logger.Info(ctx, "uploading recording", "recording_id", rec.ID, "size_bytes", rec.FileSizeBytes, "attempt", rec.RetryCount+1)
	start := e.clock.Now()
	res, err := e.uploader.Upload(ctx, upload.Request{
		RecordingID:     rec.ID,
		SessionID:       rec.SessionID,
		AudioURI:        rec.AudioURI,
		FileSizeBytes:   rec.FileSizeBytes,
		DurationSeconds: rec.DurationSeconds,
		RecordedAt:      rec.RecordedAt,
	}, func(p models.UploadProgress) { e.setProgress(rec.ID, p) })
	elapsed := e.clock.Since(start).Milliseconds()
	if err != nil && ctx.Err() != nil {
		e.recordInterrupted(ctx, rec.ID, err)
		return err
	}
	if err != nil {
		e.recordFailure(ctx, rec.ID, err, elapsed)
		return err
	}
	if res.UploadDurationMs > 0 {
		elapsed = res.UploadDurationMs
	}
	e.recordSuccess(ctx, rec.ID, res, elapsed)
	return nil
}

func (e *Engine) recordSuccess(ctx context.Context, id string, res upload.Result, durationMs int64) {
	now := e.clock.Now()
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		e.logger.Warn(ctx, "recording removed during upload", "recording_id", id)
		return
	}
	r := &e.recordings[idx]
	r.Status = models.StatusCompleted
	r.LastAttempt = &now
	r.Error = ""
	r.UploadDurationMs = &durationMs
	r.DreamID = res.DreamID
	size := r.FileSizeBytes
	if res.FinalFileSizeBytes > 0 {
		size = res.FinalFileSizeBytes
	}
	e.appendHistoryLocked(models.UploadHistoryEntry{
		RecordingID:   id,
		Timestamp:     now,
		Success:       true,
		DurationMs:    durationMs,
		FileSizeBytes: size,
	})
	done := cloneRecording(*r)
	e.recomputeLocked()
	e.persistOrLog(ctx)
	e.mu.Unlock()

	telemetry.UploadsCompleted.Inc()
	telemetry.UploadDuration.Observe(float64(durationMs) / 1000)
	e.logger.Info(ctx, "recording uploaded", "recording_id", id, "duration_ms", durationMs, "dream_id", res.DreamID, "strategy", string(res.Strategy))

	if err := e.blobs.Delete(ctx, done.AudioURI); err != nil {
		e.logger.Warn(ctx, "delete uploaded recording failed", "recording_id", id, "audio_uri", done.AudioURI, "error", err)
	}
	if err := e.notifier.RecordingUploaded(ctx, done); err != nil {
		e.logger.Warn(ctx, "notify uploaded recording failed", "recording_id", id, "dream_id", done.DreamID, "error", err)
	}
	e.audit(ctx, id, "completed", fmt.Sprintf("dream_id=%s duration_ms=%d", done.DreamID, durationMs))
}

// recordFailure applies the retry policy: retryable failures with budget left
// back off exponentially, everything else lands in failed.
func (e *Engine) recordFailure(ctx context.Context, id string, cause error, durationMs int64) {
	retryable := upload.IsRetryable(cause)
	now := e.clock.Now()

	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		e.logger.Warn(ctx, "recording removed during upload", "recording_id", id)
		return
	}
	r := &e.recordings[idx]
	r.LastAttempt = &now
	r.Error = cause.Error()
	r.Status = models.StatusFailed
	e.appendHistoryLocked(models.UploadHistoryEntry{
		RecordingID:   id,
		Timestamp:     now,
		Success:       false,
		DurationMs:    durationMs,
		FileSizeBytes: r.FileSizeBytes,
		Error:         r.Error,
	})

	var delay time.Duration
	scheduled := retryable && r.RetryCount+1 < r.MaxRetries
	r.NextRetryAt = nil
	if scheduled {
		delay = e.backoff(r.RetryCount)
		due := now.Add(delay)
		r.RetryCount++
		r.NextRetryAt = &due
		e.scheduleRetryLocked(id, delay)
	} else if retryable {
		r.RetryCount = min(r.RetryCount+1, r.MaxRetries)
	}
	retries := r.RetryCount
	e.recomputeLocked()
	e.persistOrLog(ctx)
	e.mu.Unlock()

	if scheduled {
		telemetry.RetriesScheduled.Inc()
		e.logger.Warn(ctx, "upload failed, retry scheduled", "recording_id", id, "retry_count", retries, "delay_ms", delay.Milliseconds(), "error", cause)
		e.audit(ctx, id, "retry_scheduled", fmt.Sprintf("delay_ms=%d retry_count=%d error=%s", delay.Milliseconds(), retries, cause))
		return
	}
	telemetry.UploadsFailed.Inc()
	e.logger.Error(ctx, "upload failed", "recording_id", id, "retry_count", retries, "retryable", retryable, "error", cause)
	e.audit(ctx, id, "failed", cause.Error())
}

// recordInterrupted puts a recording whose upload was cut short by the
// caller back to pending. It is not an attempt: no history, no retry spent.
func (e *Engine) recordInterrupted(ctx context.Context, id string, cause error) {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx >= 0 && e.recordings[idx].Status == models.StatusUploading {
		e.recordings[idx].Status = models.StatusPending
		e.recomputeLocked()
		e.persistOrLog(context.WithoutCancel(ctx))
	}
	e.mu.Unlock()
	e.logger.Warn(ctx, "upload interrupted, recording left pending", "recording_id", id, "error", cause)
}

// backoff is min(base·2^retryCount, max).
func (e *Engine) backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return e.backoffMax
	}
	return min(e.backoffBase<<retryCount, e.backoffMax)
}

func (e *Engine) appendHistoryLocked(entry models.UploadHistoryEntry) {
	e.history = append(e.history, entry)
	if over := len(e.history) - e.historyLimit; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
}

func (e *Engine) scheduleRetryLocked(id string, delay time.Duration) {
	e.stopRetryTimerLocked(id)
	if e.closed {
		return
	}
	rt := &retryTimer{}
	rt.timer = e.clock.AfterFunc(delay, func() { e.retryDue(id, rt) })
	e.retryTimers[id] = rt
}

func (e *Engine) stopRetryTimerLocked(id string) {
	if rt, ok := e.retryTimers[id]; ok {
		rt.timer.Stop()
		delete(e.retryTimers, id)
	}
}

// RetryScheduled reports whether a backoff timer is pending for id.
func (e *Engine) RetryScheduled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.retryTimers[id]
	return ok
}

func (e *Engine) retryDue(id string, rt *retryTimer) {
	ctx := e.bgCtx
	e.mu.Lock()
	if e.closed || e.retryTimers[id] != rt {
		e.mu.Unlock()
		return
	}
	delete(e.retryTimers, id)
	idx := e.indexLocked(id)
	if idx < 0 || e.recordings[idx].Status != models.StatusFailed {
		e.mu.Unlock()
		return
	}
	r := &e.recordings[idx]
	r.Status = models.StatusPending
	r.Error = ""
	r.NextRetryAt = nil
	e.recomputeLocked()
	e.persistOrLog(ctx)
	if e.processing {
		e.rerun = true
		e.mu.Unlock()
		e.logger.Debug(ctx, "retry due during pass, deferring", "recording_id", id)
		return
	}
	e.mu.Unlock()

	e.logger.Debug(ctx, "retry due", "recording_id", id)
	e.runBackgroundPass()
}

// scheduleDebouncedPassLocked arranges one pass after the debounce window.
// Requests arriving while a pass runs are folded into a follow-up pass.
func (e *Engine) scheduleDebouncedPassLocked() {
	if e.closed {
		return
	}
	if e.processing {
		e.rerun = true
		return
	}
	if e.debounceTimer != nil {
		return
	}
	e.debounceTimer = e.clock.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		e.debounceTimer = nil
		e.mu.Unlock()
		e.runBackgroundPass()
	})
}

func (e *Engine) startPassLocked() {
	if e.closed {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		_ = e.ProcessQueue(e.bgCtx)
	}()
}

func (e *Engine) runBackgroundPass() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.bg.Add(1)
	e.mu.Unlock()
	defer e.bg.Done()
	if err := e.ProcessQueue(e.bgCtx); err != nil {
		e.logger.Debug(e.bgCtx, "background pass ended", "error", err)
	}
}

func (e *Engine) finishPass(ctx context.Context) {
	e.mu.Lock()
	e.processing = false
	e.current = nil
	if e.rerun && !e.paused && !e.closed {
		e.rerun = false
		e.scheduleDebouncedPassLocked()
	}
	e.mu.Unlock()
	e.publish(models.CurrentUpload{})
	e.logger.Debug(ctx, "queue pass finished")
}
