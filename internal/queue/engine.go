// Package queue owns the durable list of recordings and drives each one
// through pending, uploading, completed and failed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"recording-upload-queue/internal/logging"
	"recording-upload-queue/internal/models"
	"recording-upload-queue/internal/network"
	"recording-upload-queue/internal/state"
	"recording-upload-queue/internal/telemetry"
	"recording-upload-queue/internal/upload"
)

var (
	ErrNotFound         = errors.New("recording not found")
	ErrInvalidRecording = errors.New("invalid recording")
	ErrInvalidSettings  = errors.New("invalid settings")
	ErrInvalidState     = errors.New("recording is not in a state that allows this operation")
	ErrBusy             = errors.New("queue is already processing")
)

const DefaultStateKey = "recording-queue:v1"

// Options wires an Engine. Zero durations and limits take defaults.
type Options struct {
	State      state.Store
	Blobs      BlobStore
	Uploader   Uploader
	Network    network.Observer
	Strategist *upload.Strategist
	Notifier   Notifier
	Clock      clockwork.Clock
	Logger     logging.Logger
	Settings   models.QueueSettings

	StateKey        string
	EnqueueDebounce time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	HistoryLimit    int
}

// Engine is the recording queue. All exported methods are safe for
// concurrent use; uploads themselves run one at a time.
type Engine struct {
	store      state.Store
	blobs      BlobStore
	uploader   Uploader
	network    network.Observer
	strategist *upload.Strategist
	notifier   Notifier
	clock      clockwork.Clock
	logger     logging.Logger

	stateKey     string
	debounce     time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	historyLimit int

	mu            sync.Mutex
	recordings    []models.QueuedRecording
	history       []models.UploadHistoryEntry // oldest first
	settings      models.QueueSettings
	processing    bool
	paused        bool
	rerun         bool
	closed        bool
	current       *models.CurrentUpload
	pendingBytes  int64
	retryTimers   map[string]*retryTimer
	debounceTimer clockwork.Timer

	subsMu  sync.Mutex
	subs    map[int]chan models.CurrentUpload
	nextSub int

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.State == nil {
		return nil, errors.New("queue: state store is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("queue: blob store is required")
	}
	if opts.Uploader == nil {
		return nil, errors.New("queue: uploader is required")
	}

	settings := opts.Settings
	if settings == (models.QueueSettings{}) {
		settings = models.DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	e := &Engine{
		store:        opts.State,
		blobs:        opts.Blobs,
		uploader:     opts.Uploader,
		network:      opts.Network,
		strategist:   opts.Strategist,
		notifier:     opts.Notifier,
		clock:        opts.Clock,
		logger:       opts.Logger,
		stateKey:     opts.StateKey,
		debounce:     opts.EnqueueDebounce,
		backoffBase:  opts.BackoffBase,
		backoffMax:   opts.BackoffMax,
		historyLimit: opts.HistoryLimit,
		settings:     settings,
		retryTimers:  make(map[string]*retryTimer),
		subs:         make(map[int]chan models.CurrentUpload),
	}
	if e.strategist == nil {
		e.strategist = upload.NewStrategist(upload.StrategistConfig{})
	}
	if e.notifier == nil {
		e.notifier = NopNotifier{}
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = logging.Nop()
	}
	if e.stateKey == "" {
		e.stateKey = DefaultStateKey
	}
	if e.debounce <= 0 {
		e.debounce = 500 * time.Millisecond
	}
	if e.backoffBase <= 0 {
		e.backoffBase = 5 * time.Second
	}
	if e.backoffMax <= 0 {
		e.backoffMax = time.Minute
	}
	if e.historyLimit <= 0 {
		e.historyLimit = 100
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	return e, nil
}

// Enqueue validates a new recording, classifies it and persists it. With
// auto-retry on and the engine idle, a processing pass is scheduled after a
// short debounce so rapid enqueues share one pass.
func (e *Engine) Enqueue(ctx context.Context, raw models.RawRecording) (models.QueuedRecording, error) {
	if err := raw.Validate(); err != nil {
		return models.QueuedRecording{}, fmt.Errorf("%w: %v", ErrInvalidRecording, err)
	}

	e.mu.Lock()
	rec := models.QueuedRecording{
		ID:              uuid.NewString(),
		SessionID:       raw.SessionID,
		AudioURI:        raw.AudioURI,
		DurationSeconds: raw.DurationSeconds,
		FileSizeBytes:   raw.FileSizeBytes,
		RecordedAt:      raw.RecordedAt,
		EnqueuedAt:      e.clock.Now(),
		Status:          models.StatusPending,
		Priority:        ClassifyPriority(raw.DurationSeconds, raw.FileSizeBytes),
		MaxRetries:      e.settings.MaxRetries,
	}
	e.recordings = append(e.recordings, rec)
	if err := e.persistLocked(ctx); err != nil {
		e.recordings = e.recordings[:len(e.recordings)-1]
		e.mu.Unlock()
		return models.QueuedRecording{}, err
	}
	e.recomputeLocked()
	if e.settings.AutoRetryEnabled {
		e.scheduleDebouncedPassLocked()
	}
	e.mu.Unlock()

	telemetry.RecordingsEnqueued.Inc()
	e.logger.Info(ctx, "recording enqueued", "recording_id", rec.ID, "priority", string(rec.Priority), "size_bytes", rec.FileSizeBytes)
	e.audit(ctx, rec.ID, "enqueued", fmt.Sprintf("priority=%s size=%d", rec.Priority, rec.FileSizeBytes))
	return rec, nil
}

// RetryFailedRecordings moves every failed recording that still has retries
// left back to pending, then runs one pass.
func (e *Engine) RetryFailedRecordings(ctx context.Context) (int, error) {
	moved, err := e.RequeueFailed(ctx)
	if err != nil {
		return moved, err
	}
	return moved, e.ProcessQueue(ctx)
}

// RequeueFailed is RetryFailedRecordings without the pass.
func (e *Engine) RequeueFailed(ctx context.Context) (int, error) {
	e.mu.Lock()
	moved := 0
	for i := range e.recordings {
		r := &e.recordings[i]
		if r.Status != models.StatusFailed || r.RetryCount >= r.MaxRetries {
			continue
		}
		e.stopRetryTimerLocked(r.ID)
		r.Status = models.StatusPending
		r.RetryCount++
		r.Error = ""
		r.NextRetryAt = nil
		moved++
	}
	var err error
	if moved > 0 {
		e.recomputeLocked()
		err = e.persistLocked(ctx)
	}
	e.mu.Unlock()
	if err != nil {
		return moved, err
	}
	e.logger.Info(ctx, "failed recordings requeued", "count", moved)
	return moved, nil
}

// RetryRecording requeues one failed recording, optionally giving it a fresh
// retry budget.
func (e *Engine) RetryRecording(ctx context.Context, id string, resetCount bool) (models.QueuedRecording, error) {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return models.QueuedRecording{}, ErrNotFound
	}
	r := &e.recordings[idx]
	if r.Status != models.StatusFailed {
		e.mu.Unlock()
		return models.QueuedRecording{}, fmt.Errorf("%w: status is %s", ErrInvalidState, r.Status)
	}
	if resetCount {
		r.RetryCount = 0
	} else if r.RetryCount >= r.MaxRetries {
		e.mu.Unlock()
		return models.QueuedRecording{}, fmt.Errorf("%w: retries exhausted", ErrInvalidState)
	}
	e.stopRetryTimerLocked(id)
	r.Status = models.StatusPending
	r.Error = ""
	r.NextRetryAt = nil
	out := cloneRecording(*r)
	e.recomputeLocked()
	err := e.persistLocked(ctx)
	if e.settings.AutoRetryEnabled && err == nil {
		e.scheduleDebouncedPassLocked()
	}
	e.mu.Unlock()
	if err != nil {
		return out, err
	}
	e.audit(ctx, id, "retry_requested", fmt.Sprintf("reset=%t", resetCount))
	return out, nil
}

// RemoveRecording drops one recording and its local audio.
func (e *Engine) RemoveRecording(ctx context.Context, id string) error {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return ErrNotFound
	}
	removed := e.recordings[idx]
	e.stopRetryTimerLocked(id)
	e.recordings = slices.Delete(e.recordings, idx, idx+1)
	e.recomputeLocked()
	err := e.persistLocked(ctx)
	e.mu.Unlock()

	e.cleanupBlobs(ctx, []models.QueuedRecording{removed})
	e.audit(ctx, id, "removed", string(removed.Status))
	return err
}

// ClearCompletedRecordings drops every completed recording.
func (e *Engine) ClearCompletedRecordings(ctx context.Context) (int, error) {
	return e.removeWhere(ctx, func(r models.QueuedRecording) bool { return r.Status == models.StatusCompleted })
}

// ClearAllRecordings empties the queue. Upload history is kept.
func (e *Engine) ClearAllRecordings(ctx context.Context) (int, error) {
	return e.removeWhere(ctx, func(models.QueuedRecording) bool { return true })
}

func (e *Engine) removeWhere(ctx context.Context, match func(models.QueuedRecording) bool) (int, error) {
	e.mu.Lock()
	var removed []models.QueuedRecording
	kept := e.recordings[:0:0]
	for _, r := range e.recordings {
		if match(r) {
			e.stopRetryTimerLocked(r.ID)
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	var err error
	if len(removed) > 0 {
		e.recordings = kept
		e.recomputeLocked()
		err = e.persistLocked(ctx)
	}
	e.mu.Unlock()

	e.cleanupBlobs(ctx, removed)
	for _, r := range removed {
		e.audit(ctx, r.ID, "removed", string(r.Status))
	}
	return len(removed), err
}

func (e *Engine) cleanupBlobs(ctx context.Context, recs []models.QueuedRecording) {
	for _, r := range recs {
		if err := e.blobs.Delete(ctx, r.AudioURI); err != nil {
			e.logger.Warn(ctx, "delete local recording failed", "recording_id", r.ID, "audio_uri", r.AudioURI, "error", err)
		}
	}
}

// PauseProcessing blocks new passes. An upload already running finishes.
func (e *Engine) PauseProcessing() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// ResumeProcessing lifts a pause and, with auto-retry on, starts a pass.
func (e *Engine) ResumeProcessing(ctx context.Context) {
	e.mu.Lock()
	e.paused = false
	auto := e.settings.AutoRetryEnabled
	if auto {
		e.startPassLocked()
	}
	e.mu.Unlock()
	e.logger.Info(ctx, "queue processing resumed", "auto_retry", auto)
}

// StartPass runs a processing pass in the background and returns at once.
func (e *Engine) StartPass() {
	e.mu.Lock()
	e.startPassLocked()
	e.mu.Unlock()
}

// NetworkChanged feeds a new snapshot to the strategist. When the link is
// usable again and recordings are waiting, a debounced pass is scheduled.
func (e *Engine) NetworkChanged(ctx context.Context, cond models.NetworkCondition) {
	e.strategist.SetNetworkCondition(cond)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused || !e.settings.AutoRetryEnabled || !e.hasPendingLocked() {
		return
	}
	if e.settings.WifiOnlyMode && cond.Type == models.NetworkCellular {
		return
	}
	if cond.Type == models.NetworkUnknown && cond.Quality == models.QualityPoor {
		return
	}
	e.logger.Debug(ctx, "network changed, scheduling pass", "network", string(cond.Type), "quality", string(cond.Quality))
	e.scheduleDebouncedPassLocked()
}

func (e *Engine) hasPendingLocked() bool {
	return slices.ContainsFunc(e.recordings, func(r models.QueuedRecording) bool {
		return r.Status == models.StatusPending
	})
}

func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

func (e *Engine) TotalPendingSizeBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingBytes
}

func (e *Engine) Settings() models.QueueSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

func (e *Engine) SetMaxRetries(ctx context.Context, n int) error {
	return e.updateSettings(ctx, func(s *models.QueueSettings) { s.MaxRetries = n })
}

// SetBatchSize stores the batch size. Passes still upload one recording at a
// time; the value is kept for a future parallel driver.
func (e *Engine) SetBatchSize(ctx context.Context, n int) error {
	return e.updateSettings(ctx, func(s *models.QueueSettings) { s.BatchSize = n })
}

func (e *Engine) SetWifiOnlyMode(ctx context.Context, on bool) error {
	return e.updateSettings(ctx, func(s *models.QueueSettings) { s.WifiOnlyMode = on })
}

func (e *Engine) SetAutoRetryEnabled(ctx context.Context, on bool) error {
	return e.updateSettings(ctx, func(s *models.QueueSettings) { s.AutoRetryEnabled = on })
}

// UpdateSettings replaces all settings at once.
func (e *Engine) UpdateSettings(ctx context.Context, next models.QueueSettings) error {
	return e.updateSettings(ctx, func(s *models.QueueSettings) { *s = next })
}

func (e *Engine) updateSettings(ctx context.Context, mutate func(*models.QueueSettings)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.settings
	mutate(&next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	prev := e.settings
	e.settings = next
	if err := e.persistLocked(ctx); err != nil {
		e.settings = prev
		return err
	}
	return nil
}

// Close stops every outstanding timer and waits for background passes.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.retryTimers {
		t.timer.Stop()
		delete(e.retryTimers, id)
	}
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	e.mu.Unlock()

	e.bgCancel()
	e.bg.Wait()

	e.subsMu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.subsMu.Unlock()
}

func (e *Engine) indexLocked(id string) int {
	return slices.IndexFunc(e.recordings, func(r models.QueuedRecording) bool { return r.ID == id })
}

func (e *Engine) recomputeLocked() {
	var bytes int64
	pending := 0
	for _, r := range e.recordings {
		if r.Status == models.StatusPending {
			bytes += r.FileSizeBytes
			pending++
		}
	}
	e.pendingBytes = bytes
	telemetry.PendingGauge.Set(float64(pending))
}

func (e *Engine) condition() models.NetworkCondition {
	if e.network != nil {
		return e.network.Current()
	}
	return e.strategist.NetworkCondition()
}

func (e *Engine) audit(ctx context.Context, id, event, detail string) {
	if err := e.notifier.AppendAudit(ctx, id, event, detail); err != nil {
		e.logger.Warn(ctx, "append audit failed", "recording_id", id, "event", event, "error", err)
	}
}

func cloneRecording(r models.QueuedRecording) models.QueuedRecording {
	if r.LastAttempt != nil {
		t := *r.LastAttempt
		r.LastAttempt = &t
	}
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		r.NextRetryAt = &t
	}
	if r.UploadDurationMs != nil {
		d := *r.UploadDurationMs
		r.UploadDurationMs = &d
	}
	return r
}
