package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"recording-upload-queue/internal/models"
	"recording-upload-queue/internal/network"
	"recording-upload-queue/internal/state"
	"recording-upload-queue/internal/upload"
)

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	fn    func(req upload.Request, onProgress upload.ProgressFunc) (upload.Result, error)
}

func (f *fakeUploader) Upload(_ context.Context, req upload.Request, onProgress upload.ProgressFunc) (upload.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.RecordingID)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return upload.Result{Success: true, DreamID: "dream-" + req.RecordingID, UploadDurationMs: 100}, nil
	}
	return fn(req, onProgress)
}

func (f *fakeUploader) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeBlobs struct {
	mu      sync.Mutex
	missing map[string]bool
	deleted []string
}

func (b *fakeBlobs) Exists(_ context.Context, uri string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.missing[uri], nil
}

func (b *fakeBlobs) Delete(_ context.Context, uri string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, uri)
	return nil
}

func (b *fakeBlobs) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

type auditEvent struct {
	id, event, detail string
}

type recordingNotifier struct {
	mu       sync.Mutex
	uploaded []models.QueuedRecording
	events   []auditEvent
}

func (n *recordingNotifier) RecordingUploaded(_ context.Context, rec models.QueuedRecording) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uploaded = append(n.uploaded, rec)
	return nil
}

func (n *recordingNotifier) AppendAudit(_ context.Context, id, event, detail string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, auditEvent{id, event, detail})
	return nil
}

func (n *recordingNotifier) Events(event string) []auditEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []auditEvent
	for _, e := range n.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeClock is the part of clockwork's fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type harness struct {
	engine   *Engine
	clock    fakeClock
	uploader *fakeUploader
	blobs    *fakeBlobs
	notifier *recordingNotifier
	network  *network.Manual
	store    *state.MemoryStore
}

func newHarness(t *testing.T, settings models.QueueSettings) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		uploader: &fakeUploader{},
		blobs:    &fakeBlobs{missing: map[string]bool{}},
		notifier: &recordingNotifier{},
		network:  network.NewManual(models.DefaultNetworkCondition()),
		store:    state.NewMemoryStore(),
	}
	e, err := NewEngine(Options{
		State:    h.store,
		Blobs:    h.blobs,
		Uploader: h.uploader,
		Network:  h.network,
		Notifier: h.notifier,
		Clock:    h.clock,
		Settings: settings,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

// manualSettings keeps auto-retry off so passes only run when a test asks.
func manualSettings() models.QueueSettings {
	s := models.DefaultSettings()
	s.AutoRetryEnabled = false
	return s
}

func raw(duration float64, size int64) models.RawRecording {
	return models.RawRecording{
		SessionID:       "session-1",
		AudioURI:        fmt.Sprintf("rec-%v-%d.m4a", duration, size),
		DurationSeconds: duration,
		FileSizeBytes:   size,
		RecordedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func enqueue(t *testing.T, e *Engine, r models.RawRecording) models.QueuedRecording {
	t.Helper()
	rec, err := e.Enqueue(context.Background(), r)
	require.NoError(t, err)
	return rec
}

func TestEnqueueAssignsPriorityAndDefaults(t *testing.T) {
	h := newHarness(t, manualSettings())

	a := enqueue(t, h.engine, raw(20, 400_000))
	require.Equal(t, models.PriorityHigh, a.Priority)
	require.Equal(t, models.StatusPending, a.Status)
	require.Zero(t, a.RetryCount)
	require.Equal(t, 3, a.MaxRetries)
	require.NotEmpty(t, a.ID)

	b := enqueue(t, h.engine, raw(90, 6_000_000))
	require.Equal(t, models.PriorityLow, b.Priority)
	require.NotEqual(t, a.ID, b.ID)

	require.Equal(t, int64(6_400_000), h.engine.TotalPendingSizeBytes())
	require.Len(t, h.notifier.Events("enqueued"), 2)
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	h := newHarness(t, manualSettings())
	_, err := h.engine.Enqueue(context.Background(), models.RawRecording{SessionID: "s", FileSizeBytes: -1})
	require.ErrorIs(t, err, ErrInvalidRecording)
	require.Empty(t, h.engine.GetRecordings())
}

func TestProcessQueueOrdersByPriorityThenEnqueueOrder(t *testing.T) {
	h := newHarness(t, manualSettings())
	r0 := enqueue(t, h.engine, raw(10, 500_000))
	r1 := enqueue(t, h.engine, raw(40, 500_000))
	r2 := enqueue(t, h.engine, raw(20, 500_000))
	require.Equal(t, []models.Priority{models.PriorityHigh, models.PriorityHigh, models.PriorityHigh}, []models.Priority{r0.Priority, r1.Priority, r2.Priority})

	r3 := enqueue(t, h.engine, raw(45, 3_000_000))
	r4 := enqueue(t, h.engine, raw(60, 8_000_000))
	r5 := enqueue(t, h.engine, raw(35, 2_000_000))

	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	require.Equal(t, []string{r0.ID, r1.ID, r2.ID, r3.ID, r5.ID, r4.ID}, h.uploader.Calls())
}

func TestProcessQueueOrderingMixedPriorities(t *testing.T) {
	h := newHarness(t, manualSettings())
	r0 := enqueue(t, h.engine, raw(10, 2_000_000))
	r1 := enqueue(t, h.engine, raw(40, 2_000_000))
	r2 := enqueue(t, h.engine, raw(20, 2_000_000))
	require.Equal(t, models.PriorityNormal, r1.Priority)

	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	require.Equal(t, []string{r0.ID, r2.ID, r1.ID}, h.uploader.Calls())
}

func TestSuccessfulUploadCompletesAndCleansUp(t *testing.T) {
	h := newHarness(t, manualSettings())
	rec := enqueue(t, h.engine, raw(20, 400_000))

	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	got, ok := h.engine.GetRecording(rec.ID)
	require.True(t, ok)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.UploadDurationMs)
	require.Equal(t, int64(100), *got.UploadDurationMs)
	require.Equal(t, "dream-"+rec.ID, got.DreamID)
	require.Equal(t, []string{rec.AudioURI}, h.blobs.Deleted())
	require.Len(t, h.notifier.uploaded, 1)
	require.Zero(t, h.engine.TotalPendingSizeBytes())
	require.False(t, h.engine.IsProcessing())

	hist := h.engine.GetUploadHistory(10)
	require.Len(t, hist, 1)
	require.True(t, hist[0].Success)
}

func TestMissingFileFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, manualSettings())
	rec := enqueue(t, h.engine, raw(20, 400_000))
	h.blobs.missing[rec.AudioURI] = true

	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Zero(t, got.RetryCount)
	require.Contains(t, got.Error, "file")
	require.Empty(t, h.uploader.Calls())
	require.Empty(t, h.blobs.Deleted())
	require.False(t, h.engine.RetryScheduled(rec.ID))

	hist := h.engine.GetUploadHistory(0)
	require.Len(t, hist, 1)
	require.False(t, hist[0].Success)
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	h := newHarness(t, manualSettings())
	h.uploader.fn = func(upload.Request, upload.ProgressFunc) (upload.Result, error) {
		return upload.Result{}, upload.NewError(upload.CodeInvalidFileType, "not audio", nil)
	}
	rec := enqueue(t, h.engine, raw(20, 400_000))

	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Contains(t, got.Error, "INVALID_FILE_TYPE")
	require.False(t, h.engine.RetryScheduled(rec.ID))
	require.Len(t, h.notifier.Events("failed"), 1)
	// local audio is preserved for anything not completed
	require.Empty(t, h.blobs.Deleted())
}

func TestBackoffGrowthAndExhaustion(t *testing.T) {
	settings := manualSettings()
	settings.MaxRetries = 5
	h := newHarness(t, settings)
	h.uploader.fn = func(upload.Request, upload.ProgressFunc) (upload.Result, error) {
		return upload.Result{}, upload.NewError(upload.CodeServerError, "503", nil)
	}
	rec := enqueue(t, h.engine, raw(20, 400_000))

	require.NoError(t, h.engine.ProcessRecording(context.Background(), rec.ID))
	require.True(t, h.engine.RetryScheduled(rec.ID))

	delays := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, d := range delays {
		got, _ := h.engine.GetRecording(rec.ID)
		require.Equal(t, models.StatusFailed, got.Status)
		require.Equal(t, i+1, got.RetryCount)

		h.clock.Advance(d - time.Millisecond)
		require.Len(t, h.uploader.Calls(), i+1, "retry fired early")

		h.clock.Advance(time.Millisecond)
		want := i + 2
		require.Eventually(t, func() bool {
			return len(h.uploader.Calls()) == want && !h.engine.IsProcessing()
		}, time.Second, 5*time.Millisecond)
	}

	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, got.MaxRetries, got.RetryCount)
	require.False(t, h.engine.RetryScheduled(rec.ID))

	scheduled := h.notifier.Events("retry_scheduled")
	require.Len(t, scheduled, 4)
	for i, d := range delays {
		require.Contains(t, scheduled[i].detail, fmt.Sprintf("delay_ms=%d", d.Milliseconds()))
	}
	require.Len(t, h.engine.GetUploadHistory(0), 5)

	// Terminal: nothing fires later.
	h.clock.Advance(10 * time.Minute)
	require.Len(t, h.uploader.Calls(), 5)
}

func TestBackoffCapped(t *testing.T) {
	h := newHarness(t, manualSettings())
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, time.Minute, time.Minute}
	for rc, d := range want {
		require.Equal(t, d, h.engine.backoff(rc), "retry count %d", rc)
	}
	require.Equal(t, time.Minute, h.engine.backoff(100))
}

func TestRetryCountNeverExceedsMax(t *testing.T) {
	settings := manualSettings()
	settings.MaxRetries = 1
	h := newHarness(t, settings)
	h.uploader.fn = func(upload.Request, upload.ProgressFunc) (upload.Result, error) {
		return upload.Result{}, context.DeadlineExceeded
	}
	rec := enqueue(t, h.engine, raw(20, 400_000))

	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.False(t, h.engine.RetryScheduled(rec.ID))

	moved, err := h.engine.RetryFailedRecordings(context.Background())
	require.NoError(t, err)
	require.Zero(t, moved)
}

func TestHistoryCappedAtMostRecent(t *testing.T) {
	h := newHarness(t, manualSettings())
	var mu sync.Mutex
	n := 0
	h.uploader.fn = func(upload.Request, upload.ProgressFunc) (upload.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n%2 == 0 {
			return upload.Result{}, errors.New("rejected")
		}
		return upload.Result{Success: true, UploadDurationMs: 10}, nil
	}

	var ids []string
	for i := 0; i < 150; i++ {
		r := raw(10, int64(1000+i))
		ids = append(ids, enqueue(t, h.engine, r).ID)
	}
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	hist := h.engine.GetUploadHistory(200)
	require.Len(t, hist, 100)
	require.Equal(t, ids[149], hist[0].RecordingID)
	require.Equal(t, ids[50], hist[99].RecordingID)
	require.Len(t, h.engine.GetUploadHistory(5), 5)
}

func TestQueueStats(t *testing.T) {
	h := newHarness(t, manualSettings())
	st := h.engine.GetQueueStats()
	require.Zero(t, st.SuccessRate)
	require.Zero(t, st.AverageUploadTimeMs)
	require.Zero(t, st.Total)

	ok := enqueue(t, h.engine, raw(10, 100))
	bad := enqueue(t, h.engine, raw(10, 200))
	enqueue(t, h.engine, raw(10, 300))
	h.blobs.missing[bad.AudioURI] = true

	require.NoError(t, h.engine.ProcessRecording(context.Background(), ok.ID))
	require.NoError(t, h.engine.ProcessRecording(context.Background(), bad.ID))

	st = h.engine.GetQueueStats()
	require.Equal(t, 3, st.Total)
	require.Equal(t, 1, st.Completed)
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 1, st.Pending)
	require.Equal(t, int64(600), st.TotalSizeBytes)
	require.Equal(t, int64(300), st.TotalPendingSizeBytes)
	require.Equal(t, 0.5, st.SuccessRate)
	require.Equal(t, 100.0, st.AverageUploadTimeMs)
}

func TestProcessQueueIsIdempotentWhileRunning(t *testing.T) {
	h := newHarness(t, manualSettings())
	release := make(chan struct{})
	h.uploader.fn = func(upload.Request, upload.ProgressFunc) (upload.Result, error) {
		<-release
		return upload.Result{Success: true}, nil
	}
	enqueue(t, h.engine, raw(10, 100))
	enqueue(t, h.engine, raw(10, 100))

	done := make(chan error, 1)
	go func() { done <- h.engine.ProcessQueue(context.Background()) }()
	require.Eventually(t, func() bool { return len(h.uploader.Calls()) == 1 }, time.Second, time.Millisecond)
	require.True(t, h.engine.IsProcessing())

	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	require.Len(t, h.uploader.Calls(), 1)
	require.ErrorIs(t, h.engine.ProcessRecording(context.Background(), "anything"), ErrBusy)

	close(release)
	require.NoError(t, <-done)
	require.Len(t, h.uploader.Calls(), 2)
	require.False(t, h.engine.IsProcessing())
}

func TestEnqueueDebouncesIntoOnePass(t *testing.T) {
	h := newHarness(t, models.DefaultSettings())
	for i := 0; i < 3; i++ {
		enqueue(t, h.engine, raw(10, int64(100+i)))
	}
	require.Empty(t, h.uploader.Calls())

	h.clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.engine.GetRecordingsByStatus(models.StatusCompleted)) == 3 && !h.engine.IsProcessing()
	}, time.Second, 5*time.Millisecond)
	require.Len(t, h.uploader.Calls(), 3)
}

func TestPauseBlocksPasses(t *testing.T) {
	h := newHarness(t, models.DefaultSettings())
	h.engine.PauseProcessing()
	rec := enqueue(t, h.engine, raw(10, 100))

	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	h.clock.Advance(time.Second)
	require.Empty(t, h.uploader.Calls())
	require.True(t, h.engine.IsPaused())

	h.engine.ResumeProcessing(context.Background())
	require.Eventually(t, func() bool {
		got, _ := h.engine.GetRecording(rec.ID)
		return got.Status == models.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestWifiOnlyModeSkipsCellular(t *testing.T) {
	h := newHarness(t, manualSettings())
	require.NoError(t, h.engine.SetWifiOnlyMode(context.Background(), true))
	require.NoError(t, h.network.Set(models.NetworkCondition{Type: models.NetworkCellular, Quality: models.QualityGood}))
	enqueue(t, h.engine, raw(10, 100))

	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	require.Empty(t, h.uploader.Calls())

	require.NoError(t, h.network.Set(models.NetworkCondition{Type: models.NetworkWifi, Quality: models.QualityGood}))
	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	require.Len(t, h.uploader.Calls(), 1)
}

func TestOfflineNetworkStopsPass(t *testing.T) {
	h := newHarness(t, manualSettings())
	require.NoError(t, h.network.Set(models.NetworkCondition{Type: models.NetworkUnknown, Quality: models.QualityPoor}))
	rec := enqueue(t, h.engine, raw(10, 100))

	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	require.Empty(t, h.uploader.Calls())
	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusPending, got.Status)
}

func TestNetworkRecoverySchedulesPass(t *testing.T) {
	h := newHarness(t, models.DefaultSettings())
	offline := models.NetworkCondition{Type: models.NetworkUnknown, Quality: models.QualityPoor}
	require.NoError(t, h.network.Set(offline))
	rec := enqueue(t, h.engine, raw(10, 100))

	h.clock.Advance(500 * time.Millisecond)
	h.engine.NetworkChanged(context.Background(), offline)
	require.Empty(t, h.uploader.Calls())

	wifi := models.NetworkCondition{Type: models.NetworkWifi, Quality: models.QualityExcellent}
	require.NoError(t, h.network.Set(wifi))
	h.engine.NetworkChanged(context.Background(), wifi)
	require.Equal(t, wifi, h.engine.strategist.NetworkCondition())

	require.Eventually(t, func() bool {
		h.clock.Advance(500 * time.Millisecond)
		got, _ := h.engine.GetRecording(rec.ID)
		return got.Status == models.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveCancelsScheduledRetry(t *testing.T) {
	h := newHarness(t, manualSettings())
	h.uploader.fn = func(upload.Request, upload.ProgressFunc) (upload.Result, error) {
		return upload.Result{}, upload.NewError(upload.CodeNetworkError, "offline", nil)
	}
	rec := enqueue(t, h.engine, raw(10, 100))
	require.NoError(t, h.engine.ProcessQueue(context.Background()))
	require.True(t, h.engine.RetryScheduled(rec.ID))

	require.NoError(t, h.engine.RemoveRecording(context.Background(), rec.ID))
	require.False(t, h.engine.RetryScheduled(rec.ID))
	require.Equal(t, []string{rec.AudioURI}, h.blobs.Deleted())

	h.clock.Advance(time.Minute)
	require.Len(t, h.uploader.Calls(), 1)
	require.ErrorIs(t, h.engine.RemoveRecording(context.Background(), rec.ID), ErrNotFound)
}

func TestRetryFailedRecordings(t *testing.T) {
	h := newHarness(t, manualSettings())
	rec := enqueue(t, h.engine, raw(10, 100))
	h.blobs.missing[rec.AudioURI] = true
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	h.blobs.missing[rec.AudioURI] = false
	moved, err := h.engine.RetryFailedRecordings(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Empty(t, got.Error)
}

func TestRetryRecordingReset(t *testing.T) {
	settings := manualSettings()
	settings.MaxRetries = 1
	h := newHarness(t, settings)
	h.uploader.fn = func(upload.Request, upload.ProgressFunc) (upload.Result, error) {
		return upload.Result{}, upload.NewError(upload.CodeTimeout, "slow", nil)
	}
	rec := enqueue(t, h.engine, raw(10, 100))
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	_, err := h.engine.RetryRecording(context.Background(), rec.ID, false)
	require.ErrorIs(t, err, ErrInvalidState)

	got, err := h.engine.RetryRecording(context.Background(), rec.ID, true)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Zero(t, got.RetryCount)

	_, err = h.engine.RetryRecording(context.Background(), rec.ID, true)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = h.engine.RetryRecording(context.Background(), "nope", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClearCompletedAndAll(t *testing.T) {
	h := newHarness(t, manualSettings())
	done := enqueue(t, h.engine, raw(10, 100))
	require.NoError(t, h.engine.ProcessRecording(context.Background(), done.ID))
	enqueue(t, h.engine, raw(10, 200))
	enqueue(t, h.engine, raw(10, 300))

	n, err := h.engine.ClearCompletedRecordings(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, h.engine.GetRecordings(), 2)

	n, err = h.engine.ClearAllRecordings(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, h.engine.GetRecordings())
	require.Zero(t, h.engine.TotalPendingSizeBytes())
	require.Len(t, h.engine.GetUploadHistory(0), 1)
}

func TestSettingsValidatedAndPersisted(t *testing.T) {
	h := newHarness(t, manualSettings())
	ctx := context.Background()

	require.ErrorIs(t, h.engine.SetBatchSize(ctx, 0), ErrInvalidSettings)
	require.ErrorIs(t, h.engine.SetMaxRetries(ctx, 21), ErrInvalidSettings)
	require.NoError(t, h.engine.SetBatchSize(ctx, 5))
	require.NoError(t, h.engine.SetMaxRetries(ctx, 7))
	require.NoError(t, h.engine.SetAutoRetryEnabled(ctx, true))

	stored, err := h.store.Load(ctx, DefaultStateKey)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(stored, &doc))
	require.EqualValues(t, 5, doc["batchSize"])
	require.EqualValues(t, 7, doc["maxRetries"])
	require.Equal(t, true, doc["autoRetryEnabled"])

	rec := enqueue(t, h.engine, raw(45, 2_000_000))
	require.Equal(t, 7, rec.MaxRetries)
}

func TestLoadRoundTripAndRevertsUploading(t *testing.T) {
	h := newHarness(t, manualSettings())
	ctx := context.Background()
	a := enqueue(t, h.engine, raw(10, 100))
	b := enqueue(t, h.engine, raw(40, 2_000_000))
	require.NoError(t, h.engine.ProcessRecording(ctx, a.ID))
	require.NoError(t, h.engine.SetWifiOnlyMode(ctx, true))

	// Simulate a crash mid-upload.
	stored, err := h.store.Load(ctx, DefaultStateKey)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(stored, &doc))
	for i := range doc.Recordings {
		if doc.Recordings[i].ID == b.ID {
			doc.Recordings[i].Status = models.StatusUploading
		}
	}
	stored, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, h.store.Save(ctx, DefaultStateKey, stored))

	reloaded, err := NewEngine(Options{State: h.store, Blobs: h.blobs, Uploader: h.uploader, Clock: h.clock})
	require.NoError(t, err)
	defer reloaded.Close()
	require.NoError(t, reloaded.Load(ctx))

	require.True(t, reloaded.Settings().WifiOnlyMode)
	require.False(t, reloaded.Settings().AutoRetryEnabled)
	require.False(t, reloaded.IsProcessing())
	recs := reloaded.GetRecordings()
	require.Len(t, recs, 2)
	require.Equal(t, models.StatusCompleted, recs[0].Status)
	require.Equal(t, models.StatusPending, recs[1].Status)
	require.Equal(t, int64(2_000_000), reloaded.TotalPendingSizeBytes())
	require.Len(t, reloaded.GetUploadHistory(0), 1)
	_, inFlight := reloaded.CurrentUpload()
	require.False(t, inFlight)
}

// failOnce makes the first upload fail with a retryable network error.
func failOnce(h *harness) {
	h.uploader.fn = func(req upload.Request, _ upload.ProgressFunc) (upload.Result, error) {
		if len(h.uploader.Calls()) == 1 {
			return upload.Result{}, upload.NewError(upload.CodeNetworkError, "reset by peer", nil)
		}
		return upload.Result{Success: true, DreamID: "dream-" + req.RecordingID}, nil
	}
}

func (h *harness) reopen(t *testing.T) *Engine {
	t.Helper()
	h.engine.Close()
	e, err := NewEngine(Options{State: h.store, Blobs: h.blobs, Uploader: h.uploader, Network: h.network, Clock: h.clock})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	require.NoError(t, e.Load(context.Background()))
	return e
}

func TestOverdueBackoffResumesAfterRestart(t *testing.T) {
	h := newHarness(t, manualSettings())
	failOnce(h)
	rec := enqueue(t, h.engine, raw(10, 100))
	start := h.clock.Now()

	require.NoError(t, h.engine.ProcessRecording(context.Background(), rec.ID))
	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.NextRetryAt)
	require.True(t, got.NextRetryAt.Equal(start.Add(5*time.Second)), "next retry at %v", got.NextRetryAt)

	// The process exits before the timer fires and comes back later.
	h.clock.Advance(time.Minute)
	e := h.reopen(t)

	got, _ = e.GetRecording(rec.ID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Nil(t, got.NextRetryAt)
	require.Empty(t, got.Error)

	require.NoError(t, e.ProcessQueue(context.Background()))
	got, _ = e.GetRecording(rec.ID)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Len(t, h.uploader.Calls(), 2)
}

func TestFutureBackoffRearmedAfterRestart(t *testing.T) {
	h := newHarness(t, manualSettings())
	failOnce(h)
	rec := enqueue(t, h.engine, raw(10, 100))
	require.NoError(t, h.engine.ProcessRecording(context.Background(), rec.ID))

	h.clock.Advance(2 * time.Second)
	e := h.reopen(t)
	require.True(t, e.RetryScheduled(rec.ID))
	got, _ := e.GetRecording(rec.ID)
	require.Equal(t, models.StatusFailed, got.Status)

	h.clock.Advance(3*time.Second - time.Millisecond)
	require.Len(t, h.uploader.Calls(), 1, "retry fired early")
	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		got, _ := e.GetRecording(rec.ID)
		return got.Status == models.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	require.Len(t, h.uploader.Calls(), 2)
}

func TestExhaustedRetryNotRearmedOnLoad(t *testing.T) {
	h := newHarness(t, manualSettings())
	rec := enqueue(t, h.engine, raw(10, 100))
	stored, err := h.store.Load(context.Background(), DefaultStateKey)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(stored, &doc))
	due := h.clock.Now().Add(time.Hour)
	doc.Recordings[0].Status = models.StatusFailed
	doc.Recordings[0].RetryCount = doc.Recordings[0].MaxRetries
	doc.Recordings[0].NextRetryAt = &due
	stored, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, h.store.Save(context.Background(), DefaultStateKey, stored))

	e := h.reopen(t)
	require.False(t, e.RetryScheduled(rec.ID))
	got, _ := e.GetRecording(rec.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Nil(t, got.NextRetryAt)
}

func TestCancelledUploadLeftPending(t *testing.T) {
	h := newHarness(t, manualSettings())
	started := make(chan struct{})
	release := make(chan struct{})
	h.uploader.fn = func(upload.Request, upload.ProgressFunc) (upload.Result, error) {
		close(started)
		<-release
		return upload.Result{}, fmt.Errorf("send chunk: %w", context.Canceled)
	}
	rec := enqueue(t, h.engine, raw(10, 100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.ProcessQueue(ctx) }()
	<-started
	cancel()
	close(release)
	<-done

	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Zero(t, got.RetryCount)
	require.Empty(t, got.Error)
	require.False(t, h.engine.RetryScheduled(rec.ID))
	require.Empty(t, h.engine.GetUploadHistory(0))

	stored, err := h.store.Load(context.Background(), DefaultStateKey)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(stored, &doc))
	require.Equal(t, models.StatusPending, doc.Recordings[0].Status)
}

func TestLoadMissingStateKeepsDefaults(t *testing.T) {
	h := newHarness(t, manualSettings())
	require.NoError(t, h.engine.Load(context.Background()))
	require.Equal(t, manualSettings(), h.engine.Settings())
	require.Empty(t, h.engine.GetRecordings())
}

type failingStore struct{ state.Store }

func (failingStore) Save(context.Context, string, []byte) error { return errors.New("disk full") }

func TestEnqueueRollsBackWhenPersistFails(t *testing.T) {
	e, err := NewEngine(Options{
		State:    failingStore{state.NewMemoryStore()},
		Blobs:    &fakeBlobs{},
		Uploader: &fakeUploader{},
		Clock:    clockwork.NewFakeClock(),
		Settings: manualSettings(),
	})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Enqueue(context.Background(), raw(10, 100))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "disk full"))
	require.Empty(t, e.GetRecordings())
}

func TestSubscribeReceivesProgress(t *testing.T) {
	h := newHarness(t, manualSettings())
	h.uploader.fn = func(req upload.Request, onProgress upload.ProgressFunc) (upload.Result, error) {
		onProgress(models.UploadProgress{Loaded: 50, Total: 100, Percentage: 50})
		cu, ok := h.engine.CurrentUpload()
		require.True(t, ok)
		require.Equal(t, req.RecordingID, cu.RecordingID)
		require.Equal(t, 50.0, cu.Progress.Percentage)
		return upload.Result{Success: true}, nil
	}
	updates, cancel := h.engine.Subscribe()
	defer cancel()

	rec := enqueue(t, h.engine, raw(10, 100))
	require.NoError(t, h.engine.ProcessQueue(context.Background()))

	// Latest value wins: the pass has finished, so the engine reports idle.
	last := <-updates
	require.Empty(t, last.RecordingID)
	_, inFlight := h.engine.CurrentUpload()
	require.False(t, inFlight)
	got, _ := h.engine.GetRecording(rec.ID)
	require.Equal(t, models.StatusCompleted, got.Status)
}

func TestGetRecordingsByFilter(t *testing.T) {
	h := newHarness(t, manualSettings())
	enqueue(t, h.engine, raw(10, 100))
	enqueue(t, h.engine, raw(90, 6_000_000))
	other := raw(40, 2_000_000)
	other.SessionID = "session-2"
	enqueue(t, h.engine, other)

	low := h.engine.GetRecordingsByFilter(models.RecordingFilter{Priorities: []models.Priority{models.PriorityLow}})
	require.Len(t, low, 1)
	s2 := h.engine.GetRecordingsByFilter(models.RecordingFilter{SessionID: "session-2"})
	require.Len(t, s2, 1)
	require.Equal(t, models.PriorityNormal, s2[0].Priority)
	require.Len(t, h.engine.GetRecordingsByStatus(models.StatusPending), 3)
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{})
	require.Error(t, err)
	_, err = NewEngine(Options{State: state.NewMemoryStore(), Blobs: &fakeBlobs{}, Uploader: &fakeUploader{}, Settings: models.QueueSettings{MaxRetries: 3}})
	require.ErrorIs(t, err, ErrInvalidSettings)
}
