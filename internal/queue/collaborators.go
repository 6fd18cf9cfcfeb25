package queue

import (
	"context"

	"recording-upload-queue/internal/models"
	"recording-upload-queue/internal/upload"
)

// BlobStore is the local recording store as seen by the engine.
type BlobStore interface {
	Exists(ctx context.Context, uri string) (bool, error)
	Delete(ctx context.Context, uri string) error
}

// Uploader sends one recording. *upload.Driver satisfies it.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request, onProgress upload.ProgressFunc) (upload.Result, error)
}

// Notifier receives completed uploads and lifecycle audit events. Failures
// are logged by the engine and never change queue state.
type Notifier interface {
	RecordingUploaded(ctx context.Context, rec models.QueuedRecording) error
	AppendAudit(ctx context.Context, recordingID, event, detail string) error
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) RecordingUploaded(context.Context, models.QueuedRecording) error { return nil }
func (NopNotifier) AppendAudit(context.Context, string, string, string) error       { return nil }
