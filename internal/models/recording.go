package models

import (
	"errors"
	"fmt"
	"time"
)

// RecordingStatus enumerates lifecycle states of a queued recording.
type RecordingStatus string

const (
	StatusPending   RecordingStatus = "pending"
	StatusUploading RecordingStatus = "uploading"
	StatusCompleted RecordingStatus = "completed"
	StatusFailed    RecordingStatus = "failed"
)

// Valid reports whether s is a known status.
func (s RecordingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Priority orders pending recordings inside a processing pass.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority onto a sortable integer, higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// RawRecording is what a recording session hands to the queue.
type RawRecording struct {
	SessionID       string    `json:"sessionId"`
	AudioURI        string    `json:"audioUri"`
	DurationSeconds float64   `json:"durationSeconds"`
	FileSizeBytes   int64     `json:"fileSizeBytes"`
	RecordedAt      time.Time `json:"recordedAt"`
}

// Validate checks that every field is present and non-negative.
func (r RawRecording) Validate() error {
	var errs []error
	if r.SessionID == "" {
		errs = append(errs, errors.New("sessionId is required"))
	}
	if r.AudioURI == "" {
		errs = append(errs, errors.New("audioUri is required"))
	}
	if r.DurationSeconds < 0 {
		errs = append(errs, fmt.Errorf("durationSeconds must be >= 0, got %v", r.DurationSeconds))
	}
	if r.FileSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("fileSizeBytes must be >= 0, got %d", r.FileSizeBytes))
	}
	if r.RecordedAt.IsZero() {
		errs = append(errs, errors.New("recordedAt is required"))
	}
	return errors.Join(errs...)
}

// QueuedRecording is one local audio artifact awaiting or undergoing upload.
type QueuedRecording struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"sessionId"`
	AudioURI         string          `json:"audioUri"`
	DurationSeconds  float64         `json:"durationSeconds"`
	FileSizeBytes    int64           `json:"fileSizeBytes"`
	RecordedAt       time.Time       `json:"recordedAt"`
	EnqueuedAt       time.Time       `json:"enqueuedAt"`
	Status           RecordingStatus `json:"status"`
	Priority         Priority        `json:"priority"`
	RetryCount       int             `json:"retryCount"`
	MaxRetries       int             `json:"maxRetries"`
	LastAttempt      *time.Time      `json:"lastAttempt,omitempty"`
	NextRetryAt      *time.Time      `json:"nextRetryAt,omitempty"` // set while waiting out a backoff
	Error            string          `json:"error,omitempty"`
	UploadDurationMs *int64          `json:"uploadDurationMs,omitempty"`
	DreamID          string          `json:"dreamId,omitempty"`
}

// IsTerminal reports whether no automatic transition can follow.
func (r QueuedRecording) IsTerminal() bool {
	return r.Status == StatusCompleted || (r.Status == StatusFailed && r.RetryCount >= r.MaxRetries)
}

// UploadHistoryEntry is an append-only audit row for one upload attempt.
type UploadHistoryEntry struct {
	RecordingID   string    `json:"recordingId"`
	Timestamp     time.Time `json:"timestamp"`
	Success       bool      `json:"success"`
	DurationMs    int64     `json:"durationMs"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	Error         string    `json:"error,omitempty"`
}

// ChunkedUploadSession exists only while a chunked upload is in flight.
type ChunkedUploadSession struct {
	UploadID             string    `json:"uploadId"`
	SessionID            string    `json:"sessionId"`
	TotalSizeBytes       int64     `json:"totalSizeBytes"`
	ChunkSizeBytes       int64     `json:"chunkSizeBytes"`
	TotalChunks          int       `json:"totalChunks"`
	UploadedChunkNumbers []int     `json:"uploadedChunkNumbers"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
	ExpiresAt            time.Time `json:"expiresAt"`
}

// UploadMetrics are per-upload counters used for speed reporting.
type UploadMetrics struct {
	StartedAt      time.Time
	BytesUploaded  int64
	TotalBytes     int64
	ChunksUploaded int
	ChunkRetries   int
}

// UploadProgress is reported to subscribers while a file is being sent.
type UploadProgress struct {
	Loaded     int64   `json:"loaded"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
	Speed      float64 `json:"speed"` // bytes per second
}

// CurrentUpload pairs the in-flight recording with its latest progress.
type CurrentUpload struct {
	RecordingID string         `json:"recordingId"`
	Progress    UploadProgress `json:"progress"`
}

// QueueSettings are the user-tunable knobs persisted with the queue.
type QueueSettings struct {
	MaxRetries       int  `json:"maxRetries"`
	BatchSize        int  `json:"batchSize"`
	WifiOnlyMode     bool `json:"wifiOnlyMode"`
	AutoRetryEnabled bool `json:"autoRetryEnabled"`
}

// DefaultSettings mirrors what a fresh install starts with.
func DefaultSettings() QueueSettings {
	return QueueSettings{
		MaxRetries:       3,
		BatchSize:        3,
		WifiOnlyMode:     false,
		AutoRetryEnabled: true,
	}
}

// Validate bounds the numeric settings.
func (s QueueSettings) Validate() error {
	if s.MaxRetries < 0 || s.MaxRetries > 20 {
		return fmt.Errorf("maxRetries must be within 0..20, got %d", s.MaxRetries)
	}
	if s.BatchSize < 1 || s.BatchSize > 10 {
		return fmt.Errorf("batchSize must be within 1..10, got %d", s.BatchSize)
	}
	return nil
}

// QueueStats summarizes the queue and its upload history.
type QueueStats struct {
	Pending               int     `json:"pending"`
	Uploading             int     `json:"uploading"`
	Completed             int     `json:"completed"`
	Failed                int     `json:"failed"`
	Total                 int     `json:"total"`
	TotalSizeBytes        int64   `json:"totalSizeBytes"`
	TotalPendingSizeBytes int64   `json:"totalPendingSizeBytes"`
	AverageUploadTimeMs   float64 `json:"averageUploadTime"`
	SuccessRate           float64 `json:"successRate"`
}

// RecordingFilter selects recordings; empty fields match everything.
type RecordingFilter struct {
	Statuses       []RecordingStatus
	Priorities     []Priority
	SessionID      string
	RecordedAfter  *time.Time
	RecordedBefore *time.Time
}

// Match reports whether r passes every populated criterion.
func (f RecordingFilter) Match(r QueuedRecording) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, r.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !contains(f.Priorities, r.Priority) {
		return false
	}
	if f.SessionID != "" && f.SessionID != r.SessionID {
		return false
	}
	if f.RecordedAfter != nil && r.RecordedAt.Before(*f.RecordedAfter) {
		return false
	}
	if f.RecordedBefore != nil && r.RecordedAt.After(*f.RecordedBefore) {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}
