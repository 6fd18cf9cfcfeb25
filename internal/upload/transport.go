package upload

import (
	"context"
	"time"
)

// InitializeRequest opens a chunked upload session.
type InitializeRequest struct {
	SessionID       string    `json:"sessionId"`
	FileName        string    `json:"fileName"`
	FileSizeBytes   int64     `json:"fileSize"`
	MimeType        string    `json:"mimeType"`
	DurationSeconds float64   `json:"duration"`
	RecordedAt      time.Time `json:"recordedAt"`
	ChunkSize       int64     `json:"chunkSize"`
}

// InitializeResponse carries the server-side session parameters. The server
// may override the requested chunk size.
type InitializeResponse struct {
	UploadID    string    `json:"uploadId"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Chunk is one byte range of the recording. ChunkNumber starts at 1.
type Chunk struct {
	UploadID    string
	ChunkNumber int
	Offset      int64
	Data        []byte
	IsLast      bool
}

// Part acknowledges a stored chunk.
type Part struct {
	ChunkNumber int    `json:"chunkNumber"`
	ETag        string `json:"etag"`
}

// CompleteResponse describes the assembled remote object.
type CompleteResponse struct {
	DreamID          string `json:"dreamId"`
	FinalURL         string `json:"finalUrl"`
	ProcessingStatus string `json:"processingStatus"`
}

// DirectRequest uploads a small recording in one request.
type DirectRequest struct {
	SessionID       string
	FileName        string
	MimeType        string
	DurationSeconds float64
	RecordedAt      time.Time
	Data            []byte
}

// DirectResponse describes the stored object.
type DirectResponse struct {
	DreamID  string `json:"dreamId"`
	FinalURL string `json:"finalUrl"`
}

// Transport is the remote store. Implementations return *Error where they can
// classify a failure.
type Transport interface {
	InitializeUpload(ctx context.Context, req InitializeRequest) (InitializeResponse, error)
	UploadChunk(ctx context.Context, chunk Chunk) (Part, error)
	CompleteUpload(ctx context.Context, uploadID string, parts []Part) (CompleteResponse, error)
	AbortUpload(ctx context.Context, uploadID string) error
	DirectUpload(ctx context.Context, req DirectRequest) (DirectResponse, error)
}

// RecordingSource reads local audio blobs.
type RecordingSource interface {
	Size(ctx context.Context, uri string) (int64, error)
	ReadRange(ctx context.Context, uri string, offset, length int64) ([]byte, error)
	ReadAll(ctx context.Context, uri string) ([]byte, error)
}
