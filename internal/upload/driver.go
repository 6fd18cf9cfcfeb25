package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"recording-upload-queue/internal/logging"
	"recording-upload-queue/internal/models"
	"recording-upload-queue/internal/network"
	"recording-upload-queue/internal/telemetry"
)

const directProgressSteps = 10

// Request identifies one recording to send.
type Request struct {
	RecordingID     string
	SessionID       string
	AudioURI        string
	FileSizeBytes   int64
	DurationSeconds float64
	RecordedAt      time.Time
}

// Result describes a finished upload.
type Result struct {
	Success            bool
	DreamID            string
	FinalURL           string
	UploadDurationMs   int64
	FinalFileSizeBytes int64
	Strategy           Strategy
}

// ProgressFunc receives progress snapshots. It must not block.
type ProgressFunc func(models.UploadProgress)

// DriverOptions wires a Driver. Zero values take defaults.
type DriverOptions struct {
	Transport      Transport
	Source         RecordingSource
	Strategist     *Strategist
	Network        network.Observer
	Logger         logging.Logger
	RetryAttempts  int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
	MimeType       string
	Clock          clockwork.Clock
}

// Driver carries one recording from local storage to the transport. It keeps
// no state between uploads.
type Driver struct {
	transport      Transport
	source         RecordingSource
	strategist     *Strategist
	network        network.Observer
	logger         logging.Logger
	retryAttempts  int
	retryBaseDelay time.Duration
	timeout        time.Duration
	mimeType       string
	clock          clockwork.Clock
}

func NewDriver(opts DriverOptions) *Driver {
	d := &Driver{
		transport:      opts.Transport,
		source:         opts.Source,
		strategist:     opts.Strategist,
		network:        opts.Network,
		logger:         opts.Logger,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		timeout:        opts.Timeout,
		mimeType:       opts.MimeType,
		clock:          opts.Clock,
	}
	if d.strategist == nil {
		d.strategist = NewStrategist(StrategistConfig{})
	}
	if d.logger == nil {
		d.logger = logging.Nop()
	}
	if d.retryAttempts <= 0 {
		d.retryAttempts = 3
	}
	if d.retryBaseDelay <= 0 {
		d.retryBaseDelay = time.Second
	}
	if d.timeout <= 0 {
		d.timeout = time.Minute
	}
	if d.mimeType == "" {
		d.mimeType = "audio/mp4"
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	return d
}

func (d *Driver) condition() models.NetworkCondition {
	if d.network != nil {
		return d.network.Current()
	}
	return d.strategist.NetworkCondition()
}

// Upload sends the recording using the strategy its size calls for.
func (d *Driver) Upload(ctx context.Context, req Request, onProgress ProgressFunc) (Result, error) {
	if onProgress == nil {
		onProgress = func(models.UploadProgress) {}
	}
	size, err := d.source.Size(ctx, req.AudioURI)
	if err != nil {
		return Result{}, Classify(err, CodeFileMissing)
	}

	strategy := d.strategist.SelectStrategy(size)
	log := d.logger.With("recording_id", req.RecordingID, "strategy", string(strategy), "size_bytes", size)
	log.Debug(ctx, "starting upload")

	start := d.clock.Now()
	var res Result
	if strategy == StrategyDirect {
		res, err = d.uploadDirect(ctx, req, size, onProgress)
	} else {
		res, err = d.uploadChunked(ctx, req, size, strategy == StrategyAdaptive, log, onProgress)
	}
	if err != nil {
		return Result{Strategy: strategy}, err
	}
	res.Success = true
	res.Strategy = strategy
	res.FinalFileSizeBytes = size
	res.UploadDurationMs = d.clock.Since(start).Milliseconds()
	telemetry.BytesUploaded.Add(float64(size))
	return res, nil
}

func (d *Driver) uploadDirect(ctx context.Context, req Request, size int64, onProgress ProgressFunc) (Result, error) {
	data, err := d.source.ReadAll(ctx, req.AudioURI)
	if err != nil {
		return Result{}, Classify(err, CodeFileMissing)
	}
	size = int64(len(data))
	for step := 1; step < directProgressSteps; step++ {
		onProgress(progressOf(size*int64(step)/directProgressSteps, size, 0))
	}

	params := d.strategist.Parameters(d.condition(), size)
	callCtx, cancel := context.WithTimeout(ctx, d.scaledTimeout(params))
	defer cancel()

	resp, err := d.transport.DirectUpload(callCtx, DirectRequest{
		SessionID:       req.SessionID,
		FileName:        fileName(req),
		MimeType:        d.mimeType,
		DurationSeconds: req.DurationSeconds,
		RecordedAt:      req.RecordedAt,
		Data:            data,
	})
	if err != nil {
		return Result{}, Classify(err, CodeUnknown)
	}
	onProgress(progressOf(size, size, 0))
	return Result{DreamID: resp.DreamID, FinalURL: resp.FinalURL}, nil
}

func (d *Driver) uploadChunked(ctx context.Context, req Request, size int64, adaptive bool, log logging.Logger, onProgress ProgressFunc) (Result, error) {
	params := d.strategist.Parameters(d.condition(), size)
	timeout := d.scaledTimeout(params)

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	init, err := d.transport.InitializeUpload(initCtx, InitializeRequest{
		SessionID:       req.SessionID,
		FileName:        fileName(req),
		FileSizeBytes:   size,
		MimeType:        d.mimeType,
		DurationSeconds: req.DurationSeconds,
		RecordedAt:      req.RecordedAt,
		ChunkSize:       params.ChunkSize,
	})
	cancel()
	if err != nil {
		return Result{}, &Error{
			Code:      CodeInitializationFailed,
			Message:   "could not open upload session",
			Retryable: IsRetryable(err),
			Err:       err,
		}
	}

	chunkSize := init.ChunkSize
	if chunkSize <= 0 {
		chunkSize = params.ChunkSize
	}
	session := models.ChunkedUploadSession{
		UploadID:       init.UploadID,
		SessionID:      req.SessionID,
		TotalSizeBytes: size,
		ChunkSizeBytes: chunkSize,
		TotalChunks:    chunkCount(size, chunkSize),
		Status:         "uploading",
		CreatedAt:      d.clock.Now(),
		ExpiresAt:      init.ExpiresAt,
	}
	metrics := models.UploadMetrics{StartedAt: d.clock.Now(), TotalBytes: size}
	log = log.With("upload_id", session.UploadID)

	var parts []Part
	var offset int64
	for chunkNumber := 1; offset < size; chunkNumber++ {
		if adaptive && chunkNumber > 1 {
			params = d.strategist.Parameters(d.condition(), size)
			timeout = d.scaledTimeout(params)
			if params.ChunkSize != chunkSize {
				log.Debug(ctx, "chunk size adjusted", "from", chunkSize, "to", params.ChunkSize)
				chunkSize = params.ChunkSize
				session.ChunkSizeBytes = chunkSize
				session.TotalChunks = len(parts) + chunkCount(size-offset, chunkSize)
			}
		}

		length := min(chunkSize, size-offset)
		data, err := d.source.ReadRange(ctx, req.AudioURI, offset, length)
		if err == nil && int64(len(data)) < length {
			err = fmt.Errorf("recording truncated at offset %d", offset+int64(len(data)))
		}
		if err != nil {
			d.abort(ctx, log, session.UploadID)
			ue := Classify(err, CodeFileMissing)
			ue.ChunkNumber = chunkNumber
			ue.UploadID = session.UploadID
			return Result{}, ue
		}

		chunk := Chunk{
			UploadID:    session.UploadID,
			ChunkNumber: chunkNumber,
			Offset:      offset,
			Data:        data,
			IsLast:      offset+length >= size,
		}
		part, err := d.sendChunk(ctx, chunk, timeout, &metrics, log)
		if err != nil {
			d.abort(ctx, log, session.UploadID)
			return Result{}, err
		}

		parts = append(parts, part)
		session.UploadedChunkNumbers = append(session.UploadedChunkNumbers, chunkNumber)
		offset += length
		metrics.BytesUploaded = offset
		metrics.ChunksUploaded++
		onProgress(progressOf(offset, size, speed(metrics.BytesUploaded, d.clock.Since(metrics.StartedAt))))
	}

	completeCtx, cancel := context.WithTimeout(ctx, timeout)
	done, err := d.transport.CompleteUpload(completeCtx, session.UploadID, parts)
	cancel()
	if err != nil {
		d.abort(ctx, log, session.UploadID)
		return Result{}, &Error{
			Code:      CodeCompletionFailed,
			Message:   "could not finalize upload",
			Retryable: IsRetryable(err),
			UploadID:  session.UploadID,
			Err:       err,
		}
	}
	log.Debug(ctx, "chunked upload finalized", "chunks", metrics.ChunksUploaded, "chunk_retries", metrics.ChunkRetries)
	return Result{DreamID: done.DreamID, FinalURL: done.FinalURL}, nil
}

// sendChunk uploads one chunk, retrying errors classified as retryable after
// retryBaseDelay, then twice that, and so on. Waits run on the driver clock.
func (d *Driver) sendChunk(ctx context.Context, chunk Chunk, timeout time.Duration, metrics *models.UploadMetrics, log logging.Logger) (Part, error) {
	backoff := retry.WithMaxRetries(uint64(d.retryAttempts-1), retry.NewExponential(d.retryBaseDelay))

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			metrics.ChunkRetries++
			telemetry.ChunkRetries.Inc()
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		part, err := d.transport.UploadChunk(callCtx, chunk)
		cancel()
		if err == nil {
			if part.ChunkNumber == 0 {
				part.ChunkNumber = chunk.ChunkNumber
			}
			return part, nil
		}
		log.Warn(ctx, "chunk upload failed", "chunk", chunk.ChunkNumber, "attempt", attempt, "error", err)

		retryable := IsRetryable(err)
		if retryable {
			if delay, stop := backoff.Next(); !stop && d.wait(ctx, delay) == nil {
				continue
			}
		}
		return Part{}, &Error{
			Code:        CodeChunkFailed,
			Message:     fmt.Sprintf("gave up after %d attempts", attempt),
			Retryable:   retryable && !errors.Is(ctx.Err(), context.Canceled),
			ChunkNumber: chunk.ChunkNumber,
			UploadID:    chunk.UploadID,
			Err:         err,
		}
	}
}

func (d *Driver) wait(ctx context.Context, delay time.Duration) error {
	select {
	case <-d.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) abort(ctx context.Context, log logging.Logger, uploadID string) {
	if uploadID == "" {
		return
	}
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.transport.AbortUpload(abortCtx, uploadID); err != nil {
		log.Warn(ctx, "abort upload failed", "error", err)
	}
}

func (d *Driver) scaledTimeout(p Params) time.Duration {
	mult := p.TimeoutMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(d.timeout) * mult)
}

func fileName(req Request) string {
	name := path.Base(req.AudioURI)
	if name == "." || name == "/" || name == "" {
		return req.RecordingID + ".m4a"
	}
	return name
}

func chunkCount(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func progressOf(loaded, total int64, bytesPerSec float64) models.UploadProgress {
	pct := 100.0
	if total > 0 {
		pct = float64(loaded) / float64(total) * 100
	}
	return models.UploadProgress{Loaded: loaded, Total: total, Percentage: pct, Speed: bytesPerSec}
}

func speed(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
