package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"

	"recording-upload-queue/internal/logging"
	"recording-upload-queue/internal/upload"
)

// S3Config locates the bucket recordings are stored in.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
	// Static credentials; empty falls back to the default AWS chain.
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client. Checksums are only sent where S3 demands
// them so S3-compatible stores without trailer support keep working.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}

// S3 stores each chunk as its own object under uploads/{id}/ and merges them
// into the final key on completion. Chunks smaller than the 5 MiB multipart
// minimum are therefore fine.
type S3 struct {
	client    *s3.Client
	bucket    string
	prefix    string
	sessionTT time.Duration
	logger    logging.Logger
	now       func() time.Time
}

func NewS3(client *s3.Client, bucket, prefix string, logger logging.Logger) *S3 {
	if logger == nil {
		logger = logging.Nop()
	}
	return &S3{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		sessionTT: 24 * time.Hour,
		logger:    logger,
		now:       time.Now,
	}
}

type s3Manifest struct {
	FinalKey        string    `json:"finalKey"`
	SessionID       string    `json:"sessionId"`
	MimeType        string    `json:"mimeType"`
	FileSizeBytes   int64     `json:"fileSizeBytes"`
	DurationSeconds float64   `json:"durationSeconds"`
	RecordedAt      time.Time `json:"recordedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func (s *S3) key(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *S3) uploadPrefix(uploadID string) string {
	return s.key("uploads", uploadID) + "/"
}

func (s *S3) finalKey(sessionID, id, fileName string) string {
	if sessionID == "" {
		sessionID = "unsorted"
	}
	return s.key("recordings", sessionID, id+"-"+path.Base(fileName))
}

func (s *S3) objectURL(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func (s *S3) InitializeUpload(ctx context.Context, req upload.InitializeRequest) (upload.InitializeResponse, error) {
	if req.ChunkSize <= 0 {
		return upload.InitializeResponse{}, upload.NewError(upload.CodeInitializationFailed, "chunk size must be positive", nil)
	}
	id := uuid.NewString()
	expires := s.now().Add(s.sessionTT).UTC()
	manifest := s3Manifest{
		FinalKey:        s.finalKey(req.SessionID, id, req.FileName),
		SessionID:       req.SessionID,
		MimeType:        req.MimeType,
		FileSizeBytes:   req.FileSizeBytes,
		DurationSeconds: req.DurationSeconds,
		RecordedAt:      req.RecordedAt,
		ExpiresAt:       expires,
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return upload.InitializeResponse{}, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.uploadPrefix(id) + "manifest.json"),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	}); err != nil {
		return upload.InitializeResponse{}, classifyS3(err, upload.CodeInitializationFailed)
	}

	total := int((req.FileSizeBytes + req.ChunkSize - 1) / req.ChunkSize)
	s.logger.Debug(ctx, "s3 upload session opened", "upload_id", id, "final_key", manifest.FinalKey, "total_chunks", total)
	return upload.InitializeResponse{
		UploadID:    id,
		ChunkSize:   req.ChunkSize,
		TotalChunks: total,
		ExpiresAt:   expires,
	}, nil
}

func (s *S3) UploadChunk(ctx context.Context, chunk upload.Chunk) (upload.Part, error) {
	key := fmt.Sprintf("%schunk_%d", s.uploadPrefix(chunk.UploadID), chunk.ChunkNumber)
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(chunk.Data),
		ContentLength: aws.Int64(int64(len(chunk.Data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return upload.Part{}, classifyS3(err, upload.CodeChunkFailed)
	}
	return upload.Part{ChunkNumber: chunk.ChunkNumber, ETag: strings.Trim(aws.ToString(out.ETag), `"`)}, nil
}

// CompleteUpload merges the chunk objects in order, writes the final object
// and drops the session prefix.
func (s *S3) CompleteUpload(ctx context.Context, uploadID string, parts []upload.Part) (upload.CompleteResponse, error) {
	prefix := s.uploadPrefix(uploadID)
	manifest, err := s.readManifest(ctx, uploadID)
	if err != nil {
		return upload.CompleteResponse{}, err
	}

	chunks, err := s.listChunks(ctx, prefix)
	if err != nil {
		return upload.CompleteResponse{}, classifyS3(err, upload.CodeCompletionFailed)
	}
	if len(chunks) != len(parts) {
		return upload.CompleteResponse{}, upload.NewError(upload.CodeChecksumMismatch,
			fmt.Sprintf("expected %d chunks, found %d", len(parts), len(chunks)), nil)
	}

	var buf bytes.Buffer
	for i, obj := range chunks {
		if want := parts[i].ETag; want != "" && strings.Trim(aws.ToString(obj.ETag), `"`) != want {
			return upload.CompleteResponse{}, upload.NewError(upload.CodeChecksumMismatch,
				fmt.Sprintf("chunk %d etag mismatch", parts[i].ChunkNumber), nil)
		}
		if err := s.appendObject(ctx, &buf, aws.ToString(obj.Key)); err != nil {
			return upload.CompleteResponse{}, classifyS3(err, upload.CodeCompletionFailed)
		}
	}
	if manifest.FileSizeBytes > 0 && int64(buf.Len()) != manifest.FileSizeBytes {
		return upload.CompleteResponse{}, upload.NewError(upload.CodeChecksumMismatch,
			fmt.Sprintf("assembled %d bytes, expected %d", buf.Len(), manifest.FileSizeBytes), nil)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(manifest.FinalKey),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String(manifest.MimeType),
		Metadata: map[string]string{
			"session-id":  manifest.SessionID,
			"duration":    strconv.FormatFloat(manifest.DurationSeconds, 'f', -1, 64),
			"recorded-at": manifest.RecordedAt.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return upload.CompleteResponse{}, classifyS3(err, upload.CodeCompletionFailed)
	}
	s.logger.Info(ctx, "s3 upload assembled", "upload_id", uploadID, "final_key", manifest.FinalKey, "chunks", len(chunks), "bytes", buf.Len())

	if err := s.deletePrefix(ctx, prefix); err != nil {
		s.logger.Warn(ctx, "delete chunk objects failed", "upload_id", uploadID, "error", err)
	}
	return upload.CompleteResponse{
		DreamID:          uploadID,
		FinalURL:         s.objectURL(manifest.FinalKey),
		ProcessingStatus: "stored",
	}, nil
}

// AbortUpload removes every object of the session. Unknown ids are a no-op.
func (s *S3) AbortUpload(ctx context.Context, uploadID string) error {
	if uploadID == "" {
		return errors.New("upload id cannot be empty")
	}
	if err := s.deletePrefix(ctx, s.uploadPrefix(uploadID)); err != nil {
		return classifyS3(err, upload.CodeUnknown)
	}
	return nil
}

func (s *S3) DirectUpload(ctx context.Context, req upload.DirectRequest) (upload.DirectResponse, error) {
	id := uuid.NewString()
	key := s.finalKey(req.SessionID, id, req.FileName)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(req.Data),
		ContentLength: aws.Int64(int64(len(req.Data))),
		ContentType:   aws.String(req.MimeType),
		Metadata: map[string]string{
			"session-id":  req.SessionID,
			"duration":    strconv.FormatFloat(req.DurationSeconds, 'f', -1, 64),
			"recorded-at": req.RecordedAt.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return upload.DirectResponse{}, classifyS3(err, upload.CodeUnknown)
	}
	return upload.DirectResponse{DreamID: id, FinalURL: s.objectURL(key)}, nil
}

func (s *S3) readManifest(ctx context.Context, uploadID string) (s3Manifest, error) {
	var buf bytes.Buffer
	if err := s.appendObject(ctx, &buf, s.uploadPrefix(uploadID)+"manifest.json"); err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return s3Manifest{}, upload.NewError(upload.CodeUploadExpired, "unknown upload "+uploadID, err)
		}
		return s3Manifest{}, classifyS3(err, upload.CodeCompletionFailed)
	}
	var m s3Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return s3Manifest{}, upload.NewError(upload.CodeCompletionFailed, "corrupt manifest", err)
	}
	if !m.ExpiresAt.IsZero() && s.now().After(m.ExpiresAt) {
		return s3Manifest{}, upload.NewError(upload.CodeUploadExpired, "upload session expired", nil)
	}
	return m, nil
}

func (s *S3) appendObject(ctx context.Context, w io.Writer, key string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return nil
}

func (s *S3) listChunks(ctx context.Context, prefix string) ([]types.Object, error) {
	var chunks []types.Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list chunks: %w", err)
		}
		for _, obj := range page.Contents {
			if chunkIndex(aws.ToString(obj.Key)) > 0 {
				chunks = append(chunks, obj)
			}
		}
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunkIndex(aws.ToString(chunks[i].Key)) < chunkIndex(aws.ToString(chunks[j].Key))
	})
	return chunks, nil
}

// chunkIndex parses keys like uploads/{id}/chunk_3; anything else is 0.
func chunkIndex(key string) int {
	_, after, ok := strings.Cut(path.Base(key), "chunk_")
	if !ok {
		return 0
	}
	i, err := strconv.Atoi(after)
	if err != nil {
		return 0
	}
	return i
}

func (s *S3) deletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" || prefix == "/" {
		return errors.New("prefix cannot be empty")
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects for deletion: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
		deleted += len(objects)
	}
	s.logger.Debug(ctx, "deleted upload prefix", "prefix", prefix, "objects", deleted)
	return nil
}

// classifyS3 maps SDK failures onto upload error codes.
func classifyS3(err error, fallback upload.Code) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout", "RequestTimeTooSkewed":
			return upload.NewError(upload.CodeServerError, apiErr.ErrorMessage(), err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return upload.NewError(upload.CodeUnauthorized, apiErr.ErrorMessage(), err)
		case "EntityTooLarge", "QuotaExceeded":
			return upload.NewError(upload.CodeQuotaExceeded, apiErr.ErrorMessage(), err)
		case "NoSuchUpload":
			return upload.NewError(upload.CodeUploadExpired, apiErr.ErrorMessage(), err)
		case "BadDigest", "InvalidDigest":
			return upload.NewError(upload.CodeChecksumMismatch, apiErr.ErrorMessage(), err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			ue := upload.StatusError(status, respErr.Error())
			ue.Err = err
			return ue
		}
	}
	return upload.Classify(err, fallback)
}
