// Package transport holds the remote stores recordings are uploaded to.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"recording-upload-queue/internal/logging"
	"recording-upload-queue/internal/upload"
)

// ErrTokenExpired is returned before any request is sent with a stale bearer token.
var ErrTokenExpired = errors.New("upload token expired")

const maxErrorBody = 4 << 10

// HTTP talks to the backend upload API:
//
//	POST   /uploads                     open a chunked session
//	PUT    /uploads/{id}/chunks/{n}     store chunk n
//	POST   /uploads/{id}/complete       assemble
//	DELETE /uploads/{id}                abort
//	POST   /recordings                  single-request upload
type HTTP struct {
	baseURL string
	token   string
	client  *http.Client
	logger  logging.Logger
	now     func() time.Time
}

func NewHTTP(baseURL, token string, client *http.Client, logger logging.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

type completeBody struct {
	Parts []upload.Part `json:"parts"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *HTTP) InitializeUpload(ctx context.Context, req upload.InitializeRequest) (upload.InitializeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return upload.InitializeResponse{}, fmt.Errorf("encode initialize request: %w", err)
	}
	var out upload.InitializeResponse
	if err := h.do(ctx, http.MethodPost, "/uploads", bytes.NewReader(body), map[string]string{
		"Content-Type": "application/json",
	}, &out); err != nil {
		return upload.InitializeResponse{}, err
	}
	if out.UploadID == "" {
		return upload.InitializeResponse{}, upload.NewError(upload.CodeInitializationFailed, "server returned no upload id", nil)
	}
	return out, nil
}

func (h *HTTP) UploadChunk(ctx context.Context, chunk upload.Chunk) (upload.Part, error) {
	path := fmt.Sprintf("/uploads/%s/chunks/%d", url.PathEscape(chunk.UploadID), chunk.ChunkNumber)
	var out upload.Part
	if err := h.do(ctx, http.MethodPut, path, bytes.NewReader(chunk.Data), map[string]string{
		"Content-Type":   "application/octet-stream",
		"X-Chunk-Offset": strconv.FormatInt(chunk.Offset, 10),
		"X-Chunk-Last":   strconv.FormatBool(chunk.IsLast),
	}, &out); err != nil {
		return upload.Part{}, err
	}
	if out.ChunkNumber == 0 {
		out.ChunkNumber = chunk.ChunkNumber
	}
	return out, nil
}

func (h *HTTP) CompleteUpload(ctx context.Context, uploadID string, parts []upload.Part) (upload.CompleteResponse, error) {
	body, err := json.Marshal(completeBody{Parts: parts})
	if err != nil {
		return upload.CompleteResponse{}, fmt.Errorf("encode complete request: %w", err)
	}
	var out upload.CompleteResponse
	err = h.do(ctx, http.MethodPost, "/uploads/"+url.PathEscape(uploadID)+"/complete", bytes.NewReader(body), map[string]string{
		"Content-Type": "application/json",
	}, &out)
	return out, err
}

func (h *HTTP) AbortUpload(ctx context.Context, uploadID string) error {
	return h.do(ctx, http.MethodDelete, "/uploads/"+url.PathEscape(uploadID), nil, nil, nil)
}

func (h *HTTP) DirectUpload(ctx context.Context, req upload.DirectRequest) (upload.DirectResponse, error) {
	headers := map[string]string{
		"Content-Type":       req.MimeType,
		"X-Session-ID":       req.SessionID,
		"X-File-Name":        req.FileName,
		"X-Duration-Seconds": strconv.FormatFloat(req.DurationSeconds, 'f', -1, 64),
	}
	if !req.RecordedAt.IsZero() {
		headers["X-Recorded-At"] = req.RecordedAt.UTC().Format(time.RFC3339)
	}
	var out upload.DirectResponse
	err := h.do(ctx, http.MethodPost, "/recordings", bytes.NewReader(req.Data), headers, &out)
	return out, err
}

// checkToken refuses to send a JWT whose exp is in the past. Opaque tokens
// are passed through untouched.
func (h *HTTP) checkToken() error {
	if h.token == "" || strings.Count(h.token, ".") != 2 {
		return nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(h.token, &claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !h.now().Before(exp.Time) {
		return upload.NewError(upload.CodeUnauthorized, "bearer token expired at "+exp.Time.UTC().Format(time.RFC3339), ErrTokenExpired)
	}
	return nil
}

func (h *HTTP) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string, out any) error {
	if err := h.checkToken(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return upload.Classify(err, upload.CodeNetworkError)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		h.logger.Debug(ctx, "upload api rejected request", "method", method, "path", path, "status", resp.StatusCode, "error", msg)
		return upload.StatusError(resp.StatusCode, msg)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return upload.NewError(upload.CodeServerError, "decode response", err)
	}
	return nil
}
