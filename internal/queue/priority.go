package queue

import "recording-upload-queue/internal/models"

const (
	shortRecordingSeconds = 30
	smallRecordingBytes   = 1 << 20
	largeRecordingBytes   = 5 << 20
)

// ClassifyPriority favors short or small recordings so they never wait behind
// large ones.
func ClassifyPriority(durationSeconds float64, fileSizeBytes int64) models.Priority {
	switch {
	case durationSeconds < shortRecordingSeconds:
		return models.PriorityHigh
	case fileSizeBytes < smallRecordingBytes:
		return models.PriorityHigh
	case fileSizeBytes > largeRecordingBytes:
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}
