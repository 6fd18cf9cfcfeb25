package queue

import (
	"slices"

	"recording-upload-queue/internal/models"
)

func (e *Engine) GetRecording(id string) (models.QueuedRecording, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.indexLocked(id)
	if idx < 0 {
		return models.QueuedRecording{}, false
	}
	return cloneRecording(e.recordings[idx]), true
}

// GetRecordings returns every recording in enqueue order.
func (e *Engine) GetRecordings() []models.QueuedRecording {
	return e.GetRecordingsByFilter(models.RecordingFilter{})
}

func (e *Engine) GetRecordingsByStatus(status models.RecordingStatus) []models.QueuedRecording {
	return e.GetRecordingsByFilter(models.RecordingFilter{Statuses: []models.RecordingStatus{status}})
}

func (e *Engine) GetRecordingsByFilter(filter models.RecordingFilter) []models.QueuedRecording {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.QueuedRecording, 0, len(e.recordings))
	for _, r := range e.recordings {
		if filter.Match(r) {
			out = append(out, cloneRecording(r))
		}
	}
	return out
}

// GetUploadHistory returns up to limit entries, most recent first. A
// non-positive limit returns everything retained.
func (e *Engine) GetUploadHistory(limit int) []models.UploadHistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.UploadHistoryEntry, 0, n)
	for i := len(e.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// GetQueueStats counts recordings per status and summarizes history.
func (e *Engine) GetQueueStats() models.QueueStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var st models.QueueStats
	for _, r := range e.recordings {
		switch r.Status {
		case models.StatusPending:
			st.Pending++
			st.TotalPendingSizeBytes += r.FileSizeBytes
		case models.StatusUploading:
			st.Uploading++
		case models.StatusCompleted:
			st.Completed++
		case models.StatusFailed:
			st.Failed++
		}
		st.TotalSizeBytes += r.FileSizeBytes
	}
	st.Total = len(e.recordings)

	if len(e.history) == 0 {
		return st
	}
	successes := slices.DeleteFunc(slices.Clone(e.history), func(h models.UploadHistoryEntry) bool { return !h.Success })
	if len(successes) > 0 {
		var total int64
		for _, h := range successes {
			total += h.DurationMs
		}
		st.AverageUploadTimeMs = float64(total) / float64(len(successes))
	}
	st.SuccessRate = float64(len(successes)) / float64(len(e.history))
	return st
}
