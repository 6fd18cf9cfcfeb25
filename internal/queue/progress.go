package queue

import "recording-upload-queue/internal/models"

// CurrentUpload returns the in-flight recording and its latest progress.
func (e *Engine) CurrentUpload() (models.CurrentUpload, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return models.CurrentUpload{}, false
	}
	return *e.current, true
}

// Subscribe streams progress snapshots. Slow readers only see the latest
// value. An empty RecordingID means the engine went idle. The channel is
// closed by the returned cancel func or by Close.
func (e *Engine) Subscribe() (<-chan models.CurrentUpload, func()) {
	ch := make(chan models.CurrentUpload, 1)
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()

	cancel := func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
	}
	return ch, cancel
}

func (e *Engine) setProgress(id string, p models.UploadProgress) {
	e.mu.Lock()
	if e.current == nil || e.current.RecordingID != id {
		e.mu.Unlock()
		return
	}
	e.current.Progress = p
	snap := *e.current
	e.mu.Unlock()
	e.publish(snap)
}

func (e *Engine) publish(cu models.CurrentUpload) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- cu:
			continue
		default:
		}
		// Drop the stale value so the newest one fits.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cu:
		default:
		}
	}
}
