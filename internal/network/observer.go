// Package network supplies the current connection snapshot consulted by the
// queue and the upload strategist.
package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"recording-upload-queue/internal/logging"
	"recording-upload-queue/internal/models"
)

// Observer reports the latest known network condition.
type Observer interface {
	Current() models.NetworkCondition
}

// Manual holds a snapshot pushed in from outside (API, CLI flags, tests).
type Manual struct {
	mu   sync.RWMutex
	cond models.NetworkCondition
}

func NewManual(cond models.NetworkCondition) *Manual {
	return &Manual{cond: cond}
}

func (m *Manual) Current() models.NetworkCondition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cond
}

func (m *Manual) Set(cond models.NetworkCondition) error {
	if err := cond.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cond = cond
	m.mu.Unlock()
	return nil
}

// QualityFromRTT buckets a round trip time.
func QualityFromRTT(rtt time.Duration) models.NetworkQuality {
	switch {
	case rtt < 150*time.Millisecond:
		return models.QualityExcellent
	case rtt < 400*time.Millisecond:
		return models.QualityGood
	case rtt < time.Second:
		return models.QualityFair
	default:
		return models.QualityPoor
	}
}

// Prober measures quality by timing HEAD requests against a fixed URL. The
// link type and metering come from configuration since they cannot be
// observed portably.
type Prober struct {
	url       string
	linkType  models.NetworkType
	metered   bool
	interval  time.Duration
	client    *http.Client
	logger    logging.Logger
	onChange  func(models.NetworkCondition)
	mu        sync.RWMutex
	cond      models.NetworkCondition
	lastProbe time.Time
}

// NewProber builds a prober. A zero interval defaults to 15s.
func NewProber(url string, linkType models.NetworkType, metered bool, interval time.Duration, logger logging.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{
		url:      url,
		linkType: linkType,
		metered:  metered,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		cond:     models.NetworkCondition{Type: linkType, Quality: models.QualityGood, IsMetered: metered},
	}
}

// OnChange registers a callback fired when the measured condition changes.
func (p *Prober) OnChange(fn func(models.NetworkCondition)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Prober) Current() models.NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cond
}

// Probe performs one measurement and updates the snapshot.
func (p *Prober) Probe(ctx context.Context) models.NetworkCondition {
	cond := models.NetworkCondition{Type: p.linkType, IsMetered: p.metered}
	rtt, err := p.roundTrip(ctx)
	if err != nil {
		p.logger.Warn(ctx, "network probe failed", "url", p.url, "error", err)
		cond.Type = models.NetworkUnknown
		cond.Quality = models.QualityPoor
	} else {
		cond.Quality = QualityFromRTT(rtt)
	}

	p.mu.Lock()
	changed := cond != p.cond
	p.cond = cond
	p.lastProbe = time.Now()
	fn := p.onChange
	p.mu.Unlock()

	if changed {
		p.logger.Info(ctx, "network condition changed", "type", cond.Type, "quality", cond.Quality, "metered", cond.IsMetered)
		if fn != nil {
			fn(cond)
		}
	}
	return cond
}

func (p *Prober) roundTrip(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
