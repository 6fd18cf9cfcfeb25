package upload

import (
	"sync"
	"time"

	"recording-upload-queue/internal/models"
)

// Strategy is how a recording is sent to the remote store.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyChunked  Strategy = "chunked"
	StrategyAdaptive Strategy = "adaptive"
)

// Params tune a single upload for the current network. The Driver applies
// ChunkSize and TimeoutMultiplier; the queue checks ShouldPause between
// recordings.
type Params struct {
	ChunkSize int64 `json:"chunkSize"`
	// ConcurrentChunks and RetryDelay are advisory. The Driver sends chunks
	// one at a time and backs off from DriverOptions.RetryBaseDelay; they are
	// reported for callers that surface the chosen plan.
	ConcurrentChunks  int           `json:"concurrentChunks"`
	RetryDelay        time.Duration `json:"retryDelay"`
	TimeoutMultiplier float64       `json:"timeoutMultiplier"`
	ShouldPause       bool          `json:"shouldPause"`
}

// StrategistConfig sets the size thresholds. Zero values take defaults.
type StrategistConfig struct {
	BaseChunkSize   int64
	MinChunkSize    int64
	MaxChunkSize    int64
	DirectMaxSize   int64
	AdaptiveMinSize int64
}

const (
	DefaultBaseChunkSize   int64 = 1 << 20
	DefaultMinChunkSize    int64 = 256 << 10
	DefaultMaxChunkSize    int64 = 5 << 20
	DefaultDirectMaxSize   int64 = 1 << 20
	DefaultAdaptiveMinSize int64 = 10 << 20
)

// Strategist picks an upload strategy and its parameters. It is a pure
// function of its inputs apart from the last pushed network condition.
type Strategist struct {
	cfg StrategistConfig

	mu   sync.RWMutex
	cond models.NetworkCondition
}

func NewStrategist(cfg StrategistConfig) *Strategist {
	if cfg.BaseChunkSize <= 0 {
		cfg.BaseChunkSize = DefaultBaseChunkSize
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = DefaultMinChunkSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.MaxChunkSize < cfg.MinChunkSize {
		cfg.MaxChunkSize = cfg.MinChunkSize
	}
	if cfg.DirectMaxSize <= 0 {
		cfg.DirectMaxSize = DefaultDirectMaxSize
	}
	if cfg.AdaptiveMinSize <= 0 {
		cfg.AdaptiveMinSize = DefaultAdaptiveMinSize
	}
	return &Strategist{cfg: cfg, cond: models.DefaultNetworkCondition()}
}

// SetNetworkCondition stores the snapshot used when no observer is wired.
func (s *Strategist) SetNetworkCondition(cond models.NetworkCondition) {
	s.mu.Lock()
	s.cond = cond
	s.mu.Unlock()
}

func (s *Strategist) NetworkCondition() models.NetworkCondition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cond
}

// SelectStrategy bands by size: small files go in one request, large files
// re-derive their chunk size as the network changes.
func (s *Strategist) SelectStrategy(fileSizeBytes int64) Strategy {
	switch {
	case fileSizeBytes < s.cfg.DirectMaxSize:
		return StrategyDirect
	case fileSizeBytes > s.cfg.AdaptiveMinSize:
		return StrategyAdaptive
	default:
		return StrategyChunked
	}
}

// Parameters derives chunk size, concurrency, retry delay and timeout scale.
func (s *Strategist) Parameters(cond models.NetworkCondition, fileSizeBytes int64) Params {
	base := s.cfg.BaseChunkSize
	var p Params
	switch cond.Quality {
	case models.QualityExcellent:
		p = Params{ChunkSize: base * 2, ConcurrentChunks: 3, RetryDelay: 500 * time.Millisecond, TimeoutMultiplier: 1}
	case models.QualityFair:
		p = Params{ChunkSize: base / 2, ConcurrentChunks: 1, RetryDelay: 2 * time.Second, TimeoutMultiplier: 1.5}
	case models.QualityPoor:
		p = Params{ChunkSize: s.cfg.MinChunkSize, ConcurrentChunks: 1, RetryDelay: 5 * time.Second, TimeoutMultiplier: 2}
	default:
		p = Params{ChunkSize: base, ConcurrentChunks: 2, RetryDelay: time.Second, TimeoutMultiplier: 1}
	}

	if cond.Type == models.NetworkCellular && cond.IsMetered {
		p.ChunkSize /= 2
		p.RetryDelay *= 2
		p.ConcurrentChunks = 1
	}
	if fileSizeBytes > s.cfg.AdaptiveMinSize && cond.Quality == models.QualityPoor {
		p.ChunkSize = s.cfg.MinChunkSize
	}
	p.ChunkSize = clamp(p.ChunkSize, s.cfg.MinChunkSize, s.cfg.MaxChunkSize)
	p.ShouldPause = cond.Type == models.NetworkUnknown && cond.Quality == models.QualityPoor
	return p
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
