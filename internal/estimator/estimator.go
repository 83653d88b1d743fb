// Package estimator keeps per-owner processing statistics and an adaptive
// completion-time estimate smoothed over noisy per-item timings.
package estimator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whatsthattune/clipworks/internal/clock"
	"github.com/whatsthattune/clipworks/internal/clock/system"
	"github.com/whatsthattune/clipworks/internal/metrics"
	"github.com/whatsthattune/clipworks/internal/progress"
)

// Config controls smoothing and session lifecycle.
//   - Alpha: exponential smoothing factor (default 0.3).
//   - MinSamples: accepted samples before smoothing kicks in; below this
//     the raw instantaneous value is used directly (default 3).
//   - MaxIdle: sessions untouched for this long are swept (default 1h).
//   - SweepInterval: background sweep cadence (default 5m).
type Config struct {
	Alpha         float64
	MinSamples    int
	MaxIdle       time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

const (
	defaultAlpha         = 0.3
	defaultMinSamples    = 3
	defaultMaxIdle       = time.Hour
	defaultSweepInterval = 5 * time.Minute

	confidenceSampleCap = 10
	confidenceFloor     = 0.5
	confidenceDecaySpan = 30 * time.Minute
)

// ProcessingStats is the running estimate for one owner's job. Rate and
// AverageTimePerItem are expressed in items per minute and minutes per
// item respectively.
type ProcessingStats struct {
	StartTime               time.Time      `json:"start_time"`
	CompletedCount          int64          `json:"completed_count"`
	TotalCount              progress.Total `json:"total_count"`
	AverageTimePerItem      float64        `json:"average_time_per_item_minutes"`
	Rate                    float64        `json:"rate_items_per_minute"`
	EstimatedCompletionTime time.Time      `json:"estimated_completion_time,omitzero"`
	Confidence              float64        `json:"confidence"`
}

type session struct {
	stats      ProcessingStats
	samples    int
	lastUpdate time.Time
}

// Tracker owns the per-owner sessions. Safe for concurrent use.
type Tracker struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = defaultAlpha
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = defaultMaxIdle
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
}

// UpdateStats folds one progress event into the owner's session and
// returns the refreshed stats. A session starts on the first event with
// Current == 0; until then, and for events whose Current does not strictly
// increase (duplicates or out-of-order delivery), the call is a no-op that
// returns the current stats, or nil when no session exists.
func (t *Tracker) UpdateStats(ownerID string, evt progress.Event) *ProcessingStats {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[ownerID]
	if !ok {
		if evt.Current != 0 {
			return nil
		}
		s = &session{
			stats: ProcessingStats{
				StartTime:  now,
				TotalCount: evt.Total,
			},
			lastUpdate: now,
		}
		t.sessions[ownerID] = s
		metrics.SetEstimatorSessions(len(t.sessions))
		out := s.stats
		return &out
	}

	// Duplicates and out-of-order deliveries leave the session untouched,
	// including its idle timer.
	if evt.Current <= s.stats.CompletedCount {
		out := s.stats
		return &out
	}
	if evt.Total.Known() {
		s.stats.TotalCount = evt.Total
	}

	elapsed := now.Sub(s.stats.StartTime).Minutes()
	if elapsed > 0 {
		instRate := float64(evt.Current) / elapsed
		instAvg := elapsed / float64(evt.Current)
		s.samples++
		if s.samples >= t.cfg.MinSamples {
			alpha := t.cfg.Alpha
			s.stats.Rate = s.stats.Rate*(1-alpha) + instRate*alpha
			s.stats.AverageTimePerItem = s.stats.AverageTimePerItem*(1-alpha) + instAvg*alpha
		} else {
			s.stats.Rate = instRate
			s.stats.AverageTimePerItem = instAvg
		}
	}
	s.stats.CompletedCount = evt.Current

	if s.stats.TotalCount.Known() && s.stats.Rate > 0 {
		remaining := float64(int64(s.stats.TotalCount)-s.stats.CompletedCount) / s.stats.Rate
		if remaining < 0 {
			remaining = 0
		}
		s.stats.EstimatedCompletionTime = now.Add(time.Duration(remaining * float64(time.Minute)))
	} else {
		s.stats.EstimatedCompletionTime = time.Time{}
	}

	s.stats.Confidence = confidence(s.stats.CompletedCount, now.Sub(s.stats.StartTime))
	s.lastUpdate = now
	out := s.stats
	return &out
}

// confidence combines a sample-count term with a recency decay: estimates
// are least trustworthy early, and sessions running long past their start
// are trusted less.
func confidence(completed int64, sinceStart time.Duration) float64 {
	sampleTerm := float64(completed) / confidenceSampleCap
	if sampleTerm > 1 {
		sampleTerm = 1
	}
	decay := 1 - sinceStart.Minutes()/confidenceDecaySpan.Minutes()
	if decay < confidenceFloor {
		decay = confidenceFloor
	}
	return sampleTerm * decay
}

// Stats returns a copy of the owner's current stats, if a session exists.
func (t *Tracker) Stats(ownerID string) (ProcessingStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[ownerID]
	if !ok {
		return ProcessingStats{}, false
	}
	return s.stats, true
}

// ClearSession drops the owner's session.
func (t *Tracker) ClearSession(ownerID string) {
	t.mu.Lock()
	delete(t.sessions, ownerID)
	n := len(t.sessions)
	t.mu.Unlock()
	metrics.SetEstimatorSessions(n)
}

// Sweep removes sessions idle past MaxIdle and returns how many were
// dropped.
func (t *Tracker) Sweep() int {
	now := t.clk.Now()
	t.mu.Lock()
	removed := 0
	for ownerID, s := range t.sessions {
		if now.Sub(s.lastUpdate) > t.cfg.MaxIdle {
			delete(t.sessions, ownerID)
			removed++
		}
	}
	n := len(t.sessions)
	t.mu.Unlock()
	metrics.SetEstimatorSessions(n)
	if removed > 0 {
		t.logger.Debug("swept idle estimator sessions", zap.Int("removed", removed))
	}
	return removed
}

// StartSweeper launches the periodic idle-session sweep. Idempotent; a
// second call replaces the running sweeper.
func (t *Tracker) StartSweeper() {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()
	t.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.sweepCancel = cancel
	t.sweepDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}

// StopSweeper halts the background sweep.
func (t *Tracker) StopSweeper() {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()
	t.stopLocked()
}

func (t *Tracker) stopLocked() {
	if t.sweepCancel == nil {
		return
	}
	t.sweepCancel()
	<-t.sweepDone
	t.sweepCancel = nil
	t.sweepDone = nil
}

// Close stops the sweeper and drops all sessions.
func (t *Tracker) Close() {
	t.StopSweeper()
	t.mu.Lock()
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	metrics.SetEstimatorSessions(0)
}
