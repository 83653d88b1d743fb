package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whatsthattune/clipworks/internal/clock"
	"github.com/whatsthattune/clipworks/internal/clock/system"
	"github.com/whatsthattune/clipworks/internal/estimator"
	"github.com/whatsthattune/clipworks/internal/hub"
	"github.com/whatsthattune/clipworks/internal/progress"
)

// ErrReconnectExhausted is surfaced once automatic reconnection gives up;
// only a fresh Connect call clears it.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted, manual reconnect required")

// State is the channel lifecycle phase.
type State string

// Channel states.
const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateReconnectExhausted State = "reconnect_exhausted"
)

// Health is a descriptive freshness classification consumed by the UI.
type Health string

// Health grades by time since the last accepted update.
const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthPoor      Health = "poor"
	HealthStale     Health = "stale"
)

// Update is a progress event enriched with the estimator's current stats.
type Update struct {
	Event progress.Event
	Stats *estimator.ProcessingStats
}

// Config controls reconnect and polling behavior.
//   - ReconnectInterval: delay before each reconnect attempt (default 3s).
//   - MaxReconnectAttempts: attempts before the terminal error state
//     (default 5).
//   - PollInterval: snapshot polling cadence while disconnected
//     (default 2s).
type Config struct {
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	PollInterval         time.Duration
	Clock                clock.Clock
	Logger               *zap.Logger
}

const (
	defaultReconnectInterval = 3 * time.Second
	defaultMaxReconnects     = 5
	defaultPollInterval      = 2 * time.Second
)

// Channel maintains one owner's push connection. All state transitions
// happen under one mutex; every timer callback re-checks the
// manual-disconnect flag so nothing resurrects after Disconnect.
type Channel struct {
	cfg       Config
	dialer    Dialer
	snapshots SnapshotFetcher
	est       *estimator.Tracker
	clk       clock.Clock
	logger    *zap.Logger

	mu             sync.Mutex
	ownerID        string
	state          State
	manual         bool
	attempts       int
	lastErr        error
	transport      Transport
	reconnectTimer *time.Timer
	pollCancel     context.CancelFunc
	current        *Update
	lastEventTS    time.Time
	lastUpdate     time.Time

	onUpdate func(Update)
	onState  func(State)
}

// NewChannel constructs a Channel. The estimator may be shared across
// channels; its session for the owner is cleared on Disconnect.
func NewChannel(cfg Config, dialer Dialer, snapshots SnapshotFetcher, est *estimator.Tracker) *Channel {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Channel{
		cfg:       cfg,
		dialer:    dialer,
		snapshots: snapshots,
		est:       est,
		clk:       cfg.Clock,
		logger:    cfg.Logger,
		state:     StateDisconnected,
		manual:    true,
	}
}

// OnUpdate registers the progress callback. Must be set before Connect.
func (c *Channel) OnUpdate(fn func(Update)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// OnStateChange registers the lifecycle callback. Must be set before
// Connect.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Connect opens the push connection for ownerID and arms the automatic
// reconnect/polling machinery. Calling Connect again acts as the manual
// reconnect affordance: it resets the attempt budget and clears any
// terminal error state.
func (c *Channel) Connect(ownerID string) error {
	c.mu.Lock()
	c.ownerID = ownerID
	c.manual = false
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()
	return c.dial()
}

func (c *Channel) dial() error {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return nil
	}
	c.cancelReconnectLocked()
	c.stopPollingLocked()
	// A repeated Connect replaces any live transport; closing the old one
	// here makes its read loop exit instead of feeding stale frames.
	old := c.transport
	c.transport = nil
	c.setStateLocked(StateConnecting)
	ownerID := c.ownerID
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	tr, err := c.dialer.Dial(context.Background(), ownerID)

	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		if err == nil {
			_ = tr.Close()
		}
		return nil
	}
	if err != nil {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.handleTransportDown(err)
		return err
	}
	c.transport = tr
	c.attempts = 0
	c.lastErr = nil
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(tr)
	return nil
}

func (c *Channel) readLoop(tr Transport) {
	for {
		frame, err := tr.ReadFrame()
		if err != nil {
			_ = tr.Close()
			c.mu.Lock()
			if c.transport != tr {
				// A newer connection already replaced this one.
				c.mu.Unlock()
				return
			}
			c.transport = nil
			c.setStateLocked(StateDisconnected)
			manual := c.manual
			c.mu.Unlock()
			if !manual {
				c.handleTransportDown(err)
			}
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Channel) handleFrame(frame hub.Frame) {
	switch frame.Type {
	case hub.FrameConnectionEstablished:
		c.logger.Debug("push connection established", zap.String("owner_id", frame.OwnerID))
	case hub.FrameProgressUpdate:
		if frame.Data != nil {
			c.processEvent(*frame.Data)
		}
	case hub.FrameError:
		c.logger.Warn("server reported error", zap.String("error", frame.Error))
	}
}

// handleTransportDown schedules a reconnect after the fixed interval, or
// transitions to the terminal error state once the attempt budget is
// spent. Polling starts either way so the UI keeps degrading gracefully
// instead of freezing.
func (c *Channel) handleTransportDown(err error) {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	ownerID := c.ownerID
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.lastErr = ErrReconnectExhausted
		c.startPollingLocked()
		c.setStateLocked(StateReconnectExhausted)
		c.mu.Unlock()
		c.logger.Warn("reconnect attempts exhausted", zap.String("owner_id", ownerID))
		return
	}
	c.attempts++
	attempt := c.attempts
	c.scheduleReconnectLocked()
	c.startPollingLocked()
	c.mu.Unlock()
	c.logger.Info("push connection lost, reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("in", c.cfg.ReconnectInterval),
		zap.Error(err),
	)
}

// scheduleReconnectLocked arms the single reconnect timer; a previously
// pending timer is cancelled first so only one is ever outstanding.
func (c *Channel) scheduleReconnectLocked() {
	c.cancelReconnectLocked()
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		c.mu.Lock()
		manual := c.manual
		c.mu.Unlock()
		if manual {
			return
		}
		_ = c.dial()
	})
}

func (c *Channel) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// startPollingLocked launches the snapshot polling loop if none is
// running. Polls are suppressed while connected or connecting.
func (c *Channel) startPollingLocked() {
	if c.pollCancel != nil || c.snapshots == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	ownerID := c.ownerID
	go c.pollLoop(ctx, ownerID)
}

func (c *Channel) stopPollingLocked() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
}

func (c *Channel) pollLoop(ctx context.Context, ownerID string) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			allowed := !c.manual && c.state != StateConnected && c.state != StateConnecting
			c.mu.Unlock()
			if !allowed {
				continue
			}
			evt, ok, err := c.snapshots.Fetch(ctx, ownerID)
			if err != nil {
				c.logger.Debug("snapshot poll failed", zap.Error(err))
				continue
			}
			if ok {
				c.processEvent(evt)
			}
		}
	}
}

// processEvent is the single processing path for live and polled events.
// Events whose timestamp does not advance are duplicates and dropped.
func (c *Channel) processEvent(evt progress.Event) {
	c.mu.Lock()
	if !c.lastEventTS.IsZero() && !evt.TS.After(c.lastEventTS) {
		c.mu.Unlock()
		return
	}
	c.lastEventTS = evt.TS
	ownerID := c.ownerID
	c.mu.Unlock()

	var stats *estimator.ProcessingStats
	if c.est != nil {
		stats = c.est.UpdateStats(ownerID, evt)
	}
	upd := Update{Event: evt, Stats: stats}

	c.mu.Lock()
	c.current = &upd
	c.lastUpdate = c.clk.Now()
	cb := c.onUpdate
	c.mu.Unlock()

	if cb != nil {
		cb(upd)
	}
	if evt.Terminal() && c.snapshots != nil {
		// Best-effort disposal of the server-side last-value slot.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.snapshots.Clear(ctx, ownerID); err != nil {
				c.logger.Debug("snapshot disposal failed", zap.Error(err))
			}
		}()
	}
}

// Disconnect is idempotent: it suppresses auto-reconnect, cancels any
// pending reconnect and poll timers, closes the transport, and clears
// local state including the estimator session.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	c.manual = true
	c.cancelReconnectLocked()
	c.stopPollingLocked()
	tr := c.transport
	c.transport = nil
	ownerID := c.ownerID
	c.attempts = 0
	c.current = nil
	c.lastEventTS = time.Time{}
	c.lastUpdate = time.Time{}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	if c.est != nil {
		c.est.ClearSession(ownerID)
	}
}

// State returns the current lifecycle phase.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the most recent transport error, or ErrReconnectExhausted
// in the terminal state.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Current returns the latest enriched update, if any has been received.
func (c *Channel) Current() (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Update{}, false
	}
	return *c.current, true
}

// Health classifies connection freshness by time since the last accepted
// update: under 5s is excellent, under 15s good, under 30s poor,
// otherwise stale.
func (c *Channel) Health() Health {
	c.mu.Lock()
	last := c.lastUpdate
	c.mu.Unlock()
	if last.IsZero() {
		return HealthStale
	}
	switch age := c.clk.Now().Sub(last); {
	case age < 5*time.Second:
		return HealthExcellent
	case age < 15*time.Second:
		return HealthGood
	case age < 30*time.Second:
		return HealthPoor
	default:
		return HealthStale
	}
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		// Callback runs outside the lock to keep re-entrancy safe.
		fn := c.onState
		go fn(s)
	}
}
