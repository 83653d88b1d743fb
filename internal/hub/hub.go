package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whatsthattune/clipworks/internal/clock"
	"github.com/whatsthattune/clipworks/internal/clock/system"
	"github.com/whatsthattune/clipworks/internal/metrics"
	"github.com/whatsthattune/clipworks/internal/progress"
)

// Frame types sent over a push connection.
const (
	FrameConnectionEstablished = "connection_established"
	FrameProgressUpdate        = "progress_update"
	FrameError                 = "error"
)

// Frame is the server-to-client message envelope.
type Frame struct {
	Type    string          `json:"type"`
	OwnerID string          `json:"owner_id,omitempty"`
	Data    *progress.Event `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	TS      time.Time       `json:"timestamp"`
}

// Conn is one live push connection. The transport layer owns I/O; the Hub
// owns registry membership for the lifetime of the connection.
type Conn interface {
	WriteFrame(frame Frame) error
	Close() error
}

// Hub is the per-owner connection registry. All registry mutation happens
// under one coarse mutex, which also serializes writes so events for an
// owner reach each of its connections in publish order. Expected
// cardinality is one registry entry per concurrently active user session.
type Hub struct {
	mu        sync.Mutex
	conns     map[string]map[Conn]struct{}
	snapshots *SnapshotStore
	clk       clock.Clock
	logger    *zap.Logger
}

// New constructs a Hub around the given last-value store.
func New(snapshots *SnapshotStore, clk clock.Clock, logger *zap.Logger) *Hub {
	if snapshots == nil {
		snapshots = NewSnapshotStore()
	}
	if clk == nil {
		clk = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:     make(map[string]map[Conn]struct{}),
		snapshots: snapshots,
		clk:       clk,
		logger:    logger,
	}
}

// Snapshots exposes the last-value store for the fallback polling
// endpoints.
func (h *Hub) Snapshots() *SnapshotStore {
	return h.snapshots
}

// Subscribe registers a newly accepted connection under ownerID and sends
// the connection-established acknowledgment. A failed ack write leaves the
// connection unregistered.
func (h *Hub) Subscribe(ownerID string, conn Conn) error {
	ack := Frame{
		Type:    FrameConnectionEstablished,
		OwnerID: ownerID,
		TS:      h.clk.Now(),
	}
	if err := conn.WriteFrame(ack); err != nil {
		return err
	}
	h.mu.Lock()
	set, ok := h.conns[ownerID]
	if !ok {
		set = make(map[Conn]struct{})
		h.conns[ownerID] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()
	metrics.IncActiveConnections()
	h.logger.Debug("push connection subscribed", zap.String("owner_id", ownerID))
	return nil
}

// Unsubscribe removes the connection; the registry entry is deleted once
// its set becomes empty. Safe to call for a connection that was already
// removed.
func (h *Hub) Unsubscribe(ownerID string, conn Conn) {
	h.mu.Lock()
	set, ok := h.conns[ownerID]
	if ok {
		if _, member := set[conn]; member {
			delete(set, conn)
			metrics.DecActiveConnections()
		}
		if len(set) == 0 {
			delete(h.conns, ownerID)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("push connection unsubscribed", zap.String("owner_id", ownerID))
}

// Publish delivers the event to every open connection of the owner, in
// publish order. Connections whose write fails are pruned from the
// registry and closed. With no connection open the event lands in the
// last-value store instead, so a later poll still observes it. Publish is
// best-effort and never returns an error to the caller.
func (h *Hub) Publish(ownerID string, evt progress.Event) {
	frame := Frame{
		Type:    FrameProgressUpdate,
		OwnerID: ownerID,
		Data:    &evt,
		TS:      h.clk.Now(),
	}
	h.deliver(ownerID, frame, evt)
}

// PublishError delivers an error frame to the owner's connections. Error
// frames are transient and never written to the last-value store.
func (h *Hub) PublishError(ownerID, message string) {
	frame := Frame{
		Type:    FrameError,
		OwnerID: ownerID,
		Error:   message,
		TS:      h.clk.Now(),
	}
	h.mu.Lock()
	failed := h.broadcastLocked(ownerID, frame)
	h.mu.Unlock()
	h.closeAll(failed)
}

func (h *Hub) deliver(ownerID string, frame Frame, evt progress.Event) {
	h.mu.Lock()
	if len(h.conns[ownerID]) == 0 {
		h.mu.Unlock()
		h.snapshots.Set(ownerID, evt)
		metrics.ObservePublish(string(evt.Kind), "snapshot")
		return
	}
	failed := h.broadcastLocked(ownerID, frame)
	delivered := len(h.conns[ownerID])
	h.mu.Unlock()
	h.closeAll(failed)

	// Every write failed: nothing saw the event live, so it lands in the
	// last-value store like any other offline publish.
	if delivered == 0 {
		h.snapshots.Set(ownerID, evt)
		metrics.ObservePublish(string(evt.Kind), "snapshot")
		return
	}
	metrics.ObservePublish(string(evt.Kind), "live")
}

// broadcastLocked writes the frame to each connection of the owner and
// prunes the ones whose write fails. Caller holds h.mu.
func (h *Hub) broadcastLocked(ownerID string, frame Frame) []Conn {
	set := h.conns[ownerID]
	var failed []Conn
	for conn := range set {
		if err := conn.WriteFrame(frame); err != nil {
			h.logger.Warn("push write failed, pruning connection",
				zap.String("owner_id", ownerID),
				zap.Error(err),
			)
			delete(set, conn)
			metrics.DecActiveConnections()
			failed = append(failed, conn)
		}
	}
	if len(set) == 0 {
		delete(h.conns, ownerID)
	}
	return failed
}

func (h *Hub) closeAll(conns []Conn) {
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// ConnectionCount reports the number of open connections for one owner.
func (h *Hub) ConnectionCount(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[ownerID])
}

// Close drops every registered connection. Clients observe a transport
// close and fall back to polling or reconnect.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []Conn
	for ownerID, set := range h.conns {
		for conn := range set {
			all = append(all, conn)
			metrics.DecActiveConnections()
		}
		delete(h.conns, ownerID)
	}
	h.mu.Unlock()
	h.closeAll(all)
}
