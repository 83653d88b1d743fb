package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/whatsthattune/clipworks/internal/hub"
	"github.com/whatsthattune/clipworks/internal/progress"
)

// Transport is one live push connection seen from the client side.
type Transport interface {
	ReadFrame() (hub.Frame, error)
	Close() error
}

// Dialer opens a Transport for an owner. Tests inject fakes; production
// uses WSDialer.
type Dialer interface {
	Dial(ctx context.Context, ownerID string) (Transport, error)
}

// SnapshotFetcher reads and clears the hub's last-value store over HTTP.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, ownerID string) (progress.Event, bool, error)
	Clear(ctx context.Context, ownerID string) error
}

// WSDialer dials the hub's websocket endpoint.
type WSDialer struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080".
	BaseURL string
	// Dialer overrides websocket.DefaultDialer when set.
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, ownerID string) (Transport, error) {
	endpoint := fmt.Sprintf("%s/ws?owner_id=%s",
		strings.TrimRight(d.BaseURL, "/"), url.QueryEscape(ownerID))
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame() (hub.Frame, error) {
	var frame hub.Frame
	if err := t.conn.ReadJSON(&frame); err != nil {
		return hub.Frame{}, fmt.Errorf("read frame: %w", err)
	}
	return frame, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// HTTPSnapshots fetches last-value snapshots from the fallback endpoint.
type HTTPSnapshots struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// Client overrides http.DefaultClient when set.
	Client *http.Client
}

func (s *HTTPSnapshots) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSnapshots) endpoint(ownerID string) string {
	return fmt.Sprintf("%s/progress/%s",
		strings.TrimRight(s.BaseURL, "/"), url.PathEscape(ownerID))
}

// Fetch implements SnapshotFetcher. A 404 means no snapshot is recorded.
func (s *HTTPSnapshots) Fetch(ctx context.Context, ownerID string) (progress.Event, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(ownerID), nil)
	if err != nil {
		return progress.Event{}, false, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return progress.Event{}, false, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		var evt progress.Event
		if err := json.NewDecoder(resp.Body).Decode(&evt); err != nil {
			return progress.Event{}, false, fmt.Errorf("decode snapshot: %w", err)
		}
		return evt, true, nil
	case http.StatusNotFound:
		return progress.Event{}, false, nil
	default:
		return progress.Event{}, false, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}
}

// Clear implements SnapshotFetcher; used fire-and-forget after completion.
func (s *HTTPSnapshots) Clear(ctx context.Context, ownerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.endpoint(ownerID), nil)
	if err != nil {
		return fmt.Errorf("build clear request: %w", err)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("clear snapshot: unexpected status %d", resp.StatusCode)
	}
	return nil
}
