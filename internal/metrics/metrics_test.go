package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestInitIdempotent registers collectors exactly once no matter how often
// Init runs.
func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	ObservePublish("progress", "live")
	ObservePublish("progress", "snapshot")
	IncActiveConnections()
	DecActiveConnections()
	ObserveAttempt("insert songs", "success")
	ObserveRecovery()
	SetQueueDepth(3)
	ObserveQueuedOutcome("replayed")
	SetEstimatorSessions(2)
	ObserveHTTPRequest("GET", "/progress/{owner_id}", 200, 5*time.Millisecond)
}

// TestHandlerServesExposition scrapes the registry over HTTP.
func TestHandlerServesExposition(t *testing.T) {
	ObservePublish("progress", "live")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "clipworks_progress_events_total")
}
