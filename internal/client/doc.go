// Package client maintains a push connection to the progress hub with
// bounded reconnection, degrading to snapshot polling while disconnected,
// and feeds accepted events through the adaptive time estimator.
package client
