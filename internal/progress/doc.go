// Package progress defines the event structures emitted by the clip
// generation driver and consumed by the broadcast hub and clients.
package progress
