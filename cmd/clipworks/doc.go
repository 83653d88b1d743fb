// Package main hosts the clip progress service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job management, and the websocket push endpoint.
//     Job submissions are validated and handed to the driver; the /progress endpoints serve the hub's last-value
//     snapshots for clients that fall back to polling.
//   - Driver: internal/driver launches the clip generation child process per job, parses the PROGRESS lines it
//     prints on stdout, publishes each event to the hub, and records lifecycle transitions in Postgres through
//     the retry layer. One job runs per owner at a time; cancellation kills the child via context.
//   - Push hub: internal/hub keeps a per-owner registry of websocket connections under one coarse mutex, which
//     also guarantees publish-order delivery. Connections whose writes fail are pruned and closed; with no
//     connection open, events land in the last-value store so a later poll still observes them.
//   - Reliability: internal/retryq retries each persistence operation with exponential backoff, classifies
//     errors as retryable or permanent, and keeps a bounded in-process replay queue for operations that
//     exhausted their inline attempts. A background scheduler drains and prunes the queue; it is explicitly
//     not durable across restarts.
//   - Estimation: internal/estimator maintains per-owner processing statistics with exponential smoothing and
//     a confidence score, feeding completion-time estimates to the client layer and the /progress stats
//     endpoint. Idle sessions are swept hourly.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus collectors are exported via the /metrics handler.
//
// Operational notes:
//   - Shutdown is coordinated via signal.NotifyContext: the HTTP server drains, running jobs are cancelled,
//     and the replay scheduler stops after its in-flight tick.
//   - Run locally: go run ./cmd/clipworks -config config.yaml (or rely solely on CLIPWORKS_* env overrides).
package main
