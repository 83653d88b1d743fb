// Package hub fans progress events out to the live push connections of
// each owner, falling back to a single-slot last-value store when no
// connection is open.
package hub
