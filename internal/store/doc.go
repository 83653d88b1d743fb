// Package store declares the persistence operations the clip pipeline must
// eventually apply, and a Postgres implementation of the applier.
package store
