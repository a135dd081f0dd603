// Package updater applies queued fleet updates to islands, one at a
// time, with snapshot-based rollback.
package updater
