// Package types defines the core data model shared across the control plane:
// islands, teams, admission and update queue entries, and their status enums.
package types
