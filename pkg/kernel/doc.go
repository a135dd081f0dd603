// Package kernel implements the island lifecycle state machine and the
// operations the API and workers drive it with.
package kernel
