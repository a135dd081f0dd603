// Package store persists the control-plane state in a relational
// database via GORM.
package store
