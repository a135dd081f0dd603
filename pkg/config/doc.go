// Package config loads control-plane settings from environment variables.
package config
