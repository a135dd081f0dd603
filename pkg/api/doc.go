// Package api exposes the kernel over HTTP and fans events out to
// websocket clients.
package api
