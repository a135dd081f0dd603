// Package bus distributes island and team events across control-plane
// processes over Redis pub/sub and fans them out to connected websocket
// clients.
package bus
