// Package driver talks to the container hypervisor. The only production
// implementation speaks the LXD REST API over its unix socket.
package driver
