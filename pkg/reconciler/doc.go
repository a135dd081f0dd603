// Package reconciler corrects divergence between the database's view
// of islands and the hypervisor's at process startup.
package reconciler
