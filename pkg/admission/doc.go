// Package admission drains the creation and start queues under the
// running-cap gate.
package admission
