// Package pool provides a bounded goroutine pool, used to dispatch event bus
// handlers, and typed object pools such as the buffers that encode stream broadcasts.
package pool
