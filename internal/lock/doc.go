// Package lock provides distributed advisory locks with bounded hold times,
// used where a read-then-write sequence spans several records and a single
// conditional update cannot express it.
package lock
