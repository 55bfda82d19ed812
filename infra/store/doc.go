// Package store persists orders and challenges in pebble.
//
// Documents are JSON. Each conditional write (insert-if-absent,
// compare-and-set status, consume) reads and commits under a lock
// covering its key, so two writers racing on the same document cannot
// both succeed.
package store
