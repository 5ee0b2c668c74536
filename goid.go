package relock

import (
	"github.com/petermattis/goid"
)

// gid returns the id of the calling goroutine.
//
// The runtime assigns ids monotonically and never reuses them, so an id is a
// stable identity key for as long as the goroutine lives. Unlike a pointer
// to a goroutine-bound object, holding one keeps nothing alive.
// All per-goroutine bookkeeping in this package (exclusive ownership, read
// hold counters) is keyed on it.
//
// Ids are strictly positive; 0 is reserved as the "no goroutine" sentinel.
func gid() int64 {
	return goid.Get()
}
