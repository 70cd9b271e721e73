// Package softmap provides SoftMap, a memory-sensitive associative cache
// for values that are expensive to derive but cheap to lose, such as
// decoded bitmaps.
//
// Each value sits in a cell that holds it both strongly (a pin) and
// through a weak pointer. Dropping the pin hands the value to the garbage
// collector; once it is collected a runtime cleanup queues a notice, and
// the next map operation reaps the entry. Reaping removes an entry only if
// the table still holds the very cell the notice was issued for, so a
// fresh value stored under the same key is never lost to a late notice.
//
// Pins are dropped by explicit policy rather than by the collector alone:
// Release, ReleaseAll, TrimTo, WithPinLimit, or a PressureMonitor that
// watches the heap. Reclaim removes a value deterministically.
//
// # Concurrency
//
// Each operation is atomic with respect to the entry table, so a
// PressureMonitor or Loader may run alongside callers. Sequences of
// operations are not: a value returned by Get may be reclaimed right
// after it is released, and Entries followed by SetValue can interleave
// with other writers. Callers that need compound atomicity must hold
// their own lock around the SoftMap.
package softmap
