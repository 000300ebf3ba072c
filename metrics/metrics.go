// Package metrics provides hooks for observing sync cycles on the client and
// store traffic on the relay.
package metrics

import "time"

// Collector provides hooks for collecting mailbox metrics
type Collector interface {
	// RecordSyncDuration records how long a sync cycle or request took
	RecordSyncDuration(operation string, duration time.Duration)

	// RecordSyncItems records the number of items pulled and pushed
	RecordSyncItems(pulled, pushed int)

	// RecordSyncErrors records failures by operation and error code
	RecordSyncErrors(operation string, errorType string)

	// RecordStored records how many blobs a relay stored and how many it
	// skipped as duplicates
	RecordStored(stored, skipped int)

	// RecordCleanup records how many expired blobs were removed
	RecordCleanup(removed int)
}

// NoOp is a default implementation that does nothing
type NoOp struct{}

func (NoOp) RecordSyncDuration(operation string, duration time.Duration) {}
func (NoOp) RecordSyncItems(pulled, pushed int)                          {}
func (NoOp) RecordSyncErrors(operation string, errorType string)         {}
func (NoOp) RecordStored(stored, skipped int)                            {}
func (NoOp) RecordCleanup(removed int)                                   {}
