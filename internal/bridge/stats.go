package bridge

import "sync/atomic"

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	// Requests read from the host and queued for the transport.
	Requests uint64
	// Responses framed and written to the host.
	Responses uint64
	// InvalidFrames dropped because of a bad length prefix.
	InvalidFrames uint64
	// SkippedBytes discarded while resynchronising.
	SkippedBytes uint64
	// FailedWrites to the transport; those requests got no Signal.
	FailedWrites uint64
	// Unanswered requests: the read timed out, returned nothing or failed.
	Unanswered uint64
}

type counters struct {
	requests      atomic.Uint64
	responses     atomic.Uint64
	invalidFrames atomic.Uint64
	skippedBytes  atomic.Uint64
	failedWrites  atomic.Uint64
	unanswered    atomic.Uint64
}

// Stats returns the current counters. Safe to call while Run is active.
func (b *Bridge) Stats() Stats {
	return Stats{
		Requests:      b.stats.requests.Load(),
		Responses:     b.stats.responses.Load(),
		InvalidFrames: b.stats.invalidFrames.Load(),
		SkippedBytes:  b.stats.skippedBytes.Load(),
		FailedWrites:  b.stats.failedWrites.Load(),
		Unanswered:    b.stats.unanswered.Load(),
	}
}
