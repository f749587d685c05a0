package agent

// CountersReader is the shared-memory counters abstraction the agent reads
// from — the leader's commit-position counter (named in a BackupResponse)
// and the local archive's recording-position counter (found by session id
// once a replay/recording starts). Assumed correct per spec.md §1; the
// agent only ever polls it, never blocks on it.
type CountersReader interface {
	// FindRecordingPositionCounterID resolves the counter id tracking replay
	// progress for the given local recording session, or reports it is not
	// yet registered.
	FindRecordingPositionCounterID(sessionID int64) (counterID int32, found bool)

	// Value returns the current value of counterID and whether the counter
	// is still available. A counter that existed on a prior call and now
	// reports unavailable has disappeared — the agent treats that as a
	// liveness failure (spec.md §4.11, §7 ResourceUnavailable).
	Value(counterID int32) (value int64, available bool)
}
