package agent

// State is one of the backup agent's seven steady states plus the
// always-reachable RESET_BACKUP recovery state.
type State int

const (
	StateInit State = iota
	StateBackupQuery
	StateSnapshotLengthRetrieve
	StateSnapshotRetrieve
	StateLiveLogReplay
	StateUpdateRecordingLog
	StateBackingUp
	StateResetBackup
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBackupQuery:
		return "BACKUP_QUERY"
	case StateSnapshotLengthRetrieve:
		return "SNAPSHOT_LENGTH_RETRIEVE"
	case StateSnapshotRetrieve:
		return "SNAPSHOT_RETRIEVE"
	case StateLiveLogReplay:
		return "LIVE_LOG_REPLAY"
	case StateUpdateRecordingLog:
		return "UPDATE_RECORDING_LOG"
	case StateBackingUp:
		return "BACKING_UP"
	case StateResetBackup:
		return "RESET_BACKUP"
	default:
		return "UNKNOWN"
	}
}
