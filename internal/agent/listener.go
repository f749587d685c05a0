package agent

import (
	"github.com/relaykeep/backup-agent/internal/cluster"
	"github.com/relaykeep/backup-agent/internal/recordinglog"
)

// EventsListener observes the agent's duty cycle. It is optional; a nil
// listener (or NoOpListener) disables all notifications. Implementations
// must not panic or block — a misbehaving listener must never be able to
// reach back into the agent's own control flow.
type EventsListener interface {
	OnBackupQuery(correlationID int64)
	OnBackupResponse(members []cluster.Member, leaderMemberID int32, snapshotsToRetrieve []recordinglog.Snapshot)
	OnUpdatedRecordingLog()
	OnLiveLogProgress(position int64)
	OnPossibleFailure(err error)
}

// NoOpListener implements EventsListener with no-op hooks.
type NoOpListener struct{}

func (NoOpListener) OnBackupQuery(int64)                                                      {}
func (NoOpListener) OnBackupResponse([]cluster.Member, int32, []recordinglog.Snapshot)         {}
func (NoOpListener) OnUpdatedRecordingLog()                                                    {}
func (NoOpListener) OnLiveLogProgress(int64)                                                   {}
func (NoOpListener) OnPossibleFailure(error)                                                   {}
