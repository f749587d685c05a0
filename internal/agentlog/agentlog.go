// Package agentlog adapts the agent's EventsListener capability interface
// onto a zap logger, the same separation the teacher keeps between a small
// collaborator interface (executor.LogSink) and its zap-backed production
// implementation in agent/cmd/agent/main.go's buildLogger.
package agentlog

import (
	"go.uber.org/zap"

	"github.com/relaykeep/backup-agent/internal/agent"
	"github.com/relaykeep/backup-agent/internal/cluster"
	"github.com/relaykeep/backup-agent/internal/recordinglog"
)

// ZapListener turns agent.EventsListener callbacks into structured log
// lines. The agent core never logs directly (spec.md §4.1); this is the
// one place those events become operator-visible text.
type ZapListener struct {
	logger *zap.Logger
}

// New returns a ZapListener logging under the "backup-agent" name.
func New(logger *zap.Logger) *ZapListener {
	return &ZapListener{logger: logger.Named("backup-agent")}
}

var _ agent.EventsListener = (*ZapListener)(nil)

func (l *ZapListener) OnBackupQuery(correlationID int64) {
	l.logger.Debug("backup query issued", zap.Int64("correlation_id", correlationID))
}

func (l *ZapListener) OnBackupResponse(members []cluster.Member, leaderMemberID int32, snapshotsToRetrieve []recordinglog.Snapshot) {
	l.logger.Info("backup response received",
		zap.Int("members", len(members)),
		zap.Int32("leader_member_id", leaderMemberID),
		zap.Int("snapshots_to_retrieve", len(snapshotsToRetrieve)),
	)
}

func (l *ZapListener) OnUpdatedRecordingLog() {
	l.logger.Info("recording log updated")
}

func (l *ZapListener) OnLiveLogProgress(position int64) {
	l.logger.Debug("live-log progress", zap.Int64("position", position))
}

func (l *ZapListener) OnPossibleFailure(err error) {
	l.logger.Warn("possible failure", zap.Error(err))
}
