package agent

import (
	"fmt"

	"github.com/relaykeep/backup-agent/internal/archive"
	"github.com/relaykeep/backup-agent/internal/recordinglog"
	"github.com/relaykeep/backup-agent/internal/sentinel"
)

// onLiveLogReplay implements spec.md §4.7: establish a continuous
// recording of the leader's committed log into the local archive, resuming
// from wherever the backup previously left off.
func (a *Agent) onLiveLogReplay(nowMs int64) (int, error) {
	if !a.liveLogStartPositionKnown {
		return a.resolveLiveLogStartPosition(nowMs)
	}

	if a.liveLogSessionID == sentinel.NullValue {
		return a.requestBoundedReplay(nowMs)
	}

	if a.liveLogRecordingID == sentinel.NullValue {
		return a.startOrExtendLocalRecording(nowMs)
	}

	return a.awaitLiveLogCounter(nowMs)
}

// resolveLiveLogStartPosition determines where the bounded replay should
// resume: NULL_POSITION if no prior local term exists, else the local
// archive's current stop position for that term's recording.
func (a *Agent) resolveLiveLogStartPosition(nowMs int64) (int, error) {
	lastTerm, found, err := a.recordingLog.FindLastTerm()
	if err != nil {
		return 0, errArchive("findLastTerm failed: " + err.Error())
	}
	if !found {
		a.liveLogStartPosition = sentinel.NullPosition
		a.liveLogStartPositionKnown = true
		return 1, nil
	}

	if a.localCorrelationID == sentinel.NullValue {
		corr, err := a.backupArchive.GetStopPosition(lastTerm.RecordingID)
		if err != nil {
			return 0, errArchive("getStopPosition failed: " + err.Error())
		}
		a.localCorrelationID = corr
		return 1, nil
	}

	for _, resp := range a.backupArchive.PollControlResponses() {
		if resp.CorrelationID != a.localCorrelationID {
			continue
		}
		if resp.Code == archive.ResponseError {
			return 0, errArchive(resp.ErrorMessage)
		}
		a.liveLogStartPosition = resp.Result
		a.liveLogStartPositionKnown = true
		a.localCorrelationID = sentinel.NullValue
		a.timeOfLastProgressMs = nowMs
		return 1, nil
	}
	return 0, nil
}

func (a *Agent) requestBoundedReplay(nowMs int64) (int, error) {
	if a.clusterArchive == nil || !a.clusterArchive.Connected() {
		return 0, nil
	}
	if a.archiveCorrelationID == sentinel.NullValue {
		corr, err := a.clusterArchive.BoundedReplay(
			a.logRecordingID,
			a.liveLogStartPosition,
			unboundedLength,
			a.leaderCommitPositionCounterID,
			a.replayChannel(),
			a.cfg.LogStreamID,
		)
		if err != nil {
			return 0, errArchive("boundedReplay failed: " + err.Error())
		}
		a.archiveCorrelationID = corr
		return 1, nil
	}

	for _, resp := range a.clusterArchive.PollControlResponses() {
		if resp.CorrelationID != a.archiveCorrelationID {
			continue
		}
		if resp.Code == archive.ResponseError {
			return 0, errArchive(resp.ErrorMessage)
		}
		a.liveLogSessionID = resp.Result
		a.archiveCorrelationID = sentinel.NullValue
		a.timeOfLastProgressMs = nowMs
		return 1, nil
	}
	return 0, nil
}

func (a *Agent) startOrExtendLocalRecording(nowMs int64) (int, error) {
	channel := withSessionID(a.replayChannel(), a.liveLogSessionID)

	if a.localCorrelationID == sentinel.NullValue {
		lastTerm, found, err := a.recordingLog.FindLastTerm()
		if err != nil {
			return 0, errArchive("findLastTerm failed: " + err.Error())
		}
		var corr int64
		if found {
			corr, err = a.backupArchive.ExtendRecording(lastTerm.RecordingID, channel, a.cfg.LogStreamID, archive.SourceRemote, false)
		} else {
			corr, err = a.backupArchive.StartRecording(channel, a.cfg.LogStreamID, archive.SourceRemote, false)
		}
		if err != nil {
			return 0, errArchive("start/extendRecording failed: " + err.Error())
		}
		a.localCorrelationID = corr
		return 1, nil
	}

	for _, resp := range a.backupArchive.PollControlResponses() {
		if resp.CorrelationID != a.localCorrelationID {
			continue
		}
		if resp.Code == archive.ResponseError {
			return 0, errArchive(resp.ErrorMessage)
		}
		a.liveLogRecordingID = resp.Result
		a.localCorrelationID = sentinel.NullValue
		a.timeOfLastProgressMs = nowMs
		return 1, nil
	}
	return 0, nil
}

func (a *Agent) awaitLiveLogCounter(nowMs int64) (int, error) {
	counterID, found := a.countersReader.FindRecordingPositionCounterID(a.liveLogSessionID)
	if !found {
		return 0, nil
	}
	value, available := a.countersReader.Value(counterID)
	if !available {
		return 0, nil
	}
	a.liveLogRecCounterID = counterID
	a.liveLogPosition = value
	if a.published != nil {
		a.published.SetLiveLogPosition(value)
	}
	a.timeOfLastProgressMs = nowMs
	a.transitionTo(StateUpdateRecordingLog, nowMs)
	return 1, nil
}

// onUpdateRecordingLog implements spec.md §4.8: apply pending deltas to the
// durable recording log in the prescribed order, then schedule the next
// steady-state query.
func (a *Agent) onUpdateRecordingLog(nowMs int64) (int, error) {
	wrote := false

	minRetrievedTerm, haveRetrievedTerm := minSnapshotTerm(a.snapshotsRetrieved)

	if a.leaderLogEntry != nil {
		unknown, err := a.recordingLog.IsUnknown(a.leaderLogEntry.leadershipTermID)
		if err != nil {
			return 0, errArchive("isUnknown failed: " + err.Error())
		}
		covered := !haveRetrievedTerm || a.leaderLogEntry.leadershipTermID <= minRetrievedTerm
		if unknown && covered {
			if err := a.recordingLog.AppendTerm(
				a.liveLogRecordingID,
				a.leaderLogEntry.leadershipTermID,
				a.leaderLogEntry.termBaseLogPosition,
				a.leaderLogEntry.logPosition,
				a.leaderLogEntry.timestampMs,
			); err != nil {
				return 0, errArchive("appendTerm failed: " + err.Error())
			}
			wrote = true
		}
	}

	for i := len(a.snapshotsRetrieved) - 1; i >= 0; i-- {
		if err := a.recordingLog.AppendSnapshot(a.snapshotsRetrieved[i]); err != nil {
			return 0, errArchive("appendSnapshot failed: " + err.Error())
		}
		wrote = true
	}

	if a.leaderLastTermEntry != nil {
		unknown, err := a.recordingLog.IsUnknown(a.leaderLastTermEntry.leadershipTermID)
		if err != nil {
			return 0, errArchive("isUnknown failed: " + err.Error())
		}
		if unknown {
			if err := a.recordingLog.AppendTerm(
				a.liveLogRecordingID,
				a.leaderLastTermEntry.leadershipTermID,
				a.leaderLastTermEntry.termBaseLogPosition,
				a.leaderLastTermEntry.logPosition,
				a.leaderLastTermEntry.timestampMs,
			); err != nil {
				return 0, errArchive("appendTerm failed: " + err.Error())
			}
			wrote = true
		}
	}

	a.leaderLogEntry = nil
	a.leaderLastTermEntry = nil
	a.snapshotsRetrieved = nil
	a.snapshotLengthMap = make(map[int]int64)

	a.nextQueryDeadlineMs = nowMs + a.cfg.BackupQueryIntervalMs
	if a.published != nil {
		a.published.SetNextQueryDeadlineMs(a.nextQueryDeadlineMs)
	}

	if wrote {
		a.listener.OnUpdatedRecordingLog()
	}

	a.transitionTo(StateBackingUp, nowMs)
	return 1, nil
}

func minSnapshotTerm(snapshots []recordinglog.Snapshot) (int64, bool) {
	if len(snapshots) == 0 {
		return 0, false
	}
	min := snapshots[0].LeadershipTermID
	for _, s := range snapshots[1:] {
		if s.LeadershipTermID < min {
			min = s.LeadershipTermID
		}
	}
	return min, true
}

// onBackingUp implements spec.md §4.9: re-query on the scheduled deadline,
// otherwise sample the live-log position counter and publish any advance.
func (a *Agent) onBackingUp(nowMs int64) (int, error) {
	if a.nextQueryDeadlineMs != sentinel.NullValue && nowMs >= a.nextQueryDeadlineMs {
		a.nextQueryDeadlineMs = sentinel.NullValue
		a.transitionTo(StateBackupQuery, nowMs)
		return 1, nil
	}

	value, available := a.countersReader.Value(a.liveLogRecCounterID)
	if !available {
		return 0, errResourceUnavailable(fmt.Sprintf("live-log recording counter %d is no longer available", a.liveLogRecCounterID))
	}
	if value > a.liveLogPosition {
		a.liveLogPosition = value
		if a.published != nil {
			a.published.SetLiveLogPosition(value)
		}
		a.listener.OnLiveLogProgress(value)
		return 1, nil
	}
	return 0, nil
}
