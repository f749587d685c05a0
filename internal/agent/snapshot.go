package agent

import (
	"fmt"

	"github.com/relaykeep/backup-agent/internal/archive"
	"github.com/relaykeep/backup-agent/internal/recordinglog"
	"github.com/relaykeep/backup-agent/internal/sentinel"
)

// onSnapshotLengthRetrieve implements spec.md §4.5: for each pending
// snapshot (by snapshotCursor), ask the leader archive for its stop
// position and stash it before moving to SNAPSHOT_RETRIEVE.
func (a *Agent) onSnapshotLengthRetrieve(nowMs int64) (int, error) {
	if a.clusterArchive == nil || !a.clusterArchive.Connected() {
		return 0, nil
	}

	if a.snapshotCursor >= len(a.snapshotsToRetrieve) {
		a.snapshotCursor = 0
		a.transitionTo(StateSnapshotRetrieve, nowMs)
		return 1, nil
	}

	if a.archiveCorrelationID == sentinel.NullValue {
		snap := a.snapshotsToRetrieve[a.snapshotCursor]
		corr, err := a.clusterArchive.GetStopPosition(snap.RecordingID)
		if err != nil {
			return 0, errArchive("getStopPosition failed: " + err.Error())
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
		if resp.Result == sentinel.NullPosition {
			return 0, errArchive("leader archive reports no stop position for snapshot recording")
		}
		a.snapshotLengthMap[a.snapshotCursor] = resp.Result
		a.archiveCorrelationID = sentinel.NullValue
		a.snapshotCursor++
		a.timeOfLastProgressMs = nowMs
		if a.snapshotCursor >= len(a.snapshotsToRetrieve) {
			a.snapshotCursor = 0
			a.transitionTo(StateSnapshotRetrieve, nowMs)
		}
		return 1, nil
	}
	return 0, nil
}

// snapshotRetrieveMonitor tracks one snapshot transfer's recording-signal
// lifecycle (spec.md §4.6).
type snapshotRetrieveMonitor struct {
	expectedStopPosition int64
	recordingID          int64
	done                 bool
	err                  error
}

func newSnapshotRetrieveMonitor(expectedStopPosition int64) *snapshotRetrieveMonitor {
	return &snapshotRetrieveMonitor{expectedStopPosition: expectedStopPosition, recordingID: sentinel.NullValue}
}

func (m *snapshotRetrieveMonitor) onControlResponse(resp archive.ControlResponse) {
	if m.err != nil || resp.Code != archive.ResponseError {
		return
	}
	m.err = &archive.ErrArchive{CorrelationID: resp.CorrelationID, Message: resp.ErrorMessage}
}

func (m *snapshotRetrieveMonitor) onSignal(sig archive.RecordingSignal) {
	if m.err != nil || m.done {
		return
	}
	switch sig.Signal {
	case archive.SignalStart:
		if sig.Position != 0 {
			m.err = errUnexpectedRecordingSignal(fmt.Sprintf("unexpected recording start position %d, want 0", sig.Position))
			return
		}
		m.recordingID = sig.RecordingID
	case archive.SignalStop:
		if sig.Position != m.expectedStopPosition {
			m.err = errUnexpectedRecordingSignal(fmt.Sprintf("error occurred while transferring snapshot: unexpected stop position %d, want %d", sig.Position, m.expectedStopPosition))
			return
		}
		m.done = true
	}
}

// onSnapshotRetrieve implements spec.md §4.6: replay each pending snapshot
// from the leader into a new local recording, driven by a
// snapshotRetrieveMonitor watching the local archive's signals.
func (a *Agent) onSnapshotRetrieve(nowMs int64) (int, error) {
	if a.snapshotCursor >= len(a.snapshotsToRetrieve) {
		a.snapshotCursor = 0
		a.transitionTo(StateLiveLogReplay, nowMs)
		return 1, nil
	}

	snap := a.snapshotsToRetrieve[a.snapshotCursor]

	switch {
	case a.archiveCorrelationID == sentinel.NullValue && a.snapshotReplaySessionID == sentinel.NullValue && a.snapshotMonitor == nil:
		corr, err := a.clusterArchive.Replay(snap.RecordingID, 0, unboundedLength, a.replayChannel(), a.cfg.ReplayStreamID)
		if err != nil {
			return 0, errArchive("replay failed: " + err.Error())
		}
		a.archiveCorrelationID = corr
		return 1, nil

	case a.snapshotReplaySessionID == sentinel.NullValue:
		for _, resp := range a.clusterArchive.PollControlResponses() {
			if resp.CorrelationID != a.archiveCorrelationID {
				continue
			}
			if resp.Code == archive.ResponseError {
				return 0, errArchive(resp.ErrorMessage)
			}
			a.archiveCorrelationID = sentinel.NullValue
			a.snapshotReplaySessionID = resp.Result
			return 1, nil
		}
		return 0, nil

	case a.localCorrelationID == sentinel.NullValue && a.snapshotMonitor == nil:
		channel := withSessionID(a.replayChannel(), a.snapshotReplaySessionID)
		corr, err := a.backupArchive.StartRecording(channel, a.cfg.ReplayStreamID, archive.SourceRemote, true)
		if err != nil {
			return 0, errArchive("startRecording failed: " + err.Error())
		}
		a.localCorrelationID = corr
		return 1, nil

	case a.snapshotMonitor == nil:
		for _, resp := range a.backupArchive.PollControlResponses() {
			if resp.CorrelationID != a.localCorrelationID {
				continue
			}
			if resp.Code == archive.ResponseError {
				return 0, errArchive(resp.ErrorMessage)
			}
			a.localCorrelationID = sentinel.NullValue
			a.snapshotMonitor = newSnapshotRetrieveMonitor(a.snapshotLengthMap[a.snapshotCursor])
			return 1, nil
		}
		return 0, nil

	default:
		return a.pollSnapshotMonitor(snap, nowMs)
	}
}

func (a *Agent) pollSnapshotMonitor(snap recordinglog.Snapshot, nowMs int64) (int, error) {
	for _, resp := range a.backupArchive.PollControlResponses() {
		a.snapshotMonitor.onControlResponse(resp)
	}
	for _, sig := range a.backupArchive.PollRecordingSignals() {
		a.snapshotMonitor.onSignal(sig)
	}
	if a.snapshotMonitor.err != nil {
		err := a.snapshotMonitor.err
		a.snapshotMonitor = nil
		return 0, err
	}
	if !a.snapshotMonitor.done {
		return 0, nil
	}

	retrieved := snap
	retrieved.RecordingID = a.snapshotMonitor.recordingID
	a.snapshotsRetrieved = append(a.snapshotsRetrieved, retrieved)

	a.snapshotMonitor = nil
	a.snapshotReplaySessionID = sentinel.NullValue
	a.snapshotCursor++
	a.timeOfLastProgressMs = nowMs

	if a.snapshotCursor >= len(a.snapshotsToRetrieve) {
		a.snapshotCursor = 0
		a.transitionTo(StateLiveLogReplay, nowMs)
	}
	return 1, nil
}

func (a *Agent) replayChannel() string {
	return fmt.Sprintf("endpoint=%s", a.cfg.CatchupEndpoint)
}

func withSessionID(channel string, sessionID int64) string {
	return fmt.Sprintf("%s|session-id=%d", channel, sessionID)
}
