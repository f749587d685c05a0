package agent

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaykeep/backup-agent/internal/cluster"
	"github.com/relaykeep/backup-agent/internal/consensus"
	"github.com/relaykeep/backup-agent/internal/recordinglog"
	"github.com/relaykeep/backup-agent/internal/sentinel"
)

// fragmentLimit bounds how many inbound datagrams one duty cycle will
// drain from the consensus subscription (spec.md §4.1 step 4).
const fragmentLimit = 10

// pollConsensusInbound implements spec.md §4.1 step 4: poll the consensus
// subscription and dispatch any BackupResponse fragment.
func (a *Agent) pollConsensusInbound(nowMs int64) (int, error) {
	if a.consensusSubscription == nil {
		return 0, nil
	}
	var dispatchErr error
	n, err := a.consensusSubscription.Poll(fragmentLimit, func(payload []byte) {
		if dispatchErr != nil {
			return
		}
		dispatchErr = a.onConsensusMessage(payload, nowMs)
	})
	if err != nil {
		return n, errArchive("consensus subscription poll failed: " + err.Error())
	}
	return n, dispatchErr
}

func (a *Agent) onConsensusMessage(payload []byte, nowMs int64) error {
	header, body, err := consensus.DecodeHeader(payload)
	if err != nil {
		if errors.Is(err, consensus.ErrProtocolMismatch) {
			return errProtocolMismatch(err.Error())
		}
		return errProtocolMismatch(err.Error())
	}
	if header.TemplateID != consensus.TemplateBackupResponse {
		// Any other recognized-schema template is silently ignored.
		return nil
	}
	resp, err := consensus.DecodeBackupResponse(body)
	if err != nil {
		return errProtocolMismatch(err.Error())
	}
	return a.handleBackupResponse(resp, nowMs)
}

// onBackupQuery implements spec.md §4.4's issuance half: rotate the
// endpoint cursor on timeout, otherwise issue a fresh query once connected.
func (a *Agent) onBackupQuery(nowMs int64) (int, error) {
	needsRotation := a.consensusPublication == nil ||
		(a.timeOfLastBackupQueryMs != sentinel.NullValue &&
			nowMs > a.timeOfLastBackupQueryMs+a.cfg.BackupResponseTimeoutMs)

	if needsRotation {
		if err := a.rotateEndpoint(nowMs); err != nil {
			return 0, err
		}
		return 1, nil
	}

	if a.queryCorrelationID != sentinel.NullValue || !a.consensusPublication.Connected() {
		return 0, nil
	}

	a.queryCorrelationID = a.nextArchiveFreeCorrelationID()
	query := consensus.BackupQuery{
		CorrelationID:           a.queryCorrelationID,
		ResponseStreamID:        a.cfg.ResponseStreamID,
		ProtocolSemanticVersion: a.cfg.ProtocolSemanticVersion,
		ResponseChannel:         a.cfg.ConsensusChannel,
		EncodedCredentials:      nil,
	}
	sent, err := a.consensusPublication.Offer(consensus.EncodeBackupQuery(query))
	if err != nil {
		return 0, errArchive("failed to offer backup query: " + err.Error())
	}
	if !sent {
		a.queryCorrelationID = sentinel.NullValue
		return 0, nil
	}
	a.timeOfLastBackupQueryMs = nowMs
	a.listener.OnBackupQuery(query.CorrelationID)
	return 1, nil
}

// rotateEndpoint implements spec.md §4.2: advance the cursor, tear down
// the prior leader-archive connection and publication, and open a fresh
// publication to the new candidate endpoint.
func (a *Agent) rotateEndpoint(nowMs int64) error {
	if len(a.endpoints) == 0 {
		return errArchive("no candidate consensus endpoints configured")
	}
	if a.consensusPublication != nil {
		a.endpointCursor = (a.endpointCursor + 1) % len(a.endpoints)
	}
	if a.clusterArchive != nil {
		_ = a.clusterArchive.Close()
		a.clusterArchive = nil
	}
	if a.consensusPublication != nil {
		_ = a.consensusPublication.Close()
		a.consensusPublication = nil
	}

	endpoint := a.endpoints[a.endpointCursor]
	pub, err := a.cfg.publicationFactory()(fmt.Sprintf("endpoint=%s", endpoint))
	if err != nil {
		return errArchive("failed to open consensus publication: " + err.Error())
	}
	a.consensusPublication = pub
	a.queryCorrelationID = sentinel.NullValue
	a.timeOfLastBackupQueryMs = nowMs
	return nil
}

// nextArchiveFreeCorrelationID mints a correlation id for a new outstanding
// backup query. The consensus wire protocol's correlation id space is
// independent of the archive client's own (spec.md §3 "correlationId"
// applies per connection). A uuid-derived id avoids the clock-resolution
// collisions a nowMs-keyed counter would risk across rapid endpoint
// rotations.
func (a *Agent) nextArchiveFreeCorrelationID() int64 {
	id := uuid.New()
	v := int64(binary.LittleEndian.Uint64(id[:8]))
	if v < 0 {
		v = -v
	}
	if v == sentinel.NullValue {
		v = 1
	}
	return v
}

// handleBackupResponse implements spec.md §4.4's response-handling half.
func (a *Agent) handleBackupResponse(resp consensus.BackupResponse, nowMs int64) error {
	if a.state != StateBackupQuery || resp.CorrelationID != a.queryCorrelationID {
		return nil
	}

	snapshotsToRetrieve, err := a.diffSnapshots(resp.Snapshots)
	if err != nil {
		return err
	}

	previousLeaderMemberID := a.leaderMemberID
	leaderChanged := previousLeaderMemberID == sentinel.NullCounterID || previousLeaderMemberID != resp.LeaderMemberID

	if leaderChanged || a.logRecordingID != resp.LogRecordingID {
		a.leaderLogEntry = &pendingTerm{
			leadershipTermID:    resp.LogLeadershipTermID,
			termBaseLogPosition: resp.LogTermBaseLogPosition,
			logPosition:         sentinel.NullPosition,
			timestampMs:         nowMs,
		}
	}

	lastTerm, haveLastTerm, err := a.recordingLog.FindLastTerm()
	if err != nil {
		return errArchive("findLastTerm failed: " + err.Error())
	}
	if !haveLastTerm || lastTerm.LeadershipTermID != resp.LastLeadershipTermID || lastTerm.TermBaseLogPosition != resp.LastTermBaseLogPosition {
		a.leaderLastTermEntry = &pendingTerm{
			leadershipTermID:    resp.LastLeadershipTermID,
			termBaseLogPosition: resp.LastTermBaseLogPosition,
			logPosition:         sentinel.NullPosition,
			timestampMs:         nowMs,
		}
	}

	members, err := cluster.ParseMembers(resp.ClusterMembers)
	if err != nil {
		return errArchive("failed to parse cluster members: " + err.Error())
	}
	a.members = members
	leader, _ := cluster.FindByID(members, resp.LeaderMemberID)

	a.timeOfLastBackupQueryMs = sentinel.NullValue
	a.snapshotCursor = 0
	a.queryCorrelationID = sentinel.NullValue
	a.leaderCommitPositionCounterID = resp.CommitPositionCounterID
	a.leaderMemberID = resp.LeaderMemberID
	a.leaderArchiveEndpoint = leader.ArchiveEndpoint
	a.logRecordingID = resp.LogRecordingID
	a.logLeadershipTermID = resp.LogLeadershipTermID
	a.logTermBaseLogPosition = resp.LogTermBaseLogPosition
	a.lastLeadershipTermID = resp.LastLeadershipTermID
	a.lastTermBaseLogPosition = resp.LastTermBaseLogPosition
	a.snapshotsToRetrieve = snapshotsToRetrieve
	a.timeOfLastProgressMs = nowMs

	a.listener.OnBackupResponse(members, resp.LeaderMemberID, snapshotsToRetrieve)

	// A genuine leader change migrates the leader-archive connection even
	// if one is already live — spec.md §9's open question flags the
	// original's "only when clusterArchive == null" guard as a bug the
	// spec treats migration-on-leader-change as required behavior instead.
	if leaderChanged {
		if a.clusterArchive != nil {
			_ = a.clusterArchive.Close()
			a.clusterArchive = nil
		}
		if a.leaderArchiveEndpoint != "" {
			a.clusterArchive = a.cfg.ArchiveDialer(a.leaderArchiveEndpoint)
		}
	} else if a.clusterArchive == nil && a.leaderArchiveEndpoint != "" {
		a.clusterArchive = a.cfg.ArchiveDialer(a.leaderArchiveEndpoint)
	}

	if len(snapshotsToRetrieve) == 0 {
		a.transitionTo(StateLiveLogReplay, nowMs)
	} else {
		a.transitionTo(StateSnapshotLengthRetrieve, nowMs)
	}
	return nil
}

// diffSnapshots builds snapshotsToRetrieve: a snapshot is included iff no
// local entry exists for its serviceId, or the local entry's logPosition
// differs from the incoming one (spec.md §4.4).
func (a *Agent) diffSnapshots(descriptors []consensus.SnapshotDescriptor) ([]recordinglog.Snapshot, error) {
	var out []recordinglog.Snapshot
	for _, d := range descriptors {
		local, found, err := a.recordingLog.GetLatestSnapshot(d.ServiceID)
		if err != nil {
			return nil, errArchive("getLatestSnapshot failed: " + err.Error())
		}
		if found && local.LogPosition == d.LogPosition {
			continue
		}
		out = append(out, recordinglog.Snapshot{
			RecordingID:         d.RecordingID,
			LeadershipTermID:    d.LeadershipTermID,
			TermBaseLogPosition: d.TermBaseLogPosition,
			LogPosition:         d.LogPosition,
			TimestampMs:         d.Timestamp,
			ServiceID:           d.ServiceID,
		})
	}
	return out, nil
}
