package agent

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/relaykeep/backup-agent/internal/archive"
	"github.com/relaykeep/backup-agent/internal/clock"
	"github.com/relaykeep/backup-agent/internal/consensus"
	"github.com/relaykeep/backup-agent/internal/counters"
	"github.com/relaykeep/backup-agent/internal/recordinglog"
)

// fakePublication is a Publication test double: Offer decodes whatever was
// sent into the last BackupQuery for assertions, and never blocks.
type fakePublication struct {
	mu        sync.Mutex
	connected bool
	sent      []consensus.BackupQuery
}

func (p *fakePublication) Connected() bool { return p.connected }

func (p *fakePublication) Offer(payload []byte) (bool, error) {
	_, body, err := consensus.DecodeHeader(payload)
	if err != nil {
		return false, err
	}
	q, err := consensus.DecodeBackupQuery(body)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	p.sent = append(p.sent, q)
	p.mu.Unlock()
	return true, nil
}

func (p *fakePublication) Close() error { return nil }

func (p *fakePublication) lastQuery() (consensus.BackupQuery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return consensus.BackupQuery{}, false
	}
	return p.sent[len(p.sent)-1], true
}

// fakeSubscription is a Subscription test double fed by push.
type fakeSubscription struct {
	mu    sync.Mutex
	queue [][]byte
}

func (s *fakeSubscription) Poll(fragmentLimit int, handler func(payload []byte)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < fragmentLimit && len(s.queue) > 0 {
		payload := s.queue[0]
		s.queue = s.queue[1:]
		handler(payload)
		n++
	}
	return n, nil
}

func (s *fakeSubscription) Close() error { return nil }

func (s *fakeSubscription) push(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
}

// harness wires a fully-faked Agent for deterministic, non-networked tests.
type harness struct {
	agent          *Agent
	clk            *clock.Fake
	pub            *fakePublication
	sub            *fakeSubscription
	localArchive   *archive.Fake
	leaderArchives map[string]*archive.Fake
	recordingLog   *recordinglog.Fake
	countersReader *FakeCountersReader
}

func newHarness(t *testing.T, endpoints []string) *harness {
	t.Helper()

	h := &harness{
		clk:            clock.NewFake(),
		pub:            &fakePublication{connected: true},
		sub:            &fakeSubscription{},
		localArchive:   archive.NewFake(),
		leaderArchives: make(map[string]*archive.Fake),
		recordingLog:   recordinglog.NewFake(),
		countersReader: NewFakeCountersReader(),
	}

	cfg := Config{
		ConsensusEndpoints:      endpoints,
		ConsensusChannel:        "endpoint=consensus",
		ConsensusStreamID:       100,
		CatchupEndpoint:         "catchup",
		ReplayStreamID:          200,
		LogStreamID:             201,
		ResponseStreamID:        101,
		ProtocolSemanticVersion: 1,
		BackupResponseTimeoutMs: 5000,
		BackupQueryIntervalMs:   60000,
		BackupProgressTimeoutMs: 10000,
		CoolDownIntervalMs:      1000,
		PublicationFactory:      func(string) (consensus.Publication, error) { return h.pub, nil },
		SubscriptionFactory:     func(string) (consensus.Subscription, error) { return h.sub, nil },
		ArchiveDialer: func(endpoint string) archive.Client {
			fake := archive.NewFake()
			h.leaderArchives[endpoint] = fake
			return fake
		},
	}

	published := counters.NewRegistry(prometheus.NewRegistry())

	h.agent = New(
		cfg,
		h.clk,
		zap.NewNop(),
		NoOpListener{},
		func() (recordinglog.Log, error) { return h.recordingLog, nil },
		h.localArchive,
		h.countersReader,
		published,
		nil,
	)
	return h
}

func (h *harness) step(t *testing.T) {
	t.Helper()
	if _, err := h.agent.DoWork(); err != nil {
		t.Logf("DoWork returned error (may be expected): %v", err)
	}
}

func (h *harness) stepUntil(t *testing.T, max int, cond func() bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return
		}
		h.step(t)
	}
	if !cond() {
		t.Fatalf("condition not met after %d steps (state=%v)", max, h.agent.State())
	}
}

func membersWire(members ...string) string {
	out := ""
	for i, m := range members {
		if i > 0 {
			out += ","
		}
		out += m
	}
	return out
}

func memberField(id int32, consensusEp, archiveEp string) string {
	return fmt.Sprintf("%d|client-%d|%s|%s|log-%d", id, id, consensusEp, archiveEp, id)
}

func TestColdStartSingleSnapshot(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})

	// INIT -> BACKUP_QUERY -> endpoint rotation to "a" -> query issuance.
	h.stepUntil(t, 10, func() bool {
		_, ok := h.pub.lastQuery()
		return ok
	})
	query, _ := h.pub.lastQuery()

	resp := consensus.BackupResponse{
		CorrelationID:           query.CorrelationID,
		LogRecordingID:          11,
		LogLeadershipTermID:     3,
		LogTermBaseLogPosition:  0,
		LastLeadershipTermID:    3,
		LastTermBaseLogPosition: 0,
		CommitPositionCounterID: 9,
		LeaderMemberID:          1,
		Snapshots: []consensus.SnapshotDescriptor{
			{RecordingID: 10, LeadershipTermID: 3, TermBaseLogPosition: 0, LogPosition: 4096, Timestamp: 1, ServiceID: -1},
		},
		ClusterMembers: membersWire(memberField(1, "a", "leader-archive")),
	}
	h.sub.push(consensus.EncodeBackupResponse(resp))

	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateSnapshotLengthRetrieve })

	leaderArchive := h.leaderArchives["leader-archive"]
	if leaderArchive == nil {
		t.Fatalf("expected leader archive dialed at leader-archive")
	}

	// GetStopPosition(10) -> 4096.
	h.stepUntil(t, 10, func() bool { return len(leaderArchive.Calls) > 0 })
	leaderArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: leaderArchive.LastCorrelationID(), Code: archive.ResponseOK, Result: 4096})
	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateSnapshotRetrieve })

	// Replay(10) on the leader -> session 55.
	h.stepUntil(t, 10, func() bool { return len(leaderArchive.Calls) > 1 })
	leaderArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: leaderArchive.LastCorrelationID(), Code: archive.ResponseOK, Result: 55})

	// StartRecording locally for the snapshot transfer.
	h.stepUntil(t, 10, func() bool { return len(h.localArchive.Calls) > 0 })
	h.localArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: h.localArchive.LastCorrelationID(), Code: archive.ResponseOK})
	h.localArchive.QueueRecordingSignal(archive.RecordingSignal{RecordingID: 100, Signal: archive.SignalStart, Position: 0})
	h.localArchive.QueueRecordingSignal(archive.RecordingSignal{RecordingID: 100, Signal: archive.SignalStop, Position: 4096})

	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateLiveLogReplay })

	// Live-log replay: no prior term -> NULL start position -> bounded
	// replay -> local StartRecording -> counter discovery.
	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateLiveLogReplay && h.agent.liveLogStartPositionKnown })

	h.stepUntil(t, 10, func() bool { return len(leaderArchive.Calls) > 2 })
	leaderArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: leaderArchive.LastCorrelationID(), Code: archive.ResponseOK, Result: 77})

	h.stepUntil(t, 10, func() bool { return len(h.localArchive.Calls) > 1 })
	h.localArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: h.localArchive.LastCorrelationID(), Code: archive.ResponseOK, Result: 101})

	h.countersReader.Register(77, 5, 0)

	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateBackingUp })

	entries := h.recordingLog.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 recording-log entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Type != recordinglog.EntryTypeTerm || entries[0].RecordingID != 101 || entries[0].LeadershipTermID != 3 {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Type != recordinglog.EntryTypeSnapshot || entries[1].RecordingID != 100 || entries[1].LogPosition != 4096 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestEndpointRotationOnResponseTimeout(t *testing.T) {
	h := newHarness(t, []string{"a", "b"})

	h.stepUntil(t, 10, func() bool {
		_, ok := h.pub.lastQuery()
		return ok
	})

	h.clk.Advance(6 * time.Second) // > BackupResponseTimeoutMs
	cursorBefore := h.agent.endpointCursor
	h.step(t)
	if h.agent.endpointCursor == cursorBefore {
		t.Fatalf("expected endpoint cursor to advance past %d on response timeout", cursorBefore)
	}
}

func TestLeaderChangeMigratesArchiveConnection(t *testing.T) {
	h := newHarness(t, []string{"a"})

	h.stepUntil(t, 10, func() bool {
		_, ok := h.pub.lastQuery()
		return ok
	})
	query, _ := h.pub.lastQuery()
	resp := consensus.BackupResponse{
		CorrelationID:           query.CorrelationID,
		LogRecordingID:          11,
		LogLeadershipTermID:     3,
		LastLeadershipTermID:    3,
		CommitPositionCounterID: 9,
		LeaderMemberID:          1,
		ClusterMembers:          membersWire(memberField(1, "a", "archive-1")),
	}
	h.sub.push(consensus.EncodeBackupResponse(resp))
	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateLiveLogReplay })

	if h.leaderArchives["archive-1"] == nil {
		t.Fatalf("expected archive-1 dialed")
	}

	// Force a second query/response cycle without ever reaching
	// UPDATE_RECORDING_LOG, so any recording-log write below is
	// attributable only to a spurious append, not normal steady-state work.
	h.agent.nextQueryDeadlineMs = h.clk.NowMs()
	h.agent.transitionTo(StateBackingUp, h.clk.NowMs())
	h.step(t)
	if h.agent.State() != StateBackupQuery {
		t.Fatalf("expected BACKUP_QUERY, got %v", h.agent.State())
	}

	h.stepUntil(t, 10, func() bool {
		_, ok := h.pub.lastQuery()
		return ok && h.pub.sent[len(h.pub.sent)-1].CorrelationID != query.CorrelationID
	})
	query2, _ := h.pub.lastQuery()

	resp2 := consensus.BackupResponse{
		CorrelationID:           query2.CorrelationID,
		LogRecordingID:          11, // unchanged recording id
		LogLeadershipTermID:     3,
		LastLeadershipTermID:    3,
		CommitPositionCounterID: 9,
		LeaderMemberID:          2, // leader changed
		ClusterMembers: membersWire(
			memberField(1, "a", "archive-1"),
			memberField(2, "a", "archive-2"),
		),
	}
	h.sub.push(consensus.EncodeBackupResponse(resp2))
	h.stepUntil(t, 10, func() bool { return h.agent.leaderArchiveEndpoint == "archive-2" })

	if h.leaderArchives["archive-2"] == nil {
		t.Fatalf("expected a fresh archive connection dialed to archive-2 on leader change")
	}
	if h.agent.clusterArchive != h.leaderArchives["archive-2"] {
		t.Fatalf("expected clusterArchive to have migrated to archive-2's client")
	}
	if len(h.recordingLog.Entries()) != 0 {
		t.Fatalf("expected no recording-log writes before UPDATE_RECORDING_LOG is ever reached, got %+v", h.recordingLog.Entries())
	}
}

func TestProgressStallPreSteadyState(t *testing.T) {
	h := newHarness(t, []string{"a"})

	h.stepUntil(t, 5, func() bool { return h.agent.State() == StateBackupQuery })
	h.clk.Advance(11 * time.Second) // > BackupProgressTimeoutMs
	h.step(t)

	if h.agent.State() != StateResetBackup {
		t.Fatalf("expected RESET_BACKUP after stall, got %v", h.agent.State())
	}

	// The first RESET_BACKUP cycle tears down and starts the cool-down.
	h.step(t)
	h.clk.Advance(2 * time.Second) // > CoolDownIntervalMs
	h.stepUntil(t, 5, func() bool { return h.agent.State() == StateInit || h.agent.State() == StateBackupQuery })
}

func TestUnexpectedSnapshotStopPositionIsFatal(t *testing.T) {
	h := newHarness(t, []string{"a"})

	h.stepUntil(t, 10, func() bool {
		_, ok := h.pub.lastQuery()
		return ok
	})
	query, _ := h.pub.lastQuery()
	resp := consensus.BackupResponse{
		CorrelationID:           query.CorrelationID,
		LogRecordingID:          11,
		LogLeadershipTermID:     3,
		LastLeadershipTermID:    3,
		CommitPositionCounterID: 9,
		LeaderMemberID:          1,
		Snapshots: []consensus.SnapshotDescriptor{
			{RecordingID: 10, LeadershipTermID: 3, LogPosition: 4096, ServiceID: -1},
		},
		ClusterMembers: membersWire(memberField(1, "a", "archive-1")),
	}
	h.sub.push(consensus.EncodeBackupResponse(resp))
	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateSnapshotLengthRetrieve })

	leaderArchive := h.leaderArchives["archive-1"]
	h.stepUntil(t, 10, func() bool { return len(leaderArchive.Calls) > 0 })
	leaderArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: leaderArchive.LastCorrelationID(), Code: archive.ResponseOK, Result: 4096})
	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateSnapshotRetrieve })

	h.stepUntil(t, 10, func() bool { return len(leaderArchive.Calls) > 1 })
	leaderArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: leaderArchive.LastCorrelationID(), Code: archive.ResponseOK, Result: 55})
	h.stepUntil(t, 10, func() bool { return len(h.localArchive.Calls) > 0 })
	h.localArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: h.localArchive.LastCorrelationID(), Code: archive.ResponseOK})

	h.stepUntil(t, 10, func() bool { return h.agent.snapshotMonitor != nil })
	h.localArchive.QueueRecordingSignal(archive.RecordingSignal{RecordingID: 100, Signal: archive.SignalStart, Position: 0})
	h.localArchive.QueueRecordingSignal(archive.RecordingSignal{RecordingID: 100, Signal: archive.SignalStop, Position: 2048}) // wrong

	_, err := h.agent.DoWork()
	if err == nil {
		t.Fatalf("expected an UnexpectedRecordingSignal error")
	}
	agentErr, ok := err.(*Error)
	if !ok || agentErr.Kind != KindUnexpectedRecordingSignal {
		t.Fatalf("expected KindUnexpectedRecordingSignal, got %v", err)
	}
	if h.agent.State() != StateResetBackup {
		t.Fatalf("expected RESET_BACKUP after unexpected stop position, got %v", h.agent.State())
	}
}

func TestLiveLogCounterUnavailabilityInSteadyState(t *testing.T) {
	h := newHarness(t, []string{"a"})
	h.stepUntil(t, 10, func() bool {
		_, ok := h.pub.lastQuery()
		return ok
	})
	query, _ := h.pub.lastQuery()
	resp := consensus.BackupResponse{
		CorrelationID:           query.CorrelationID,
		LogRecordingID:          11,
		LogLeadershipTermID:     3,
		LastLeadershipTermID:    3,
		CommitPositionCounterID: 9,
		LeaderMemberID:          1,
		ClusterMembers:          membersWire(memberField(1, "a", "archive-1")),
	}
	h.sub.push(consensus.EncodeBackupResponse(resp))
	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateLiveLogReplay })

	leaderArchive := h.leaderArchives["archive-1"]
	h.stepUntil(t, 10, func() bool { return len(leaderArchive.Calls) > 0 })
	leaderArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: leaderArchive.LastCorrelationID(), Code: archive.ResponseOK, Result: 77})
	h.stepUntil(t, 10, func() bool { return len(h.localArchive.Calls) > 0 })
	h.localArchive.QueueControlResponse(archive.ControlResponse{CorrelationID: h.localArchive.LastCorrelationID(), Code: archive.ResponseOK, Result: 101})

	h.countersReader.Register(77, 5, 0)
	h.stepUntil(t, 10, func() bool { return h.agent.State() == StateBackingUp })

	// Simulate the live-log recording counter disappearing.
	h.countersReader.Remove(5)
	_, err := h.agent.DoWork()
	if err == nil {
		t.Fatalf("expected a ResourceUnavailable error")
	}
	agentErr, ok := err.(*Error)
	if !ok || agentErr.Kind != KindResourceUnavailable {
		t.Fatalf("expected KindResourceUnavailable, got %v", err)
	}
	if h.agent.State() != StateResetBackup {
		t.Fatalf("expected RESET_BACKUP, got %v", h.agent.State())
	}
}

func TestResetIsIdempotent(t *testing.T) {
	h := newHarness(t, []string{"a"})
	h.stepUntil(t, 5, func() bool { return h.agent.State() == StateBackupQuery })

	if err := h.agent.reset(); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	stateAfterFirst := snapshotVolatileState(h.agent)
	if err := h.agent.reset(); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	stateAfterSecond := snapshotVolatileState(h.agent)
	if stateAfterFirst != stateAfterSecond {
		t.Fatalf("reset is not idempotent: %+v != %+v", stateAfterFirst, stateAfterSecond)
	}
}

type volatileSnapshot struct {
	queryCorr, archiveCorr, localCorr, coolDown int64
}

func snapshotVolatileState(a *Agent) volatileSnapshot {
	return volatileSnapshot{a.queryCorrelationID, a.archiveCorrelationID, a.localCorrelationID, a.coolDownDeadlineMs}
}
