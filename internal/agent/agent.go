// Package agent implements the backup agent's core duty cycle: a
// single-threaded, cooperatively scheduled seven-state automaton that
// discovers a consensus cluster's leader, retrieves missing snapshots,
// replicates the committed log, and keeps a local recording-log index
// consistent with what has been replicated.
//
// DoWork is the only entry point an owner calls; it must never block, and
// every collaborator (archive client, consensus transport, counters
// reader) is polled rather than awaited. See SPEC_FULL.md for the full
// state diagram and invariants this package implements.
package agent

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relaykeep/backup-agent/internal/archive"
	"github.com/relaykeep/backup-agent/internal/cluster"
	"github.com/relaykeep/backup-agent/internal/consensus"
	"github.com/relaykeep/backup-agent/internal/counters"
	"github.com/relaykeep/backup-agent/internal/markfile"
	"github.com/relaykeep/backup-agent/internal/recordinglog"
	"github.com/relaykeep/backup-agent/internal/sentinel"
)

// Config carries the endpoint, timeout, and protocol settings recognized
// by the agent (spec.md §6 "Configuration options").
type Config struct {
	ConsensusEndpoints      []string
	ConsensusChannel        string
	ConsensusStreamID       int32
	CatchupEndpoint         string
	ReplayStreamID          int32
	LogStreamID             int32
	ResponseStreamID        int32
	ProtocolSemanticVersion int32

	BackupResponseTimeoutMs  int64
	BackupQueryIntervalMs    int64
	BackupProgressTimeoutMs  int64
	CoolDownIntervalMs       int64

	// PublicationFactory opens an outbound channel to a candidate consensus
	// endpoint. SubscriptionFactory opens the agent's single long-lived
	// inbound channel. Both default to UDP transports (internal/consensus)
	// when left nil; tests substitute in-memory fakes.
	PublicationFactory  func(channel string) (consensus.Publication, error)
	SubscriptionFactory func(channel string) (consensus.Subscription, error)

	// ArchiveDialer opens an asynchronous connection to a leader's archive
	// endpoint. Dialing must not block — the returned Client reports
	// Connected() == false until the handshake completes in the
	// background.
	ArchiveDialer func(endpoint string) archive.Client
}

func (c Config) publicationFactory() func(string) (consensus.Publication, error) {
	if c.PublicationFactory != nil {
		return c.PublicationFactory
	}
	return func(channel string) (consensus.Publication, error) { return consensus.NewPublication(channel) }
}

func (c Config) subscriptionFactory() func(string) (consensus.Subscription, error) {
	if c.SubscriptionFactory != nil {
		return c.SubscriptionFactory
	}
	return func(channel string) (consensus.Subscription, error) { return consensus.NewSubscription(channel) }
}

// unboundedLength is passed as a replay's length when the caller wants the
// replay to continue until explicitly stopped (spec.md §4.6, §4.7
// "length=UNBOUNDED").
const unboundedLength int64 = -1

// pendingTerm is a term entry awaiting a recording-log append in
// UPDATE_RECORDING_LOG, still lacking the local recording id it will be
// mapped to (spec.md §4.8).
type pendingTerm struct {
	leadershipTermID    int64
	termBaseLogPosition int64
	logPosition         int64
	timestampMs         int64
}

// Agent is the backup agent's core state machine. Construct with New and
// drive it by calling DoWork repeatedly; call Close exactly once when the
// owner stops invoking DoWork.
type Agent struct {
	cfg      Config
	clock    clockSource
	logger   *zap.Logger
	listener EventsListener

	recordingLogFactory func() (recordinglog.Log, error)
	recordingLog        recordinglog.Log
	backupArchive       archive.Client
	countersReader CountersReader
	published      *counters.Registry
	markFile       *markfile.File

	consensusPublication  consensus.Publication
	consensusSubscription consensus.Subscription
	clusterArchive        archive.Client

	endpoints      []string
	endpointCursor int

	state      State
	lastTickMs int64

	queryCorrelationID     int64
	timeOfLastBackupQueryMs int64
	timeOfLastProgressMs    int64
	nextQueryDeadlineMs     int64

	members               []cluster.Member
	leaderMemberID        int32
	leaderArchiveEndpoint string

	logRecordingID          int64
	logLeadershipTermID     int64
	logTermBaseLogPosition  int64
	lastLeadershipTermID    int64
	lastTermBaseLogPosition int64

	leaderLogEntry      *pendingTerm
	leaderLastTermEntry *pendingTerm

	leaderCommitPositionCounterID int32

	snapshotsToRetrieve []recordinglog.Snapshot
	snapshotCursor      int
	snapshotLengthMap   map[int]int64
	snapshotsRetrieved  []recordinglog.Snapshot

	archiveCorrelationID int64 // outstanding request against the leader archive
	localCorrelationID   int64 // outstanding request against the local archive
	snapshotReplaySessionID int64
	snapshotMonitor      *snapshotRetrieveMonitor

	liveLogStartPositionKnown bool
	liveLogStartPosition     int64
	liveLogSessionID         int64
	liveLogRecordingID       int64
	liveLogRecCounterID      int32
	liveLogPosition          int64

	coolDownDeadlineMs int64

	closed bool
}

// clockSource is the subset of clock.Clock the agent depends on, kept
// narrow so tests can supply either clock.Clock implementation directly.
type clockSource interface {
	NowMs() int64
}

// New constructs an Agent in state INIT. All collaborators are required
// except listener, published and markFile, which may be nil.
func New(
	cfg Config,
	clk clockSource,
	logger *zap.Logger,
	listener EventsListener,
	recordingLogFactory func() (recordinglog.Log, error),
	backupArchive archive.Client,
	countersReader CountersReader,
	published *counters.Registry,
	markFile *markfile.File,
) *Agent {
	if listener == nil {
		listener = NoOpListener{}
	}
	a := &Agent{
		cfg:                 cfg,
		clock:               clk,
		logger:              logger.Named("agent"),
		listener:            listener,
		recordingLogFactory: recordingLogFactory,
		backupArchive:       backupArchive,
		countersReader:      countersReader,
		published:           published,
		markFile:            markFile,
		endpoints:           cfg.ConsensusEndpoints,
		state:               StateInit,
	}
	a.resetVolatileState()
	return a
}

// resetVolatileState restores every field reset() clears, used both by New
// and by the RESET_BACKUP path (spec.md §4.10).
func (a *Agent) resetVolatileState() {
	a.queryCorrelationID = sentinel.NullValue
	a.archiveCorrelationID = sentinel.NullValue
	a.localCorrelationID = sentinel.NullValue
	a.snapshotReplaySessionID = sentinel.NullValue
	a.timeOfLastBackupQueryMs = sentinel.NullValue
	a.nextQueryDeadlineMs = sentinel.NullValue
	a.members = nil
	a.leaderMemberID = sentinel.NullCounterID
	a.leaderArchiveEndpoint = ""
	a.logRecordingID = sentinel.NullValue
	a.logLeadershipTermID = sentinel.NullValue
	a.logTermBaseLogPosition = sentinel.NullPosition
	a.lastLeadershipTermID = sentinel.NullValue
	a.lastTermBaseLogPosition = sentinel.NullPosition
	a.leaderLogEntry = nil
	a.leaderLastTermEntry = nil
	a.leaderCommitPositionCounterID = sentinel.NullCounterID
	a.snapshotsToRetrieve = nil
	a.snapshotCursor = 0
	a.snapshotLengthMap = make(map[int]int64)
	a.snapshotsRetrieved = nil
	a.snapshotMonitor = nil
	a.liveLogStartPositionKnown = false
	a.liveLogStartPosition = sentinel.NullPosition
	a.liveLogSessionID = sentinel.NullValue
	a.liveLogRecordingID = sentinel.NullValue
	a.liveLogRecCounterID = sentinel.NullCounterID
	a.coolDownDeadlineMs = sentinel.NullValue
}

// onInit runs once per entry into INIT: (re)opens the durable recording
// log index and starts the long-lived consensus subscription if it is not
// already running. The local archive connection is expected to already be
// connected by the owner before the first DoWork call (spec.md §3
// Lifecycles: backupArchive is "created once at onStart, closed at
// onClose"); it is not re-created here.
func (a *Agent) onInit(nowMs int64) error {
	if a.recordingLog == nil {
		log, err := a.recordingLogFactory()
		if err != nil {
			return errArchive("failed to open recording log: " + err.Error())
		}
		a.recordingLog = log
	}
	if a.consensusSubscription == nil {
		sub, err := a.cfg.subscriptionFactory()(a.cfg.ConsensusChannel)
		if err != nil {
			return errArchive("failed to open consensus subscription: " + err.Error())
		}
		a.consensusSubscription = sub
	}
	a.timeOfLastProgressMs = nowMs
	a.transitionTo(StateBackupQuery, nowMs)
	return nil
}

// State returns the agent's current automaton state (spec.md §8 testable
// property 2: the published state counter and this value are always
// equal after each DoWork call).
func (a *Agent) State() State {
	return a.state
}

// transitionTo moves the agent to s and publishes the change on the shared
// state counter (spec.md §4.3, §6).
func (a *Agent) transitionTo(s State, nowMs int64) {
	a.state = s
	if a.published != nil {
		a.published.SetState(int(s))
	}
}

// DoWork runs one duty cycle. It never blocks: every collaborator is
// polled, not awaited. A non-nil error has already been reported to the
// listener and has already driven the state to RESET_BACKUP by the time it
// is returned — the caller's only obligation is to keep calling DoWork.
func (a *Agent) DoWork() (int, error) {
	nowMs := a.clock.NowMs()
	work := 0

	if a.state == StateInit {
		if err := a.onInit(nowMs); err != nil {
			return a.fail(nowMs, work, err)
		}
		work++
	}

	if nowMs != a.lastTickMs {
		a.lastTickMs = nowMs
		if a.markFile != nil {
			_ = a.markFile.UpdateActivityTimestamp(nowMs)
		}
	}

	n, err := a.pollConsensusInbound(nowMs)
	work += n
	if err != nil {
		return a.fail(nowMs, work, err)
	}

	n, err = a.dispatch(nowMs)
	work += n
	if err != nil {
		return a.fail(nowMs, work, err)
	}

	if a.stalled(nowMs) {
		stallErr := errTimeout("progress has stalled")
		a.listener.OnPossibleFailure(stallErr)
		a.transitionTo(StateResetBackup, nowMs)
	}

	return work, nil
}

func (a *Agent) fail(nowMs int64, work int, err error) (int, error) {
	a.listener.OnPossibleFailure(err)
	a.transitionTo(StateResetBackup, nowMs)
	return work, err
}

func (a *Agent) dispatch(nowMs int64) (int, error) {
	switch a.state {
	case StateBackupQuery:
		return a.onBackupQuery(nowMs)
	case StateSnapshotLengthRetrieve:
		return a.onSnapshotLengthRetrieve(nowMs)
	case StateSnapshotRetrieve:
		return a.onSnapshotRetrieve(nowMs)
	case StateLiveLogReplay:
		return a.onLiveLogReplay(nowMs)
	case StateUpdateRecordingLog:
		return a.onUpdateRecordingLog(nowMs)
	case StateBackingUp:
		return a.onBackingUp(nowMs)
	case StateResetBackup:
		return a.onResetBackup(nowMs)
	default:
		return 0, nil
	}
}

// stalled implements spec.md §4.11: once a live-log recording exists, this
// predicate can never fire again.
func (a *Agent) stalled(nowMs int64) bool {
	if a.liveLogRecCounterID != sentinel.NullCounterID {
		return false
	}
	return nowMs > a.timeOfLastProgressMs+a.cfg.BackupProgressTimeoutMs
}

// Close releases every resource the agent owns, including the
// consensus subscription whose lifetime spans the whole agent rather than
// a single reset cycle (spec.md §3 Lifecycles). Safe to call multiple
// times. The injected backupArchive is owned by the caller and is not
// closed here.
func (a *Agent) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	sub := a.consensusSubscription
	a.consensusSubscription = nil

	err := a.reset()
	if sub != nil {
		err = multierr.Append(err, sub.Close())
	}
	return err
}
