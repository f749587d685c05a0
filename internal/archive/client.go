// Package archive defines the archive-client collaborator of spec.md §1:
// "issues getStopPosition, replay, boundedReplay, startRecording,
// extendRecording, tryStopRecording, and exposes a control-response poller
// and a recording-signal stream. Assumed correct." The agent owns zero or
// more Client instances (one local, one per leader across its lifetime) and
// drives every operation by issuing a request and polling for its result —
// never blocking (spec.md §5).
package archive

import "fmt"

// ResponseCode is the outcome of a single control-protocol request.
type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	ResponseError
)

// ControlResponse is one entry from the control-response poller (spec.md
// §1, §4.5, §4.6, §7 ArchiveError).
type ControlResponse struct {
	CorrelationID int64
	Code          ResponseCode
	// Result carries the operation-specific payload on success: a stop
	// position for GetStopPosition, a replay session id for Replay /
	// BoundedReplay, a recording id for StartRecording / ExtendRecording, or
	// 1/0 for TryStopRecording.
	Result       int64
	ErrorMessage string
}

// SignalKind enumerates the recording-signal events spec.md §4.6 reacts to.
type SignalKind int

const (
	SignalStart SignalKind = iota
	SignalStop
	SignalExtend
)

// RecordingSignal is one event from the recording-signal stream (spec.md
// §1, §4.6).
type RecordingSignal struct {
	RecordingID int64
	Signal      SignalKind
	Position    int64
}

// SourceType distinguishes a recording fed by a local replay of this
// process's own data (LOCAL) from one fed by a remote leader's replayed
// stream (REMOTE) (spec.md §4.6 "REMOTE, autoStop=true").
type SourceType int

const (
	SourceLocal SourceType = iota
	SourceRemote
)

// ErrArchive wraps the error message of a control response with
// Code == ResponseError (spec.md §7 ArchiveError).
type ErrArchive struct {
	CorrelationID int64
	Message       string
}

func (e *ErrArchive) Error() string {
	return fmt.Sprintf("archive: request %d failed: %s", e.CorrelationID, e.Message)
}

// Client is the archive-client collaborator interface. Every method that
// issues a request returns immediately with a correlation id; the caller
// polls PollControlResponses for the matching result on a later duty
// cycle. At most one outstanding correlation id may exist per Client at a
// time (spec.md §3 invariant, §5 "Ordering").
type Client interface {
	// Connect begins an asynchronous connection attempt if one is not
	// already in flight or complete. Non-blocking.
	Connect()
	// Connected reports whether the connection has completed.
	Connected() bool

	GetStopPosition(recordingID int64) (correlationID int64, err error)
	Replay(recordingID, startPosition, length int64, replayChannel string, replayStreamID int32) (correlationID int64, err error)
	BoundedReplay(recordingID, startPosition, length int64, limitCounterID int32, replayChannel string, streamID int32) (correlationID int64, err error)
	StartRecording(channel string, streamID int32, source SourceType, autoStop bool) (correlationID int64, err error)
	ExtendRecording(existingRecordingID int64, channel string, streamID int32, source SourceType, autoStop bool) (correlationID int64, err error)
	TryStopRecording(recordingID int64) (correlationID int64, err error)

	// PollControlResponses drains and returns any control responses that
	// have arrived since the last call. Non-blocking.
	PollControlResponses() []ControlResponse
	// PollRecordingSignals drains and returns any recording-signal events
	// that have arrived since the last call. Non-blocking.
	PollRecordingSignals() []RecordingSignal

	Close() error
}
