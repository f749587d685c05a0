package archive

import "fmt"

// Fake is a scripted, in-memory Client for agent unit tests. Each request
// method assigns the next correlation id from a simple counter; responses
// queued with QueueControlResponse/QueueRecordingSignal are returned in
// FIFO order by the Poll methods, mirroring the "arrives on a later duty
// cycle" behavior of a real archive connection without any actual I/O.
type Fake struct {
	connected bool
	nextCorr  int64

	controlResponses []ControlResponse
	recordingSignals []RecordingSignal

	// Calls records every issued request for test assertions, keyed by a
	// short method tag.
	Calls []string
}

// NewFake returns a Fake that is connected immediately. Call SetConnected
// to simulate a pending async connect instead.
func NewFake() *Fake {
	return &Fake{connected: true, nextCorr: 1}
}

func (f *Fake) SetConnected(v bool) { f.connected = v }

func (f *Fake) Connect() { f.connected = true }

func (f *Fake) Connected() bool { return f.connected }

func (f *Fake) nextCorrelationID() int64 {
	id := f.nextCorr
	f.nextCorr++
	return id
}

func (f *Fake) GetStopPosition(recordingID int64) (int64, error) {
	f.Calls = append(f.Calls, fmt.Sprintf("GetStopPosition(%d)", recordingID))
	return f.nextCorrelationID(), nil
}

func (f *Fake) Replay(recordingID, startPosition, length int64, replayChannel string, replayStreamID int32) (int64, error) {
	f.Calls = append(f.Calls, fmt.Sprintf("Replay(%d)", recordingID))
	return f.nextCorrelationID(), nil
}

func (f *Fake) BoundedReplay(recordingID, startPosition, length int64, limitCounterID int32, replayChannel string, streamID int32) (int64, error) {
	f.Calls = append(f.Calls, fmt.Sprintf("BoundedReplay(%d)", recordingID))
	return f.nextCorrelationID(), nil
}

func (f *Fake) StartRecording(channel string, streamID int32, source SourceType, autoStop bool) (int64, error) {
	f.Calls = append(f.Calls, fmt.Sprintf("StartRecording(%s)", channel))
	return f.nextCorrelationID(), nil
}

func (f *Fake) ExtendRecording(existingRecordingID int64, channel string, streamID int32, source SourceType, autoStop bool) (int64, error) {
	f.Calls = append(f.Calls, fmt.Sprintf("ExtendRecording(%d,%s)", existingRecordingID, channel))
	return f.nextCorrelationID(), nil
}

func (f *Fake) TryStopRecording(recordingID int64) (int64, error) {
	f.Calls = append(f.Calls, fmt.Sprintf("TryStopRecording(%d)", recordingID))
	return f.nextCorrelationID(), nil
}

func (f *Fake) PollControlResponses() []ControlResponse {
	out := f.controlResponses
	f.controlResponses = nil
	return out
}

func (f *Fake) PollRecordingSignals() []RecordingSignal {
	out := f.recordingSignals
	f.recordingSignals = nil
	return out
}

func (f *Fake) Close() error { return nil }

// QueueControlResponse makes resp available on the next PollControlResponses
// call.
func (f *Fake) QueueControlResponse(resp ControlResponse) {
	f.controlResponses = append(f.controlResponses, resp)
}

// QueueRecordingSignal makes sig available on the next PollRecordingSignals
// call.
func (f *Fake) QueueRecordingSignal(sig RecordingSignal) {
	f.recordingSignals = append(f.recordingSignals, sig)
}

// LastCorrelationID returns the most recently issued correlation id,
// useful for tests that need to queue a response without tracking ids by
// hand.
func (f *Fake) LastCorrelationID() int64 {
	return f.nextCorr - 1
}
