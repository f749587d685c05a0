package rpc

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/relaykeep/backup-agent/internal/archive"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// Client is a gRPC-backed archive.Client. One Client is created per archive
// connection (local, or per leader across the agent's lifetime) — see
// spec.md §3 Lifecycles. It also implements agent.CountersReader: the
// same connection that carries control RPCs and recording signals also
// carries a continuous Counters push, so a single Client stands in for
// both of spec.md §1's external collaborators (archive client, counters
// registry) without a second dial.
type Client struct {
	target string
	logger *zap.Logger

	mu               sync.Mutex
	conn             *grpc.ClientConn
	control          []archive.ControlResponse
	signals          []archive.RecordingSignal
	nextCorr         int64
	closed           bool
	sessionCounters  map[int64]int32
	counterValues    map[int32]int64
	counterAvailable map[int32]bool

	connected atomic.Bool
	cancel    context.CancelFunc
}

// Dial starts an asynchronous connection to target and returns immediately
// — consistent with spec.md §4.4's "kick off an asynchronous connect" and
// §4.5 step 1's "poll the async connect". Connected() reports readiness.
func Dial(target string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		target:           target,
		logger:           logger.Named("archive-rpc"),
		cancel:           cancel,
		sessionCounters:  make(map[int64]int32),
		counterValues:    make(map[int32]int64),
		counterAvailable: make(map[int32]bool),
	}
	go c.connectLoop(ctx)
	return c
}

func (c *Client) connectLoop(ctx context.Context) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := grpc.NewClient(c.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			c.logger.Warn("archive dial failed, retrying", zap.String("target", c.target), zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)

		c.consumeStreams(ctx, conn)

		// Either stream ended (network drop, server close): treat the
		// connection as dead and retry from scratch.
		c.connected.Store(false)
		conn.Close()
		if !sleep(ctx, jitter(backoff)) {
			return
		}
		backoff = backoffInitial
	}
}

// consumeStreams runs the recording-signal and counters streams
// concurrently over conn and returns once either one ends, cancelling the
// other so connectLoop can redial cleanly.
func (c *Client) consumeStreams(ctx context.Context, conn *grpc.ClientConn) {
	iterCtx, iterCancel := context.WithCancel(ctx)
	defer iterCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer iterCancel()
		c.consumeRecordingSignals(iterCtx, conn)
	}()
	go func() {
		defer wg.Done()
		defer iterCancel()
		c.consumeCounters(iterCtx, conn)
	}()
	wg.Wait()
}

func (c *Client) consumeRecordingSignals(ctx context.Context, conn *grpc.ClientConn) {
	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, methodRecordingSignals, grpc.CallContentSubtype(codecName))
	if err != nil {
		c.logger.Warn("failed to open recording-signal stream", zap.Error(err))
		return
	}
	if err := stream.SendMsg(&empty{}); err != nil {
		c.logger.Warn("failed to request recording-signal stream", zap.Error(err))
		return
	}
	if err := stream.CloseSend(); err != nil {
		c.logger.Warn("failed to half-close recording-signal stream", zap.Error(err))
	}

	for {
		var evt recordingSignalEvent
		if err := stream.RecvMsg(&evt); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("recording-signal stream ended", zap.Error(err))
			}
			return
		}
		c.mu.Lock()
		c.signals = append(c.signals, archive.RecordingSignal{
			RecordingID: evt.RecordingID,
			Signal:      archive.SignalKind(evt.Signal),
			Position:    evt.Position,
		})
		c.mu.Unlock()
	}
}

// consumeCounters drains the Counters push stream into the client's local
// cache, which FindRecordingPositionCounterID and Value read from
// synchronously (spec.md §1 counters registry, §5 "never blocks").
func (c *Client) consumeCounters(ctx context.Context, conn *grpc.ClientConn) {
	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, methodCounters, grpc.CallContentSubtype(codecName))
	if err != nil {
		c.logger.Warn("failed to open counters stream", zap.Error(err))
		return
	}
	if err := stream.SendMsg(&empty{}); err != nil {
		c.logger.Warn("failed to request counters stream", zap.Error(err))
		return
	}
	if err := stream.CloseSend(); err != nil {
		c.logger.Warn("failed to half-close counters stream", zap.Error(err))
	}

	for {
		var evt counterUpdate
		if err := stream.RecvMsg(&evt); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("counters stream ended", zap.Error(err))
			}
			return
		}
		c.mu.Lock()
		if evt.HasSession {
			c.sessionCounters[evt.SessionID] = evt.CounterID
		}
		if evt.Available {
			c.counterValues[evt.CounterID] = evt.Value
			c.counterAvailable[evt.CounterID] = true
		} else {
			delete(c.counterValues, evt.CounterID)
			c.counterAvailable[evt.CounterID] = false
		}
		c.mu.Unlock()
	}
}

// FindRecordingPositionCounterID implements agent.CountersReader.
func (c *Client) FindRecordingPositionCounterID(sessionID int64) (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessionCounters[sessionID]
	return id, ok
}

// Value implements agent.CountersReader.
func (c *Client) Value(counterID int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.counterAvailable[counterID] {
		return 0, false
	}
	v, ok := c.counterValues[counterID]
	return v, ok
}

// Connect is a no-op for Client: the connection loop is already running
// from Dial. It exists to satisfy archive.Client for callers that treat
// connect as idempotent and re-invocable.
func (c *Client) Connect() {}

// Connected implements archive.Client.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) nextCorrelationID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCorr++
	return c.nextCorr
}

func (c *Client) pushControl(resp archive.ControlResponse) {
	c.mu.Lock()
	c.control = append(c.control, resp)
	c.mu.Unlock()
}

// invokeAsync issues the unary RPC on a background goroutine and converts
// its outcome into a ControlResponse queued for the next
// PollControlResponses call — the agent's duty cycle never waits on it.
func (c *Client) invokeAsync(corr int64, method string, req, resp any, extractResult func(any) (int64, string)) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.pushControl(archive.ControlResponse{CorrelationID: corr, Code: archive.ResponseError, ErrorMessage: "archive: not connected"})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
			c.pushControl(archive.ControlResponse{CorrelationID: corr, Code: archive.ResponseError, ErrorMessage: err.Error()})
			return
		}
		result, errMsg := extractResult(resp)
		if errMsg != "" {
			c.pushControl(archive.ControlResponse{CorrelationID: corr, Code: archive.ResponseError, ErrorMessage: errMsg})
			return
		}
		c.pushControl(archive.ControlResponse{CorrelationID: corr, Code: archive.ResponseOK, Result: result})
	}()
}

func (c *Client) GetStopPosition(recordingID int64) (int64, error) {
	corr := c.nextCorrelationID()
	req := &stopPositionRequest{RecordingID: recordingID}
	resp := &stopPositionResponse{}
	c.invokeAsync(corr, methodGetStopPosition, req, resp, func(r any) (int64, string) {
		rr := r.(*stopPositionResponse)
		return rr.Position, rr.Err
	})
	return corr, nil
}

func (c *Client) Replay(recordingID, startPosition, length int64, replayChannel string, replayStreamID int32) (int64, error) {
	corr := c.nextCorrelationID()
	req := &replayRequest{RecordingID: recordingID, StartPosition: startPosition, Length: length, Channel: replayChannel, StreamID: replayStreamID}
	resp := &replayResponse{}
	c.invokeAsync(corr, methodReplay, req, resp, func(r any) (int64, string) {
		rr := r.(*replayResponse)
		return rr.SessionID, rr.Err
	})
	return corr, nil
}

func (c *Client) BoundedReplay(recordingID, startPosition, length int64, limitCounterID int32, replayChannel string, streamID int32) (int64, error) {
	corr := c.nextCorrelationID()
	req := &replayRequest{RecordingID: recordingID, StartPosition: startPosition, Length: length, LimitCounterID: limitCounterID, Channel: replayChannel, StreamID: streamID}
	resp := &replayResponse{}
	c.invokeAsync(corr, methodBoundedReplay, req, resp, func(r any) (int64, string) {
		rr := r.(*replayResponse)
		return rr.SessionID, rr.Err
	})
	return corr, nil
}

func (c *Client) StartRecording(channel string, streamID int32, source archive.SourceType, autoStop bool) (int64, error) {
	corr := c.nextCorrelationID()
	req := &startRecordingRequest{Channel: channel, StreamID: streamID, Remote: source == archive.SourceRemote, AutoStop: autoStop}
	resp := &recordingResponse{}
	c.invokeAsync(corr, methodStartRecording, req, resp, func(r any) (int64, string) {
		rr := r.(*recordingResponse)
		return rr.RecordingID, rr.Err
	})
	return corr, nil
}

func (c *Client) ExtendRecording(existingRecordingID int64, channel string, streamID int32, source archive.SourceType, autoStop bool) (int64, error) {
	corr := c.nextCorrelationID()
	req := &extendRecordingRequest{ExistingRecordingID: existingRecordingID, Channel: channel, StreamID: streamID, Remote: source == archive.SourceRemote, AutoStop: autoStop}
	resp := &recordingResponse{}
	c.invokeAsync(corr, methodExtendRecording, req, resp, func(r any) (int64, string) {
		rr := r.(*recordingResponse)
		return rr.RecordingID, rr.Err
	})
	return corr, nil
}

func (c *Client) TryStopRecording(recordingID int64) (int64, error) {
	corr := c.nextCorrelationID()
	req := &stopRecordingRequest{RecordingID: recordingID}
	resp := &stopRecordingResponse{}
	c.invokeAsync(corr, methodTryStopRecording, req, resp, func(r any) (int64, string) {
		rr := r.(*stopRecordingResponse)
		var result int64
		if rr.Stopped {
			result = 1
		}
		return result, rr.Err
	})
	return corr, nil
}

func (c *Client) PollControlResponses() []archive.ControlResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.control
	c.control = nil
	return out
}

func (c *Client) PollRecordingSignals() []archive.RecordingSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.signals
	c.signals = nil
	return out
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

var _ archive.Client = (*Client)(nil)
