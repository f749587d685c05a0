package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Server is a reference implementation of the archive control service that
// can stand in for a real leader/local archive process. It is not part of
// the agent's own runtime — production deployments point Client at
// whatever real archive control service implements this same wire contract.
type Server struct {
	GetStopPositionFunc  func(ctx context.Context, recordingID int64) (int64, error)
	ReplayFunc           func(ctx context.Context, req replayRequest) (int64, error)
	StartRecordingFunc   func(ctx context.Context, req startRecordingRequest) (int64, error)
	ExtendRecordingFunc  func(ctx context.Context, req extendRecordingRequest) (int64, error)
	TryStopRecordingFunc func(ctx context.Context, recordingID int64) (bool, error)

	// Signals is read by the RecordingSignals stream handler until the
	// stream's context is cancelled. Each event is sent to the one connected
	// stream whose handler receives it from the channel.
	Signals chan recordingSignalEvent

	// Counters is read by the Counters stream handler the same way Signals
	// is (spec.md §1 counters registry).
	Counters chan counterUpdate
}

// NewServer returns a Server with signal and counter feeds buffered to 64
// events each, ready to wire into a grpc.Server via RegisterServiceDesc.
func NewServer() *Server {
	return &Server{
		Signals:  make(chan recordingSignalEvent, 64),
		Counters: make(chan counterUpdate, 64),
	}
}

// RegisterServiceDesc registers this Server's handlers on grpcServer.
func RegisterServiceDesc(grpcServer *grpc.Server, srv *Server) {
	grpcServer.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStopPosition", Handler: getStopPositionHandler},
		{MethodName: "Replay", Handler: replayHandler},
		{MethodName: "BoundedReplay", Handler: boundedReplayHandler},
		{MethodName: "StartRecording", Handler: startRecordingHandler},
		{MethodName: "ExtendRecording", Handler: extendRecordingHandler},
		{MethodName: "TryStopRecording", Handler: tryStopRecordingHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "RecordingSignals", Handler: recordingSignalsHandler, ServerStreams: true},
		{StreamName: "Counters", Handler: countersHandler, ServerStreams: true},
	},
}

func getStopPositionHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req stopPositionRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if s.GetStopPositionFunc == nil {
		return &stopPositionResponse{Err: "not implemented"}, nil
	}
	pos, err := s.GetStopPositionFunc(ctx, req.RecordingID)
	if err != nil {
		return &stopPositionResponse{Err: err.Error()}, nil
	}
	return &stopPositionResponse{Position: pos}, nil
}

func replayHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req replayRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if s.ReplayFunc == nil {
		return &replayResponse{Err: "not implemented"}, nil
	}
	sid, err := s.ReplayFunc(ctx, req)
	if err != nil {
		return &replayResponse{Err: err.Error()}, nil
	}
	return &replayResponse{SessionID: sid}, nil
}

func boundedReplayHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	return replayHandler(srv, ctx, dec, nil)
}

func startRecordingHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req startRecordingRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if s.StartRecordingFunc == nil {
		return &recordingResponse{Err: "not implemented"}, nil
	}
	rid, err := s.StartRecordingFunc(ctx, req)
	if err != nil {
		return &recordingResponse{Err: err.Error()}, nil
	}
	return &recordingResponse{RecordingID: rid}, nil
}

func extendRecordingHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req extendRecordingRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if s.ExtendRecordingFunc == nil {
		return &recordingResponse{Err: "not implemented"}, nil
	}
	rid, err := s.ExtendRecordingFunc(ctx, req)
	if err != nil {
		return &recordingResponse{Err: err.Error()}, nil
	}
	return &recordingResponse{RecordingID: rid}, nil
}

func tryStopRecordingHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	s := srv.(*Server)
	var req stopRecordingRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if s.TryStopRecordingFunc == nil {
		return &stopRecordingResponse{Err: "not implemented"}, nil
	}
	stopped, err := s.TryStopRecordingFunc(ctx, req.RecordingID)
	if err != nil {
		return &stopRecordingResponse{Err: err.Error()}, nil
	}
	return &stopRecordingResponse{Stopped: stopped}, nil
}

func recordingSignalsHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var req empty
	if err := stream.RecvMsg(&req); err != nil {
		return fmt.Errorf("rpc: RecordingSignals: failed to read request: %w", err)
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case evt, ok := <-s.Signals:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&evt); err != nil {
				return err
			}
		}
	}
}

func countersHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	var req empty
	if err := stream.RecvMsg(&req); err != nil {
		return fmt.Errorf("rpc: Counters: failed to read request: %w", err)
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case evt, ok := <-s.Counters:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&evt); err != nil {
				return err
			}
		}
	}
}
