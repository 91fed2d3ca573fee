package transport

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"convoflow/internal/capture"
	"convoflow/internal/consumer"
	"convoflow/internal/cursor"
)

const ControlServiceName = "convoflow.v1.Control"

func fullMethod(name string) string { return "/" + ControlServiceName + "/" + name }

// ControlServer is the operator surface. Requests and replies are protobuf
// well-known types, so no generated code is involved.
type ControlServer interface {
	StartCapture(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	StopCapture(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	EnableBackfill(context.Context, *timestamppb.Timestamp) (*emptypb.Empty, error)
	DisableBackfill(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ResetBreaker(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	PauseConsumer(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ResumeConsumer(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

var controlDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartCapture", ControlServer.StartCapture),
		unary("StopCapture", ControlServer.StopCapture),
		unary("GetStatus", ControlServer.GetStatus),
		unary("EnableBackfill", ControlServer.EnableBackfill),
		unary("DisableBackfill", ControlServer.DisableBackfill),
		unary("ResetBreaker", ControlServer.ResetBreaker),
		unary("PauseConsumer", ControlServer.PauseConsumer),
		unary("ResumeConsumer", ControlServer.ResumeConsumer),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "convoflow/v1/control.proto",
}

func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			}
			if ic == nil {
				return h(ctx, in)
			}
			return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}, h)
		},
	}
}

func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlDesc, srv)
}

// Capture is the part of the capture engine the control surface drives.
type Capture interface {
	StartCapture(ctx context.Context, m cursor.Mode) error
	StopCapture(ctx context.Context, m cursor.Mode) error
	EnableBackfill(ctx context.Context, from time.Time) error
	DisableBackfill(ctx context.Context) error
	ResetBreaker(ctx context.Context, m cursor.Mode) error
	Status() []capture.ModeStatus
}

type Consumer interface {
	Name() string
	Pause()
	Resume()
	Paused() bool
	Metrics() consumer.Metrics
}

type Buffer interface {
	Open() int
}

// Backend holds whichever stages are running; nil fields answer
// FailedPrecondition.
type Backend struct {
	NodeID   string
	Capture  Capture
	Consumer Consumer
	Buffer   Buffer
}

type ConsumerStatus struct {
	Name    string           `json:"name"`
	Paused  bool             `json:"paused"`
	Metrics consumer.Metrics `json:"metrics"`
}

type Report struct {
	NodeID            string               `json:"nodeId,omitempty"`
	Capture           []capture.ModeStatus `json:"capture,omitempty"`
	Consumer          *ConsumerStatus      `json:"consumer,omitempty"`
	OpenConversations *int                 `json:"openConversations,omitempty"`
}

func (b Backend) Report() Report {
	r := Report{NodeID: b.NodeID}
	if b.Capture != nil {
		r.Capture = b.Capture.Status()
	}
	if b.Consumer != nil {
		r.Consumer = &ConsumerStatus{Name: b.Consumer.Name(), Paused: b.Consumer.Paused(), Metrics: b.Consumer.Metrics()}
	}
	if b.Buffer != nil {
		n := b.Buffer.Open()
		r.OpenConversations = &n
	}
	return r
}

type controlService struct {
	b Backend
}

func NewControlService(b Backend) ControlServer { return &controlService{b: b} }

var empty = &emptypb.Empty{}

func (s *controlService) capture() (Capture, error) {
	if s.b.Capture == nil {
		return nil, status.Error(codes.FailedPrecondition, "capture stage is not running")
	}
	return s.b.Capture, nil
}

func (s *controlService) consumer() (Consumer, error) {
	if s.b.Consumer == nil {
		return nil, status.Error(codes.FailedPrecondition, "assembly stage is not running")
	}
	return s.b.Consumer, nil
}

func parseMode(v *wrapperspb.StringValue) (cursor.Mode, error) {
	m, err := cursor.ParseMode(v.GetValue())
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return m, nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	var pe *cursor.PersistenceError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, capture.ErrBreakerTripped):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &pe):
		// applied in memory, not durable
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *controlService) modeOp(v *wrapperspb.StringValue, op func(Capture, cursor.Mode) error) (*emptypb.Empty, error) {
	c, err := s.capture()
	if err != nil {
		return nil, err
	}
	m, err := parseMode(v)
	if err != nil {
		return nil, err
	}
	return empty, toStatus(op(c, m))
}

func (s *controlService) StartCapture(ctx context.Context, v *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.modeOp(v, func(c Capture, m cursor.Mode) error { return c.StartCapture(ctx, m) })
}

func (s *controlService) StopCapture(ctx context.Context, v *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.modeOp(v, func(c Capture, m cursor.Mode) error { return c.StopCapture(ctx, m) })
}

func (s *controlService) ResetBreaker(ctx context.Context, v *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return s.modeOp(v, func(c Capture, m cursor.Mode) error { return c.ResetBreaker(ctx, m) })
}

func (s *controlService) EnableBackfill(ctx context.Context, ts *timestamppb.Timestamp) (*emptypb.Empty, error) {
	c, err := s.capture()
	if err != nil {
		return nil, err
	}
	if ts == nil || (ts.GetSeconds() == 0 && ts.GetNanos() == 0) {
		return nil, status.Error(codes.InvalidArgument, "backfill start time is required")
	}
	if err := ts.CheckValid(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return empty, toStatus(c.EnableBackfill(ctx, ts.AsTime()))
}

func (s *controlService) DisableBackfill(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	c, err := s.capture()
	if err != nil {
		return nil, err
	}
	return empty, toStatus(c.DisableBackfill(ctx))
}

func (s *controlService) PauseConsumer(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	c, err := s.consumer()
	if err != nil {
		return nil, err
	}
	c.Pause()
	return empty, nil
}

func (s *controlService) ResumeConsumer(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	c, err := s.consumer()
	if err != nil {
		return nil, err
	}
	c.Resume()
	return empty, nil
}

func (s *controlService) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st, err := reportStruct(s.b.Report())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func reportStruct(r Report) (*structpb.Struct, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
