package transport

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ControlClient calls the control service over any client connection.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

// Dial connects to a running engine. The caller closes the returned conn.
func Dial(addr string) (*ControlClient, *grpc.ClientConn, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return NewControlClient(cc), cc, nil
}

func (c *ControlClient) call(ctx context.Context, method string, in any) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, new(emptypb.Empty))
}

func (c *ControlClient) StartCapture(ctx context.Context, mode string) error {
	return c.call(ctx, "StartCapture", wrapperspb.String(mode))
}

func (c *ControlClient) StopCapture(ctx context.Context, mode string) error {
	return c.call(ctx, "StopCapture", wrapperspb.String(mode))
}

func (c *ControlClient) ResetBreaker(ctx context.Context, mode string) error {
	return c.call(ctx, "ResetBreaker", wrapperspb.String(mode))
}

func (c *ControlClient) EnableBackfill(ctx context.Context, from time.Time) error {
	return c.call(ctx, "EnableBackfill", timestamppb.New(from))
}

func (c *ControlClient) DisableBackfill(ctx context.Context) error {
	return c.call(ctx, "DisableBackfill", &emptypb.Empty{})
}

func (c *ControlClient) PauseConsumer(ctx context.Context) error {
	return c.call(ctx, "PauseConsumer", &emptypb.Empty{})
}

func (c *ControlClient) ResumeConsumer(ctx context.Context) error {
	return c.call(ctx, "ResumeConsumer", &emptypb.Empty{})
}

func (c *ControlClient) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetStatus"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
