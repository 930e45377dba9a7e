package control

import (
	"context"
	"errors"
	"io"
	"strings"

	grpc "google.golang.org/grpc"
	insecure "google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

type Client struct {
	conn *grpc.ClientConn
}

// Target converts a listen address into a gRPC dial target. unix:// is
// understood by gRPC as is.
func Target(fullAddr string) string {
	if rest, ok := strings.CutPrefix(fullAddr, "tcp://"); ok {
		return rest
	}
	return fullAddr
}

func Dial(fullAddr string) (*Client, error) {
	conn, err := grpc.NewClient(Target(fullAddr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) StartRecording(ctx context.Context) (*structpb.Struct, error) {
	return c.unary(ctx, startRecordingMethod)
}

func (c *Client) StopRecording(ctx context.Context) (*structpb.Struct, error) {
	return c.unary(ctx, stopRecordingMethod)
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.unary(ctx, statusMethod)
}

func (c *Client) unary(ctx context.Context, method string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchOutcomes calls fn for every outcome until ctx ends or the server
// closes the stream.
func (c *Client) WatchOutcomes(ctx context.Context, fn func(*structpb.Struct)) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], watchOutcomesMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fn(msg)
	}
}

// Health reports whether the recorder is currently recording.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
