package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	broker "github.com/ef-robotics/ailet/pkg/broker"
	camera "github.com/ef-robotics/ailet/pkg/camera"
	upload "github.com/ef-robotics/ailet/pkg/upload"
	grpc "google.golang.org/grpc"
	codes "google.golang.org/grpc/codes"
	health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	status "google.golang.org/grpc/status"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

// Recorder is what the control service drives.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StopRecording()
	Report() map[string]interface{}
	OnStateChange(fn func(recording bool))
}

type Server struct {
	rec      Recorder
	outcomes *broker.Broker[upload.Outcome]

	fullAddr string
	network  string
	addr     string

	gs     *grpc.Server
	health *health.Server

	mu       sync.Mutex
	ln       net.Listener
	quit     chan struct{}
	quitOnce sync.Once
}

// SplitAddr splits "network://address", e.g. unix:///tmp/ailet.control or
// tcp://127.0.0.1:7400.
func SplitAddr(fullAddr string) (network, addr string, err error) {
	splitKey := "://"
	splitIndex := strings.Index(fullAddr, splitKey)
	if splitIndex == -1 {
		return "", "", errors.New("invalid server address")
	}
	network = fullAddr[:splitIndex]
	addr = fullAddr[splitIndex+len(splitKey):]
	if addr == "" {
		return "", "", errors.New("invalid server address")
	}
	return network, addr, nil
}

// NewServer builds the control server. outcomes may be nil, in which case
// WatchOutcomes is unavailable.
func NewServer(fullAddr string, rec Recorder, outcomes *broker.Broker[upload.Outcome]) (*Server, error) {
	network, addr, err := SplitAddr(fullAddr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		rec:      rec,
		outcomes: outcomes,
		fullAddr: fullAddr,
		network:  network,
		addr:     addr,
		gs:       grpc.NewServer(),
		health:   health.NewServer(),
		quit:     make(chan struct{}),
	}

	RegisterRecorderServer(s.gs, s)
	healthpb.RegisterHealthServer(s.gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	rec.OnStateChange(func(recording bool) {
		if recording {
			s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		} else {
			s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	})
	return s, nil
}

// Listen binds the listen address. A stale unix socket is removed first.
func (s *Server) Listen(ctx context.Context) (net.Addr, error) {
	if s.network == "unix" {
		if err := os.Remove(s.addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	lnConfig := net.ListenConfig{}
	ln, err := lnConfig.Listen(ctx, s.network, s.addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	slog.Info("control listening", "addr", s.fullAddr)
	return ln.Addr(), nil
}

// Serve blocks until Stop. Listen must have succeeded.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server is not listening")
	}
	if err := s.gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	if _, err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve()
}

// Stop ends outcome streams and waits up to a second for pending RPCs.
func (s *Server) Stop() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		s.gs.Stop()
	}
}

func (s *Server) StartRecording(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	slog.Info("got start recording request")
	if err := s.rec.StartRecording(ctx); err != nil {
		return nil, status.Error(errorCode(err), err.Error())
	}
	return s.report()
}

func (s *Server) StopRecording(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	slog.Info("got stop recording request")
	s.rec.StopRecording()
	return s.report()
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.report()
}

func (s *Server) WatchOutcomes(_ *emptypb.Empty, stream grpc.ServerStream) error {
	if s.outcomes == nil {
		return status.Error(codes.Unimplemented, "outcome stream disabled")
	}
	c := s.outcomes.Subscribe()
	if c == nil {
		return status.Error(codes.Unavailable, "subscription unavailable")
	}
	defer s.outcomes.Unsubscribe(c)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-s.quit:
			return nil
		case o, ok := <-c:
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(OutcomeFields(o))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			slog.Debug("outcome streamed", "id", o.FrameID)
		}
	}
}

func (s *Server) report() (*structpb.Struct, error) {
	st, err := structpb.NewStruct(s.rec.Report())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// OutcomeFields flattens an outcome for the watch stream.
func OutcomeFields(o upload.Outcome) map[string]interface{} {
	fields := map[string]interface{}{
		"frame_id":    o.FrameID,
		"file":        o.Name,
		"size":        o.Size,
		"status":      o.Status.String(),
		"attempts":    o.Attempts,
		"elapsed_ms":  o.Elapsed.Milliseconds(),
		"resolved_at": o.At.Format(time.RFC3339Nano),
	}
	if o.Code != 0 {
		fields["code"] = o.Code
	}
	if o.Err != nil {
		fields["error"] = o.Err.Error()
	}
	return fields
}

func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		return codes.PermissionDenied
	case errors.Is(err, camera.ErrNoDevice):
		return codes.NotFound
	case errors.Is(err, camera.ErrInvalidState):
		return codes.FailedPrecondition
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Unavailable
	}
}
