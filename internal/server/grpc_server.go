package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/obby/reload-hub/internal/hub"
	"github.com/obby/reload-hub/internal/service"
	"github.com/obby/reload-hub/internal/stream"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReloadServiceName is the fully qualified gRPC service name.
const ReloadServiceName = "reload.v1.ReloadService"

const (
	reloadMethod       = "/" + ReloadServiceName + "/Reload"
	streamEventsMethod = "/" + ReloadServiceName + "/StreamEvents"

	// TopicsMetadataKey carries a comma separated topic list for StreamEvents.
	TopicsMetadataKey = "x-reload-topics"
)

// ReloadServiceServer is the server API for reload.v1.ReloadService.
//
// Reload takes {"paths": [...], "once": bool, "match": string} and returns
// {"accepted": n, "changed": [...], "full_reload": bool}. StreamEvents sends
// {"event", "topic", "data"} for every hub message, internal ones included.
type ReloadServiceServer interface {
	Reload(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*emptypb.Empty, grpc.ServerStream) error
}

var reloadServiceDesc = grpc.ServiceDesc{
	ServiceName: ReloadServiceName,
	HandlerType: (*ReloadServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reload", Handler: reloadHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
	Metadata: "reload/v1/reload.proto",
}

func reloadHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReloadServiceServer).Reload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reloadMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReloadServiceServer).Reload(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEventsHandler(srv interface{}, ss grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := ss.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ReloadServiceServer).StreamEvents(in, ss)
}

// GRPCServer implements ReloadServiceServer on top of the hub and reloader
type GRPCServer struct {
	hub      *hub.Hub
	reloader *service.Reloader
	server   *grpc.Server
	health   *health.Server
	addr     string
}

// NewGRPCServer creates the gRPC server with the reload and health services registered.
func NewGRPCServer(addr string, h *hub.Hub, reloader *service.Reloader) *GRPCServer {
	s := &GRPCServer{
		hub:      h,
		reloader: reloader,
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		addr:     addr,
	}
	s.server.RegisterService(&reloadServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ReloadServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Reload implements the Reload RPC
func (s *GRPCServer) Reload(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	paths, opts, err := decodeReloadRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	summary, err := s.reloader.RunBatch(paths, opts)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return encodeSummary(summary)
}

// StreamEvents implements the StreamEvents RPC
func (s *GRPCServer) StreamEvents(_ *emptypb.Empty, ss grpc.ServerStream) error {
	ctx := ss.Context()

	client := s.hub.NewClient(topicsFromMetadata(ctx)...)
	client.Internal = true
	if err := s.hub.Register(client); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.hub.Unregister(client)
	log.Debug().Str("client_id", client.ID).Msg("gRPC event stream opened")

	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return status.Error(codes.Unavailable, "event stream closed by server")
			}
			out, err := encodeMessage(msg)
			if err != nil {
				log.Warn().Err(err).Str("event", msg.Event).Msg("failed to encode event for gRPC")
				continue
			}
			if err := ss.SendMsg(out); err != nil {
				return err
			}
		case <-ctx.Done():
			log.Debug().Str("client_id", client.ID).Msg("gRPC event stream closed")
			return nil
		}
	}
}

// Serve accepts connections on l until Stop is called.
func (s *GRPCServer) Serve(l net.Listener) error {
	log.Info().Str("addr", l.Addr().String()).Msg("gRPC server listening")
	return s.server.Serve(l)
}

// Start listens on the configured address and serves until Stop is called.
func (s *GRPCServer) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Stop drains in-flight RPCs, forcing the shutdown once ctx is done.
func (s *GRPCServer) Stop(ctx context.Context) {
	log.Info().Msg("shutting down gRPC server")
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
}

func decodeReloadRequest(req *structpb.Struct) ([]string, stream.Options, error) {
	var opts stream.Options
	fields := req.GetFields()

	var paths []string
	if v, ok := fields["paths"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, opts, errors.New("paths must be a list of strings")
		}
		for _, item := range list.GetValues() {
			str, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, opts, errors.New("paths must be a list of strings")
			}
			paths = append(paths, str.StringValue)
		}
	}
	if v, ok := fields["once"]; ok {
		b, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return nil, opts, errors.New("once must be a boolean")
		}
		opts.Once = b.BoolValue
	}
	if v, ok := fields["match"]; ok {
		str, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, opts, errors.New("match must be a string")
		}
		opts.Match = str.StringValue
	}
	return paths, opts, nil
}

func encodeSummary(summary service.BatchSummary) (*structpb.Struct, error) {
	changed := make([]interface{}, len(summary.Changed))
	for i, name := range summary.Changed {
		changed[i] = name
	}
	return structpb.NewStruct(map[string]interface{}{
		"accepted":    summary.Accepted,
		"changed":     changed,
		"full_reload": summary.FullReload,
	})
}

func encodeMessage(msg hub.Message) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"event": msg.Event,
		"topic": msg.Topic,
	}
	if len(msg.Data) > 0 {
		var data interface{}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, err
		}
		fields["data"] = data
	}
	return structpb.NewStruct(fields)
}

func topicsFromMetadata(ctx context.Context) []string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	var topics []string
	for _, raw := range md.Get(TopicsMetadataKey) {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	return topics
}
