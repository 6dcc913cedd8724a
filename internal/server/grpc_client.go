package server

import (
	"context"
	"strings"

	"github.com/obby/reload-hub/internal/service"
	"github.com/obby/reload-hub/internal/stream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReloadClient calls reload.v1.ReloadService.
type ReloadClient struct {
	cc grpc.ClientConnInterface
}

// NewReloadClient wraps an established connection.
func NewReloadClient(cc grpc.ClientConnInterface) *ReloadClient {
	return &ReloadClient{cc: cc}
}

// Reload runs one batch on the server.
func (c *ReloadClient) Reload(ctx context.Context, paths []string, opts stream.Options) (service.BatchSummary, error) {
	list := make([]interface{}, len(paths))
	for i, p := range paths {
		list[i] = p
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"paths": list,
		"once":  opts.Once,
		"match": opts.Match,
	})
	if err != nil {
		return service.BatchSummary{}, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, reloadMethod, req, out); err != nil {
		return service.BatchSummary{}, err
	}

	fields := out.GetFields()
	summary := service.BatchSummary{
		Accepted:   int(fields["accepted"].GetNumberValue()),
		FullReload: fields["full_reload"].GetBoolValue(),
		Changed:    []string{},
	}
	for _, v := range fields["changed"].GetListValue().GetValues() {
		summary.Changed = append(summary.Changed, v.GetStringValue())
	}
	return summary, nil
}

// EventStream receives hub messages from StreamEvents.
type EventStream struct {
	cs grpc.ClientStream
}

// Recv blocks for the next message.
func (s *EventStream) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.cs.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// StreamEvents opens an event stream limited to topics (none means all).
func (c *ReloadClient) StreamEvents(ctx context.Context, topics ...string) (*EventStream, error) {
	if len(topics) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, TopicsMetadataKey, strings.Join(topics, ","))
	}
	cs, err := c.cc.NewStream(ctx, &reloadServiceDesc.Streams[0], streamEventsMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{cs: cs}, nil
}
