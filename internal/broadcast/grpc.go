package broadcast

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

const subscribeMethod = "/sonde.v1.Distribution/Subscribe"

// DistributionServer is the server side of sonde.v1.Distribution. Requests
// and responses are google.protobuf.Struct:
//
//	request:  {"events": ["telemetry_event", ...]}   (empty list = all)
//	response: {"event": "<name>", "data": <payload>}
type DistributionServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// DistributionServiceDesc describes the sonde.v1.Distribution service.
var DistributionServiceDesc = grpc.ServiceDesc{
	ServiceName: "sonde.v1.Distribution",
	HandlerType: (*DistributionServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "sonde/v1/distribution.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(DistributionServer).Subscribe(req, stream)
}

// GRPCService streams hub events to gRPC clients.
type GRPCService struct {
	hub *Hub
}

var _ DistributionServer = (*GRPCService)(nil)

func NewGRPCService(h *Hub) *GRPCService {
	return &GRPCService{hub: h}
}

// Register adds the service to s.
func (g *GRPCService) Register(s *grpc.Server) {
	s.RegisterService(&DistributionServiceDesc, g)
}

func (g *GRPCService) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	var names []string
	for _, v := range req.GetFields()["events"].GetListValue().GetValues() {
		if n := v.GetStringValue(); n != "" {
			names = append(names, n)
		}
	}

	id, events := g.hub.Subscribe(names...)
	defer g.hub.Unsubscribe(id)
	monitoring.Infof("%s gRPC client subscribed: %s events=%v", LogTag, id, names)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := eventToStruct(ev)
			if err != nil {
				monitoring.Warnf("%s gRPC encode %s: %v", LogTag, ev.Name, err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func eventToStruct(ev Event) (*structpb.Struct, error) {
	var payload any
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, err
	}
	data, err := structpb.NewValue(payload)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"event": structpb.NewStringValue(ev.Name),
		"data":  data,
	}}, nil
}

// RemoteStream receives events from a sonde.v1.Distribution server.
type RemoteStream struct {
	stream grpc.ClientStream
}

// SubscribeRemote opens a Subscribe stream on cc for the named events (all
// events when none are given).
func SubscribeRemote(ctx context.Context, cc grpc.ClientConnInterface, names ...string) (*RemoteStream, error) {
	stream, err := cc.NewStream(ctx, &DistributionServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("open subscribe stream: %w", err)
	}
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	req, err := structpb.NewStruct(map[string]any{"events": list})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &RemoteStream{stream: stream}, nil
}

// Recv blocks for the next event.
func (r *RemoteStream) Recv() (Event, error) {
	msg := new(structpb.Struct)
	if err := r.stream.RecvMsg(msg); err != nil {
		return Event{}, err
	}
	fields := msg.GetFields()
	data, err := json.Marshal(fields["data"].AsInterface())
	if err != nil {
		return Event{}, err
	}
	return Event{Name: fields["event"].GetStringValue(), Data: data}, nil
}
