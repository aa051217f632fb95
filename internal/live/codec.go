// Package live streams trade lifecycle events over gRPC and mirrors them on
// the client side. Messages are google.protobuf.Struct values carrying the
// JSON form of domain.Event, so no generated code is needed.
package live

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"autotrader/internal/domain"
)

// ServiceName is the gRPC service name, also used for health reporting.
const ServiceName = "autotrader.Events"

const streamMethod = "/" + ServiceName + "/Stream"

// eventsServer is the handler type registered for ServiceName.
type eventsServer interface {
	Stream(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*eventsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "autotrader/events.proto",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(eventsServer).Stream(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// encodeEvent converts an event to its wire form.
func encodeEvent(ev domain.Event) (*structpb.Struct, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshalling event: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshalling event: %w", err)
	}
	return structpb.NewStruct(m)
}

// decodeEvent converts a wire message back to an event.
func decodeEvent(s *structpb.Struct) (domain.Event, error) {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshalling message: %w", err)
	}
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decoding event: %w", err)
	}
	return ev, nil
}

// StreamRequest filters a subscription. An empty Symbol receives every
// symbol.
type StreamRequest struct {
	Symbol string
}

func (r StreamRequest) toProto() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"symbol": structpb.NewStringValue(r.Symbol),
	}}
}

func streamRequestFromProto(s *structpb.Struct) StreamRequest {
	return StreamRequest{Symbol: s.GetFields()["symbol"].GetStringValue()}
}
