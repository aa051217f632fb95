package live

import (
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"autotrader/internal/domain"
)

// Subscriber is the event source a stream attaches to.
type Subscriber interface {
	Subscribe(bufSize int) (int, <-chan domain.Event)
	Unsubscribe(id int)
}

// Snapshotter provides the live trades sent to a new subscriber.
type Snapshotter interface {
	LiveTrades() []*domain.Trade
}

// Server implements the autotrader.Events/Stream gRPC endpoint.
type Server struct {
	bus       Subscriber
	snapshots Snapshotter
	log       *slog.Logger
}

// NewServer creates a stream server. snapshots may be nil.
func NewServer(bus Subscriber, snapshots Snapshotter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{bus: bus, snapshots: snapshots, log: log.With("component", "grpc_stream")}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Stream sends one snapshot event per live trade, then streams lifecycle
// events as they are published. The stream ends when the client
// disconnects.
func (s *Server) Stream(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	filter := streamRequestFromProto(req)
	filter.Symbol = strings.ToUpper(filter.Symbol)

	// Subscribe before the snapshot so nothing published in between is lost.
	subID, ch := s.bus.Subscribe(1024)
	defer s.bus.Unsubscribe(subID)

	send := func(ev domain.Event) error {
		if filter.Symbol != "" && ev.Symbol != "" && ev.Symbol != filter.Symbol {
			return nil
		}
		msg, err := encodeEvent(ev)
		if err != nil {
			s.log.Warn("encoding event", "type", ev.Type, "error", err)
			return nil
		}
		return stream.Send(msg)
	}

	if s.snapshots != nil {
		for _, t := range s.snapshots.LiveTrades() {
			ev := domain.Event{Type: domain.EventSnapshot, TradeID: t.ID, Symbol: t.Symbol, Trade: t, Time: time.Now()}
			if err := send(ev); err != nil {
				return err
			}
		}
	}

	s.log.Info("grpc client subscribed", "sub_id", subID, "symbol", filter.Symbol)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "sub_id", subID)
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(ev); err != nil {
				return err
			}
		}
	}
}
