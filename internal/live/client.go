package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"autotrader/internal/domain"
)

// Client connects to an event stream server and feeds a local Mirror.
type Client struct {
	addr   string
	mirror *Mirror
	opts   []grpc.DialOption
	log    *slog.Logger
}

// NewClient creates a client targeting the given gRPC address. Extra dial
// options are appended to the insecure transport credentials.
func NewClient(addr string, mirror *Mirror, log *slog.Logger, opts ...grpc.DialOption) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		addr:   addr,
		mirror: mirror,
		opts:   append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		log:    log,
	}
}

// Sync connects to the server and applies every received event to the
// mirror, calling onEvent (when non-nil) after each one. It blocks until ctx
// is cancelled or the stream ends.
func (c *Client) Sync(ctx context.Context, req StreamRequest, onEvent func(domain.Event)) error {
	conn, err := grpc.NewClient(c.addr, c.opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], streamMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	if err := stream.SendMsg(req.toProto()); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to event stream", "addr", c.addr)

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}

		ev, err := decodeEvent(msg)
		if err != nil {
			c.log.Warn("dropping undecodable event", "error", err)
			continue
		}
		if c.mirror != nil {
			c.mirror.Apply(ev)
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}
