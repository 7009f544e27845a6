package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"perpcore/internal/domain"
	"perpcore/internal/rpcwire"
)

// Client consumes the Events/Subscribe stream of a perpcore server.
type Client struct {
	addr string
	log  *slog.Logger
}

// NewClient creates a client targeting the given gRPC address.
func NewClient(addr string, log *slog.Logger) *Client {
	return &Client{addr: addr, log: log}
}

// Stream subscribes to the given event types (all when empty) and calls fn
// for every message. It blocks until ctx is cancelled, the stream ends, or fn
// returns an error.
func (c *Client) Stream(ctx context.Context, types []domain.EventType, fn func(Message) error) error {
	conn, err := grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	req, err := rpcwire.Encode(SubscribeRequest{Types: names})
	if err != nil {
		return err
	}

	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	cs, err := conn.NewStream(ctx, desc, rpcwire.MethodSubscribe)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.Send(req); err != nil {
		return fmt.Errorf("sending subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to event stream", "addr", c.addr)

	for {
		s, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}

		var msg Message
		if err := rpcwire.Decode(s, &msg); err != nil {
			c.log.Warn("decoding event", "error", err)
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
