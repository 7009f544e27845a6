package events

import (
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"perpcore/internal/rpcwire"
)

// SubscribeRequest is the payload of Events/Subscribe.
type SubscribeRequest struct {
	Types []string `json:"types,omitempty"`
}

// Server implements the Events/Subscribe gRPC stream.
type Server struct {
	hub *Hub
	log *slog.Logger
}

// NewServer creates a gRPC event server backed by hub.
func NewServer(hub *Hub, log *slog.Logger) *Server {
	return &Server{hub: hub, log: log}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&eventsServiceDesc, s)
}

// Subscribe streams events from the moment of the call until the client
// disconnects. There is no replay of earlier events.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var r SubscribeRequest
	if err := rpcwire.Decode(req, &r); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	types, err := ParseTypes(r.Types)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sub := s.hub.Subscribe(types...)
	defer sub.Close()

	s.log.Info("grpc client subscribed", "subID", sub.ID(), "types", r.Types)

	ctx := stream.Context()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				s.log.Info("grpc client disconnected", "subID", sub.ID())
				return nil
			}
			return err
		}
		out, err := rpcwire.Encode(msg)
		if err != nil {
			s.log.Error("encoding event", "seq", msg.Seq, "error", err)
			continue
		}
		if err := stream.Send(out); err != nil {
			return err
		}
	}
}

type eventsServer interface {
	Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(eventsServer).Subscribe(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var eventsServiceDesc = grpc.ServiceDesc{
	ServiceName: rpcwire.EventsService,
	HandlerType: (*eventsServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "perpcore/v1/events.proto",
}
