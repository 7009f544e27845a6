package api

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"perpcore/internal/domain"
	"perpcore/internal/rpcwire"
	"perpcore/internal/settlement"
)

// tradingServer implements perpcore.v1.Trading. Every method takes and
// returns a google.protobuf.Struct carrying the JSON form of the request and
// response types in this package.
type tradingServer struct {
	engine Engine
	log    *slog.Logger
}

type tradingService interface {
	trading() Engine
}

func (s *tradingServer) trading() Engine { return s.engine }

// PricesResponse wraps the latest quotes for gRPC.
type PricesResponse struct {
	Prices []domain.Price `json:"prices"`
}

type empty struct{}

var tradingServiceDesc = grpc.ServiceDesc{
	ServiceName: rpcwire.TradingService,
	HandlerType: (*tradingService)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", func(ctx context.Context, e Engine, req *OrderRequest) (any, error) {
			n, err := req.NewOrder()
			if err != nil {
				return nil, err
			}
			return e.SubmitOrder(ctx, n)
		}),
		unary("GetOrder", func(ctx context.Context, e Engine, req *IDRequest) (any, error) {
			return e.GetOrder(ctx, req.ID)
		}),
		unary("GetOrders", func(ctx context.Context, e Engine, req *ListOrdersRequest) (any, error) {
			orders, err := e.GetOrders(ctx)
			if err != nil {
				return nil, err
			}
			out := OrdersResponse{Orders: []domain.Order{}}
			for _, o := range orders {
				if req.Status == "" || o.Status == req.Status {
					out.Orders = append(out.Orders, o)
				}
			}
			return out, nil
		}),
		unary("CancelOrder", func(ctx context.Context, e Engine, req *IDRequest) (any, error) {
			return e.CancelOrder(ctx, req.ID)
		}),
		unary("ClosePosition", func(ctx context.Context, e Engine, req *IDRequest) (any, error) {
			return e.ClosePosition(ctx, req.ID)
		}),
		unary("RetrySettlement", func(ctx context.Context, e Engine, req *IDRequest) (any, error) {
			return e.RetrySettlement(ctx, req.ID)
		}),
		unary("GetPositions", func(ctx context.Context, e Engine, _ *empty) (any, error) {
			positions, err := e.GetPositions(ctx)
			if err != nil {
				return nil, err
			}
			return PositionsResponse{Positions: positions}, nil
		}),
		unary("GetPrices", func(_ context.Context, e Engine, _ *empty) (any, error) {
			return PricesResponse{Prices: e.Prices()}, nil
		}),
		unary("NewAddress", func(ctx context.Context, e Engine, _ *empty) (any, error) {
			addr, err := e.NewAddress(ctx)
			if err != nil {
				return nil, err
			}
			return AddressResponse{Address: addr}, nil
		}),
		unary("OpenChannel", func(ctx context.Context, e Engine, req *settlement.ChannelRequest) (any, error) {
			return e.OpenChannel(ctx, *req)
		}),
		unary("CreateInvoice", func(ctx context.Context, e Engine, req *InvoiceRequest) (any, error) {
			return e.CreateInvoice(ctx, settlement.InvoiceRequest{
				AmountSats: req.AmountSats,
				Memo:       req.Memo,
				Expiry:     secondsToDuration(req.ExpirySeconds),
			})
		}),
		unary("SendPayment", func(ctx context.Context, e Engine, req *PaymentRequest) (any, error) {
			return e.SendPayment(ctx, req.PaymentRequest)
		}),
	},
	Metadata: "perpcore/v1/trading.proto",
}

// unary builds a method descriptor that decodes the Struct payload into Req,
// calls fn and encodes its result.
func unary[Req any](name string, fn func(context.Context, Engine, *Req) (any, error)) grpc.MethodDesc {
	call := func(srv any, ctx context.Context, in *structpb.Struct) (any, error) {
		req := new(Req)
		if err := rpcwire.Decode(in, req); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		ts := srv.(*tradingServer)
		out, err := fn(ctx, ts.trading(), req)
		if err != nil {
			gerr := grpcError(err)
			if status.Code(gerr) == codes.Internal {
				ts.log.Error("grpc call failed", "method", name, "error", err)
			}
			return nil, gerr
		}
		return rpcwire.Encode(out)
	}

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpcwire.TradingMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// grpcError maps the domain error taxonomy onto gRPC status codes.
func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidInput):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrDuplicateID):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyFilled),
		errors.Is(err, domain.ErrSettlementPending):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrSettlementFailed), errors.Is(err, domain.ErrPriceUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
