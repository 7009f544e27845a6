// Package api provides the HTTP and gRPC servers for perpcore, exposing
// order commands, positions, risk calculations, wallet operations and the
// live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"google.golang.org/grpc"

	"perpcore/internal/config"
	"perpcore/internal/domain"
	"perpcore/internal/events"
	"perpcore/internal/settlement"
	"perpcore/internal/store"
)

// Engine is the command surface the servers expose. *engine.Engine
// satisfies it.
type Engine interface {
	SubmitOrder(ctx context.Context, n domain.NewOrder) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrders(ctx context.Context) ([]domain.Order, error)
	CancelOrder(ctx context.Context, id string) (*domain.Order, error)
	ClosePosition(ctx context.Context, id string) (*domain.Order, error)
	RetrySettlement(ctx context.Context, id string) (*domain.Order, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)

	UpdatePrice(p domain.Price) error
	Prices() []domain.Price

	NewAddress(ctx context.Context) (string, error)
	OpenChannel(ctx context.Context, req settlement.ChannelRequest) (*settlement.Channel, error)
	CreateInvoice(ctx context.Context, req settlement.InvoiceRequest) (*settlement.Invoice, error)
	SendPayment(ctx context.Context, paymentRequest string) (*settlement.Payment, error)
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	engine  Engine
	hub     *events.Hub
	journal store.JournalStore
	log     *slog.Logger

	httpAddr    string
	grpcAddr    string
	corsOrigins []string

	httpSrv *http.Server
	grpcSrv *grpc.Server

	// streams is cancelled on shutdown; hijacked WebSocket connections are
	// not tracked by http.Server.
	streams      context.Context
	cancelStream context.CancelFunc
}

// NewServer creates a Server listening on the addresses in cfg. journal may
// be nil, in which case the journal endpoint reports not found.
func NewServer(cfg config.Server, eng Engine, hub *events.Hub, journal store.JournalStore, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		engine:      eng,
		hub:         hub,
		journal:     journal,
		log:         log.With("component", "api"),
		httpAddr:    cfg.Addr(),
		grpcAddr:    cfg.GRPCAddr(),
		corsOrigins: cfg.CORSOrigins,
	}
	s.streams, s.cancelStream = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv.RegisterOnShutdown(s.cancelStream)
	s.grpcSrv = grpc.NewServer()
	s.RegisterGRPC(s.grpcSrv)
	return s
}

// RegisterRoutes registers all HTTP routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/v1/orders", s.handleGetOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/close", s.handleClosePosition)
	mux.HandleFunc("POST /api/v1/orders/{id}/settlement/retry", s.handleRetrySettlement)

	mux.HandleFunc("GET /api/v1/positions", s.handleGetPositions)
	mux.HandleFunc("GET /api/v1/prices", s.handleGetPrices)
	mux.HandleFunc("POST /api/v1/prices", s.handlePostPrice)

	mux.HandleFunc("GET /api/v1/calc/margin", s.handleCalcMargin)
	mux.HandleFunc("GET /api/v1/calc/quantity", s.handleCalcQuantity)
	mux.HandleFunc("GET /api/v1/calc/liquidation-price", s.handleCalcLiquidation)

	mux.HandleFunc("POST /api/v1/wallet/address", s.handleNewAddress)
	mux.HandleFunc("POST /api/v1/channels", s.handleOpenChannel)
	mux.HandleFunc("POST /api/v1/invoices", s.handleCreateInvoice)
	mux.HandleFunc("POST /api/v1/payments", s.handleSendPayment)

	mux.HandleFunc("GET /api/v1/journal/{date}", s.handleJournal)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the HTTP handler with CORS middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

// RegisterGRPC registers the Trading and Events services on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&tradingServiceDesc, &tradingServer{engine: s.engine, log: s.log})
	events.NewServer(s.hub, s.log).RegisterGRPC(gs)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. Both servers are shut down
// before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}

	errc := make(chan error, 2)
	go func() {
		s.log.Info("http server listening", "addr", s.httpAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		s.log.Info("grpc server listening", "addr", s.grpcAddr)
		if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops accepting new connections and waits for in-flight requests
// until ctx expires. Open event streams are cut when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	s.log.Info("api servers stopped")
	return err
}
