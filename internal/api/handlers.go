package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"perpcore/internal/domain"
	"perpcore/internal/risk"
	"perpcore/internal/settlement"
)

const maxBodyBytes = 1 << 20

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := req.NewOrder()
	if err != nil {
		writeErr(w, err)
		return
	}
	o, err := s.engine.SubmitOrder(r.Context(), n)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.GetOrders(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := domain.OrderStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filtered := orders[:0]
		for _, o := range orders {
			if o.Status == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	s.orderCommand(w, r, s.engine.CancelOrder)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	s.orderCommand(w, r, s.engine.ClosePosition)
}

func (s *Server) handleRetrySettlement(w http.ResponseWriter, r *http.Request) {
	s.orderCommand(w, r, s.engine.RetrySettlement)
}

func (s *Server) orderCommand(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*domain.Order, error)) {
	o, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, o)
}

// ---------------------------------------------------------------------------
// Positions and prices
// ---------------------------------------------------------------------------

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.GetPositions(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, positions)
}

func (s *Server) handleGetPrices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.Prices())
}

func (s *Server) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sym, err := domain.ParseContractSymbol(req.Symbol)
	if err != nil {
		writeErr(w, err)
		return
	}
	p := domain.Price{Symbol: sym, Bid: req.Bid, Ask: req.Ask, Time: time.Now().UTC()}
	if err := s.engine.UpdatePrice(p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, p)
}

// ---------------------------------------------------------------------------
// Risk calculator
// ---------------------------------------------------------------------------

func (s *Server) handleCalcMargin(w http.ResponseWriter, r *http.Request) {
	q := queryFloats(r, "price", "quantity", "leverage")
	if q.err != nil {
		writeErr(w, q.err)
		return
	}
	m, err := risk.Margin(q.v["price"], q.v["quantity"], q.v["leverage"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, MarginResponse{Margin: m})
}

func (s *Server) handleCalcQuantity(w http.ResponseWriter, r *http.Request) {
	q := queryFloats(r, "price", "margin", "leverage")
	if q.err != nil {
		writeErr(w, q.err)
		return
	}
	n, err := risk.Quantity(q.v["price"], q.v["margin"], q.v["leverage"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, QuantityResponse{Quantity: n})
}

func (s *Server) handleCalcLiquidation(w http.ResponseWriter, r *http.Request) {
	q := queryFloats(r, "price", "leverage")
	if q.err != nil {
		writeErr(w, q.err)
		return
	}
	dir := domain.Direction(r.URL.Query().Get("direction"))
	p, err := risk.LiquidationPrice(q.v["price"], q.v["leverage"], dir)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, LiquidationResponse{LiquidationPrice: p})
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

type floatQuery struct {
	v   map[string]float64
	err error
}

func queryFloats(r *http.Request, names ...string) floatQuery {
	q := floatQuery{v: make(map[string]float64, len(names))}
	for _, name := range names {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			q.err = fmt.Errorf("%w: %s is required", domain.ErrInvalidInput, name)
			return q
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			q.err = fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, name, err)
			return q
		}
		q.v[name] = f
	}
	return q
}

// ---------------------------------------------------------------------------
// Wallet and channels
// ---------------------------------------------------------------------------

func (s *Server) handleNewAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.engine.NewAddress(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, AddressResponse{Address: addr})
}

func (s *Server) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	var req settlement.ChannelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := s.engine.OpenChannel(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, ch)
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req InvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inv, err := s.engine.CreateInvoice(r.Context(), settlement.InvoiceRequest{
		AmountSats: req.AmountSats,
		Memo:       req.Memo,
		Expiry:     secondsToDuration(req.ExpirySeconds),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, inv)
}

func (s *Server) handleSendPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.engine.SendPayment(r.Context(), req.PaymentRequest)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, p)
}

// ---------------------------------------------------------------------------
// Journal and health
// ---------------------------------------------------------------------------

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}
	day, err := time.Parse("2006-01-02", r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	orders, err := s.journal.ReadOrders(r.Context(), day)
	if err != nil {
		writeErr(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, orders)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, HealthResponse{Status: "ok", Subscribers: s.hub.Subscribers()})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, ErrorResponse{Error: msg})
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, httpStatus(err), err.Error())
}

// httpStatus maps the domain error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateID),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyFilled),
		errors.Is(err, domain.ErrSettlementPending):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSettlementFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
