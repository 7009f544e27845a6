// Package engine runs the order lifecycle: validation, matching against the
// latest quote, liquidation monitoring and settlement through the payment
// gateway. Every transition goes through the order store and is published to
// the event hub.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"perpcore/internal/domain"
	"perpcore/internal/events"
	"perpcore/internal/settlement"
	"perpcore/internal/store"
	"perpcore/internal/util"
)

// Config holds the engine's tuning and risk limits.
type Config struct {
	Workers       int           // dispatcher shards
	QueueSize     int           // per-shard queue length
	MatchTimeout  time.Duration // market orders unfilled after this are rejected; 0 disables
	SweepInterval time.Duration // how often pending orders are re-evaluated without a new quote

	MaxLeverage float64 // 0 uses the contract maximum
	Liquidity   float64 // max quantity per fill; 0 means unlimited
	Collateral  float64 // margin budget across open positions; 0 means unlimited
	FeeRate     float64

	Settlement     util.Backoff  // retry policy for settlement calls
	AttemptTimeout time.Duration // per-call timeout; 0 means none
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueSize:     1024,
		MatchTimeout:  30 * time.Second,
		SweepInterval: time.Second,
		FeeRate:       0.003,
		Settlement: util.Backoff{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			JitterFactor: 0.1,
		},
		AttemptTimeout: 30 * time.Second,
	}
}

// Engine orchestrates the trading lifecycle. All transitions of one order run
// on the same dispatcher shard, so its events are published in the order the
// transitions happened.
type Engine struct {
	cfg      Config
	orders   store.OrderStore
	journal  store.JournalStore
	gateway  settlement.Gateway
	commands settlement.Gateway
	hub      *events.Hub
	risk     *RiskManager
	disp     *dispatcher
	log      *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fillMu sync.Mutex // serializes collateral checks across shards

	mu       sync.Mutex
	prices   map[domain.ContractSymbol]domain.Price
	pending  map[string]domain.ContractSymbol
	open     map[string]domain.ContractSymbol
	settling map[string]bool
	stopped  bool

	archive   chan domain.Order
	archiveWg sync.WaitGroup
	stopOnce  sync.Once
}

// NewEngine creates an Engine wired with the given dependencies. journal may
// be nil. Workers start immediately; Run resumes persisted work and drives
// the periodic sweep.
func NewEngine(
	cfg Config,
	orders store.OrderStore,
	journal store.JournalStore,
	gw settlement.Gateway,
	hub *events.Hub,
	log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		orders:   orders,
		journal:  journal,
		gateway:  gw,
		commands: settlement.NewRetrying(gw, cfg.Settlement, log),
		hub:      hub,
		risk:     NewRiskManager(cfg.MaxLeverage, cfg.Liquidity, cfg.Collateral, cfg.FeeRate),
		disp:     newDispatcher(cfg.Workers, cfg.QueueSize),
		log:      log.With("component", "engine"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		prices:   make(map[domain.ContractSymbol]domain.Price),
		pending:  make(map[string]domain.ContractSymbol),
		open:     make(map[string]domain.ContractSymbol),
		settling: make(map[string]bool),
		archive:  make(chan domain.Order, 1024),
	}

	e.archiveWg.Add(1)
	go e.runArchiver()
	return e
}

// Risk returns the engine's risk manager.
func (e *Engine) Risk() *RiskManager { return e.risk }

// Run resumes pending orders and settlements from the store, then
// re-evaluates pending orders every sweep interval. It blocks until ctx is
// cancelled and stops the engine before returning.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Stop()

	if err := e.resume(ctx); err != nil {
		return fmt.Errorf("resuming orders: %w", err)
	}

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.log.Info("engine running", "workers", len(e.disp.workers), "sweep", e.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopping")
			return nil
		case <-ticker.C:
			e.sweep()
		}
	}
}

// Stop cancels in-flight settlements, stops the workers and flushes the
// journal. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

		e.cancel()
		e.wg.Wait()
		e.disp.stop()
		close(e.archive)
		e.archiveWg.Wait()
	})
}

func (e *Engine) resume(ctx context.Context) error {
	pending, err := e.orders.ListByStatus(ctx, domain.OrderStatusPending)
	if err != nil {
		return err
	}
	for _, o := range pending {
		e.track(o)
		id := o.ID
		e.dispatch(id, func() { e.tryFill(id, nil) })
	}

	open, err := e.orders.ListByStatus(ctx, domain.OrderStatusFilled, domain.OrderStatusSettled)
	if err != nil {
		return err
	}
	resumed := 0
	for _, o := range open {
		e.track(o)
		if o.SettlementPending {
			e.startSettlement(o)
			resumed++
		}
	}

	if len(pending) > 0 || len(open) > 0 {
		e.log.Info("resumed orders", "pending", len(pending), "open", len(open), "settlements", resumed)
	}
	return nil
}

// sweep re-evaluates every pending order so that expiries and market order
// timeouts fire without a new quote.
func (e *Engine) sweep() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.dispatch(id, func() { e.tryFill(id, nil) })
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// SubmitOrder validates n, stores it as Pending and schedules matching. It
// returns without waiting for a fill.
func (e *Engine) SubmitOrder(ctx context.Context, n domain.NewOrder) (*domain.Order, error) {
	if err := e.risk.Validate(n, e.now()); err != nil {
		return nil, err
	}

	o := &domain.Order{
		ID:        uuid.NewString(),
		Symbol:    n.Symbol,
		Direction: n.Direction,
		Quantity:  n.Quantity,
		Leverage:  n.Leverage,
		Type:      n.Type,
		Status:    domain.OrderStatusPending,
		Expiry:    n.Expiry.UTC(),
	}
	if err := e.orders.Insert(ctx, o); err != nil {
		return nil, fmt.Errorf("inserting order: %w", err)
	}
	ordersSubmitted.WithLabelValues(string(o.Direction), string(o.Type.Kind)).Inc()
	e.log.Info("order submitted", "id", o.ID, "direction", o.Direction,
		"quantity", o.Quantity, "leverage", o.Leverage, "type", o.Type.String())

	snapshot := *o
	e.dispatch(o.ID, func() {
		e.track(snapshot)
		e.hub.Publish(domain.OrderUpdated{Order: snapshot})
		e.tryFill(snapshot.ID, nil)
	})
	return o, nil
}

// GetOrder returns the order with the given id.
func (e *Engine) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return e.orders.Get(ctx, id)
}

// GetOrders returns all orders by creation time.
func (e *Engine) GetOrders(ctx context.Context) ([]domain.Order, error) {
	return e.orders.List(ctx)
}

// CancelOrder rejects a Pending order with reason cancelled. Orders that
// already filled fail with domain.ErrAlreadyFilled.
func (e *Engine) CancelOrder(ctx context.Context, id string) (*domain.Order, error) {
	return e.exec(ctx, id, func() (*domain.Order, error) {
		o, err := e.orders.Get(e.ctx, id)
		if err != nil {
			return nil, err
		}
		switch o.Status {
		case domain.OrderStatusPending:
			return e.reject(id, domain.ReasonCancelled)
		case domain.OrderStatusRejected:
			return nil, fmt.Errorf("%w: order %s is already rejected", domain.ErrInvalidTransition, id)
		default:
			return nil, fmt.Errorf("%w: order %s is %s", domain.ErrAlreadyFilled, id, o.Status)
		}
	})
}

// ClosePosition closes a Filled or Settled position at the current quote
// and starts the payout settlement. The returned order carries
// SettlementPending; the Closed transition is published when the gateway
// succeeds.
func (e *Engine) ClosePosition(ctx context.Context, id string) (*domain.Order, error) {
	return e.exec(ctx, id, func() (*domain.Order, error) {
		o, err := e.orders.Get(e.ctx, id)
		if err != nil {
			return nil, err
		}
		if !o.IsOpenPosition() {
			return nil, fmt.Errorf("%w: order %s is %s, not an open position", domain.ErrInvalidTransition, id, o.Status)
		}
		if o.SettlementPending {
			return nil, fmt.Errorf("%w: order %s has a %s settlement in progress", domain.ErrSettlementPending, id, o.SettlementKind)
		}
		p, ok := e.LatestPrice(o.Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: no quote for %s", domain.ErrPriceUnavailable, o.Symbol)
		}
		return e.beginClose(o, exitPrice(o.Direction, p), domain.ReasonManual)
	})
}

// RetrySettlement restarts the settlement of an order whose previous
// attempts were exhausted.
func (e *Engine) RetrySettlement(ctx context.Context, id string) (*domain.Order, error) {
	return e.exec(ctx, id, func() (*domain.Order, error) {
		o, err := e.orders.Get(e.ctx, id)
		if err != nil {
			return nil, err
		}
		if !o.SettlementPending {
			return nil, fmt.Errorf("%w: order %s has no pending settlement", domain.ErrInvalidTransition, id)
		}
		e.mu.Lock()
		busy := e.settling[id]
		e.mu.Unlock()
		if busy {
			return nil, fmt.Errorf("%w: order %s is already settling", domain.ErrSettlementPending, id)
		}

		o, err = e.orders.Update(e.ctx, id, func(o *domain.Order) error {
			o.SettlementAttempts = 0
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.log.Info("settlement retry requested", "id", id, "kind", o.SettlementKind)
		e.startSettlement(*o)
		return o, nil
	})
}

// ---------------------------------------------------------------------------
// Prices and positions
// ---------------------------------------------------------------------------

// UpdatePrice records a quote, publishes it and re-evaluates pending orders
// and open positions of the contract.
func (e *Engine) UpdatePrice(p domain.Price) error {
	if _, ok := domain.LookupContract(p.Symbol); !ok {
		return fmt.Errorf("%w: unknown contract symbol %q", domain.ErrValidation, p.Symbol)
	}
	if !finite(p.Bid) || !finite(p.Ask) || p.Bid <= 0 || p.Ask <= 0 || p.Bid > p.Ask {
		return fmt.Errorf("%w: invalid quote bid=%v ask=%v", domain.ErrValidation, p.Bid, p.Ask)
	}
	if p.Time.IsZero() {
		p.Time = e.now().UTC()
	}

	e.mu.Lock()
	e.prices[p.Symbol] = p
	var pending, open []string
	for id, sym := range e.pending {
		if sym == p.Symbol {
			pending = append(pending, id)
		}
	}
	for id, sym := range e.open {
		if sym == p.Symbol {
			open = append(open, id)
		}
	}
	e.mu.Unlock()

	e.hub.Publish(domain.PriceUpdated{Price: p})

	for _, id := range pending {
		e.dispatch(id, func() { e.tryFill(id, &p) })
	}
	for _, id := range open {
		e.dispatch(id, func() { e.checkLiquidation(id, p) })
	}
	return nil
}

// LatestPrice returns the last quote recorded for sym.
func (e *Engine) LatestPrice(sym domain.ContractSymbol) (domain.Price, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[sym]
	return p, ok
}

// Prices returns the last quote of every contract that has one.
func (e *Engine) Prices() []domain.Price {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Price, 0, len(e.prices))
	for _, p := range e.prices {
		out = append(out, p)
	}
	return out
}

// GetPositions derives the open positions from Filled and Settled orders and
// the latest quotes.
func (e *Engine) GetPositions(ctx context.Context) ([]domain.Position, error) {
	orders, err := e.orders.ListByStatus(ctx, domain.OrderStatusFilled, domain.OrderStatusSettled)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(orders))
	for _, o := range orders {
		out = append(out, e.position(o))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Shard helpers
// ---------------------------------------------------------------------------

// dispatch queues fn on the shard owning id, logging if the engine stopped.
func (e *Engine) dispatch(id string, fn func()) {
	if err := e.disp.dispatch(context.Background(), id, fn); err != nil {
		e.log.Debug("dropping work for stopped engine", "id", id)
	}
}

// exec runs fn on the shard owning id and waits for its result. ctx bounds
// both the wait for queue space and the wait for the result.
func (e *Engine) exec(ctx context.Context, id string, fn func() (*domain.Order, error)) (*domain.Order, error) {
	type result struct {
		order *domain.Order
		err   error
	}
	ch := make(chan result, 1)
	if err := e.disp.dispatch(ctx, id, func() {
		o, err := fn()
		ch <- result{o, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.order, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// update applies fn through the store, then indexes, publishes and archives
// the result. Must run on the order's shard.
func (e *Engine) update(id string, fn store.MutateFunc) (*domain.Order, error) {
	before, err := e.orders.Get(e.ctx, id)
	if err != nil {
		return nil, err
	}
	o, err := e.orders.Update(e.ctx, id, fn)
	if err != nil {
		return nil, err
	}
	e.track(*o)
	e.hub.Publish(domain.OrderUpdated{Order: *o})
	if o.Status != before.Status {
		transitions.WithLabelValues(string(before.Status), string(o.Status)).Inc()
		if o.Status.Terminal() {
			e.archiveOrder(*o)
		}
	}
	return o, nil
}

func (e *Engine) reject(id string, reason domain.Reason) (*domain.Order, error) {
	o, err := e.update(id, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, id, o.Status)
		}
		o.Status = domain.OrderStatusRejected
		o.Reason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("order rejected", "id", id, "reason", reason)
	return o, nil
}

// track keeps the pending and open indexes in line with o's status.
func (e *Engine) track(o domain.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, o.ID)
	delete(e.open, o.ID)
	switch {
	case o.Status == domain.OrderStatusPending:
		e.pending[o.ID] = o.Symbol
	case o.IsOpenPosition():
		e.open[o.ID] = o.Symbol
	}
	openPositions.Set(float64(len(e.open)))
}
