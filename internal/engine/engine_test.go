package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"perpcore/internal/domain"
	"perpcore/internal/events"
	"perpcore/internal/risk"
	"perpcore/internal/settlement"
	"perpcore/internal/store"
	"perpcore/internal/util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	engine *Engine
	sim    *settlement.Simulator
	hub    *events.Hub
	store  store.OrderStore
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.MatchTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.Settlement = util.Backoff{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	cfg.AttemptTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		sim:   settlement.NewSimulator(),
		hub:   events.NewHub(testLogger()),
		store: store.NewMemoryStore(),
	}
	h.engine = NewEngine(cfg, h.store, nil, h.sim, h.hub, testLogger())
	t.Cleanup(h.engine.Stop)
	return h
}

// run starts the engine loop until the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func quote(bid, ask float64) domain.Price {
	return domain.Price{Symbol: domain.ContractBTCUSD, Bid: bid, Ask: ask}
}

func marketOrder(dir domain.Direction, qty, lev float64) domain.NewOrder {
	return domain.NewOrder{
		Symbol:    domain.ContractBTCUSD,
		Direction: dir,
		Quantity:  qty,
		Leverage:  lev,
		Type:      domain.Market(),
	}
}

func limitOrder(dir domain.Direction, qty, lev, price float64) domain.NewOrder {
	n := marketOrder(dir, qty, lev)
	n.Type = domain.Limit(price)
	return n
}

func (h *harness) mustPrice(t *testing.T, bid, ask float64) {
	t.Helper()
	if err := h.engine.UpdatePrice(quote(bid, ask)); err != nil {
		t.Fatalf("UpdatePrice(%v, %v): %v", bid, ask, err)
	}
}

func (h *harness) mustSubmit(t *testing.T, n domain.NewOrder) *domain.Order {
	t.Helper()
	o, err := h.engine.SubmitOrder(context.Background(), n)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	return o
}

// waitOrder polls until cond holds for the order or the deadline passes.
func (h *harness) waitOrder(t *testing.T, id string, what string, cond func(*domain.Order) bool) *domain.Order {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		o, err := h.engine.GetOrder(context.Background(), id)
		if err != nil {
			t.Fatalf("GetOrder(%s): %v", id, err)
		}
		if cond(o) {
			return o
		}
		if time.Now().After(deadline) {
			t.Fatalf("order %s never became %s; last = %s pending=%v reason=%q",
				id, what, o.Status, o.SettlementPending, o.Reason)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitStatus(t *testing.T, id string, st domain.OrderStatus) *domain.Order {
	t.Helper()
	return h.waitOrder(t, id, string(st), func(o *domain.Order) bool { return o.Status == st })
}

func nextEvent(t *testing.T, sub *events.Subscription) domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for event: %v", err)
	}
	return msg.Event
}

func TestMarketOrderFillsAndSettles(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.hub.Subscribe(domain.EventOrderUpdated)
	defer sub.Close()

	h.mustPrice(t, 50000, 50010)
	o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
	if o.Status != domain.OrderStatusPending {
		t.Errorf("SubmitOrder status = %s, want pending", o.Status)
	}

	settled := h.waitStatus(t, o.ID, domain.OrderStatusSettled)
	if settled.FillPrice != 50010 {
		t.Errorf("FillPrice = %v, want 50010 (ask)", settled.FillPrice)
	}
	if want := risk.OrderMatchingFee(50010, 0.1, 0.003); settled.Fee != want {
		t.Errorf("Fee = %v, want %v", settled.Fee, want)
	}
	if settled.ChannelID == "" || settled.SettlementPending {
		t.Errorf("settled order = channel %q pending %v", settled.ChannelID, settled.SettlementPending)
	}
	if n := h.sim.Calls(settlement.OpOpenChannel); n != 1 {
		t.Errorf("OpenChannel calls = %d, want 1", n)
	}

	want := []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusFilled, domain.OrderStatusSettled}
	for i, st := range want {
		ou := nextEvent(t, sub).(domain.OrderUpdated)
		if ou.Order.ID != o.ID || ou.Order.Status != st {
			t.Errorf("event %d = %s/%s, want %s/%s", i, ou.Order.ID, ou.Order.Status, o.ID, st)
		}
	}
}

func TestShortMarketOrderFillsAtBid(t *testing.T) {
	h := newHarness(t, nil)
	h.mustPrice(t, 50000, 50010)
	o := h.mustSubmit(t, marketOrder(domain.DirectionShort, 0.2, 5))
	filled := h.waitOrder(t, o.ID, "filled", func(o *domain.Order) bool { return o.IsOpenPosition() })
	if filled.FillPrice != 50000 {
		t.Errorf("FillPrice = %v, want 50000 (bid)", filled.FillPrice)
	}
}

func TestLimitOrderNeverReachedStaysPending(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)

	h.mustPrice(t, 50000, 50010)
	o := h.mustSubmit(t, limitOrder(domain.DirectionLong, 0.1, 10, 40000))
	for _, p := range []float64{49000, 45000, 40001} {
		h.mustPrice(t, p-10, p)
	}
	time.Sleep(100 * time.Millisecond)

	got, err := h.engine.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OrderStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if n := h.sim.Calls(settlement.OpOpenChannel); n != 0 {
		t.Errorf("OpenChannel calls = %d, want 0", n)
	}

	h.mustPrice(t, 39980, 39990)
	filled := h.waitOrder(t, o.ID, "filled", func(o *domain.Order) bool { return o.IsOpenPosition() })
	if filled.FillPrice != 39990 {
		t.Errorf("FillPrice = %v, want 39990", filled.FillPrice)
	}
}

func TestLimitShortFillsWhenBidCrosses(t *testing.T) {
	h := newHarness(t, nil)
	h.mustPrice(t, 50000, 50010)
	o := h.mustSubmit(t, limitOrder(domain.DirectionShort, 0.1, 10, 51000))

	h.mustPrice(t, 50999, 51005)
	time.Sleep(30 * time.Millisecond)
	if got, _ := h.engine.GetOrder(context.Background(), o.ID); got.Status != domain.OrderStatusPending {
		t.Fatalf("status = %s before crossing, want pending", got.Status)
	}

	h.mustPrice(t, 51000, 51005)
	filled := h.waitOrder(t, o.ID, "filled", func(o *domain.Order) bool { return o.IsOpenPosition() })
	if filled.FillPrice != 51000 {
		t.Errorf("FillPrice = %v, want 51000", filled.FillPrice)
	}
}

func TestMarketOrderTimesOutWithoutQuote(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)

	o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
	rejected := h.waitStatus(t, o.ID, domain.OrderStatusRejected)
	if rejected.Reason != domain.ReasonTimeout {
		t.Errorf("Reason = %q, want %q", rejected.Reason, domain.ReasonTimeout)
	}
}

func TestLimitOrderExpires(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)

	n := limitOrder(domain.DirectionLong, 0.1, 10, 100)
	n.Expiry = time.Now().Add(30 * time.Millisecond)
	o := h.mustSubmit(t, n)

	rejected := h.waitStatus(t, o.ID, domain.OrderStatusRejected)
	if rejected.Reason != domain.ReasonExpired {
		t.Errorf("Reason = %q, want %q", rejected.Reason, domain.ReasonExpired)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	h := newHarness(t, nil)
	valid := marketOrder(domain.DirectionLong, 0.1, 10)

	tests := []struct {
		name   string
		mutate func(*domain.NewOrder)
	}{
		{"unknown symbol", func(n *domain.NewOrder) { n.Symbol = "ETHUSD" }},
		{"bad direction", func(n *domain.NewOrder) { n.Direction = "sideways" }},
		{"zero quantity", func(n *domain.NewOrder) { n.Quantity = 0 }},
		{"negative quantity", func(n *domain.NewOrder) { n.Quantity = -1 }},
		{"nan quantity", func(n *domain.NewOrder) { n.Quantity = math.NaN() }},
		{"quantity above max", func(n *domain.NewOrder) { n.Quantity = 1001 }},
		{"leverage below 1", func(n *domain.NewOrder) { n.Leverage = 0.5 }},
		{"leverage above max", func(n *domain.NewOrder) { n.Leverage = 101 }},
		{"limit price zero", func(n *domain.NewOrder) { n.Type = domain.Limit(0) }},
		{"unknown kind", func(n *domain.NewOrder) { n.Type = domain.OrderType{Kind: "stop"} }},
		{"expired", func(n *domain.NewOrder) { n.Expiry = time.Now().Add(-time.Minute) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := valid
			tt.mutate(&n)
			if _, err := h.engine.SubmitOrder(context.Background(), n); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("SubmitOrder err = %v, want ErrValidation", err)
			}
		})
	}

	orders, err := h.engine.GetOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Errorf("store has %d orders after rejected submissions, want 0", len(orders))
	}
}

func TestConcurrentSubmits(t *testing.T) {
	h := newHarness(t, nil)
	h.mustPrice(t, 50000, 50010)

	const n = 50
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir := domain.DirectionLong
			if i%2 == 1 {
				dir = domain.DirectionShort
			}
			o, err := h.engine.SubmitOrder(context.Background(), marketOrder(dir, 0.01, 5))
			if err != nil {
				t.Errorf("SubmitOrder %d: %v", i, err)
				return
			}
			mu.Lock()
			ids[o.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	orders, err := h.engine.GetOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != n || len(ids) != n {
		t.Fatalf("orders = %d, ids = %d, want %d", len(orders), len(ids), n)
	}
	for i, o := range orders {
		if !ids[o.ID] {
			t.Errorf("unexpected order %s in store", o.ID)
		}
		if i > 0 && o.CreatedAt.Before(orders[i-1].CreatedAt) {
			t.Errorf("order %d created before order %d", i, i-1)
		}
	}
}

func TestLiquidationTriggersOneGatewayCall(t *testing.T) {
	h := newHarness(t, nil)
	h.mustPrice(t, 50000, 50000)
	o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
	h.waitStatus(t, o.ID, domain.OrderStatusSettled)

	for _, bid := range []float64{46000, 45000, 44500, 44000} {
		h.mustPrice(t, bid, bid+1)
	}

	closed := h.waitStatus(t, o.ID, domain.OrderStatusClosed)
	if closed.Reason != domain.ReasonLiquidated {
		t.Errorf("Reason = %q, want %q", closed.Reason, domain.ReasonLiquidated)
	}
	if closed.ClosePrice != 45000 {
		t.Errorf("ClosePrice = %v, want 45000", closed.ClosePrice)
	}
	if closed.Payout != 0 {
		t.Errorf("Payout = %v, want 0", closed.Payout)
	}
	if closed.Invoice == "" {
		t.Error("closed order has no invoice")
	}

	time.Sleep(20 * time.Millisecond)
	if n := h.sim.Calls(settlement.OpCreateInvoice); n != 1 {
		t.Errorf("CreateInvoice calls = %d, want 1", n)
	}
}

func TestLiquidationDuringChannelOpen(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		setup     func(h *harness)
		crossLate bool // cross only after the open settlement gave up
		wantOpens int
	}{
		{
			name:      "after open retries exhausted",
			setup:     func(h *harness) { h.sim.FailNext(settlement.OpOpenChannel, -1) },
			crossLate: true,
			wantOpens: 3,
		},
		{
			name: "while open is being retried",
			mutate: func(c *Config) {
				c.Settlement.InitialDelay = 20 * time.Millisecond
				c.Settlement.MaxDelay = 40 * time.Millisecond
			},
			setup:     func(h *harness) { h.sim.FailNext(settlement.OpOpenChannel, -1) },
			wantOpens: 3,
		},
		{
			name:      "while open is in flight and then succeeds",
			setup:     func(h *harness) { h.sim.SetDelay(50 * time.Millisecond) },
			wantOpens: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.mutate)
			tt.setup(h)
			failed := h.hub.Subscribe(domain.EventSettlementFailed)
			defer failed.Close()

			h.mustPrice(t, 50000, 50010)
			o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
			h.waitStatus(t, o.ID, domain.OrderStatusFilled)

			if tt.crossLate {
				if _, ok := nextEvent(t, failed).(domain.SettlementFailed); !ok {
					t.Fatal("expected SettlementFailed event")
				}
			}
			h.mustPrice(t, 30000, 30010)

			closed := h.waitStatus(t, o.ID, domain.OrderStatusClosed)
			if closed.Reason != domain.ReasonLiquidated {
				t.Errorf("Reason = %q, want %q", closed.Reason, domain.ReasonLiquidated)
			}
			if closed.ClosePrice != 30000 {
				t.Errorf("ClosePrice = %v, want 30000", closed.ClosePrice)
			}
			if closed.Payout != 0 {
				t.Errorf("Payout = %v, want 0", closed.Payout)
			}
			if closed.SettlementPending {
				t.Error("closed order still has SettlementPending")
			}

			time.Sleep(20 * time.Millisecond)
			if n := h.sim.Calls(settlement.OpCreateInvoice); n != 1 {
				t.Errorf("CreateInvoice calls = %d, want 1", n)
			}
			if n := h.sim.Calls(settlement.OpOpenChannel); n != tt.wantOpens {
				t.Errorf("OpenChannel calls = %d, want %d", n, tt.wantOpens)
			}
		})
	}
}

func TestShortLiquidation(t *testing.T) {
	h := newHarness(t, nil)
	h.mustPrice(t, 50000, 50000)
	o := h.mustSubmit(t, marketOrder(domain.DirectionShort, 0.1, 10))
	h.waitStatus(t, o.ID, domain.OrderStatusSettled)

	h.mustPrice(t, 54998, 54999)
	time.Sleep(30 * time.Millisecond)
	if got, _ := h.engine.GetOrder(context.Background(), o.ID); got.Status != domain.OrderStatusSettled {
		t.Fatalf("status = %s below liquidation, want settled", got.Status)
	}

	h.mustPrice(t, 54999, 55000)
	closed := h.waitStatus(t, o.ID, domain.OrderStatusClosed)
	if closed.Reason != domain.ReasonLiquidated {
		t.Errorf("Reason = %q, want liquidated", closed.Reason)
	}
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t, nil)
	h.mustPrice(t, 50000, 50000)
	o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
	h.waitStatus(t, o.ID, domain.OrderStatusSettled)

	h.mustPrice(t, 51000, 51001)
	closing, err := h.engine.ClosePosition(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closing.Reason != domain.ReasonManual || closing.ClosePrice != 51000 {
		t.Errorf("closing = reason %q price %v, want manual 51000", closing.Reason, closing.ClosePrice)
	}

	closeFee := risk.OrderMatchingFee(51000, 0.1, 0.003)
	wantPayout, _ := risk.Payout(50000, 51000, 0.1, 10, closeFee, domain.DirectionLong)

	closed := h.waitStatus(t, o.ID, domain.OrderStatusClosed)
	if closed.Payout != wantPayout {
		t.Errorf("Payout = %v, want %v", closed.Payout, wantPayout)
	}
	if closed.SettlementPending {
		t.Error("closed order still has SettlementPending")
	}

	if _, err := h.engine.ClosePosition(context.Background(), o.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second ClosePosition err = %v, want ErrInvalidTransition", err)
	}
}

func TestClosePositionErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.engine.ClosePosition(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}

	pending := h.mustSubmit(t, limitOrder(domain.DirectionLong, 0.1, 10, 1))
	if _, err := h.engine.ClosePosition(ctx, pending.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("pending order err = %v, want ErrInvalidTransition", err)
	}

	h.sim.SetDelay(200 * time.Millisecond)
	h.mustPrice(t, 50000, 50000)
	o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
	h.waitStatus(t, o.ID, domain.OrderStatusFilled)
	if _, err := h.engine.ClosePosition(ctx, o.ID); !errors.Is(err, domain.ErrSettlementPending) {
		t.Errorf("close during open settlement err = %v, want ErrSettlementPending", err)
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	o := h.mustSubmit(t, limitOrder(domain.DirectionLong, 0.1, 10, 1))
	cancelled, err := h.engine.CancelOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusRejected || cancelled.Reason != domain.ReasonCancelled {
		t.Errorf("cancelled = %s/%q, want rejected/cancelled", cancelled.Status, cancelled.Reason)
	}
	if _, err := h.engine.CancelOrder(ctx, o.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second cancel err = %v, want ErrInvalidTransition", err)
	}
	if _, err := h.engine.CancelOrder(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}

	h.mustPrice(t, 50000, 50010)
	filled := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
	h.waitOrder(t, filled.ID, "filled", func(o *domain.Order) bool { return o.IsOpenPosition() })
	if _, err := h.engine.CancelOrder(ctx, filled.ID); !errors.Is(err, domain.ErrAlreadyFilled) {
		t.Errorf("cancel after fill err = %v, want ErrAlreadyFilled", err)
	}
}

func TestSettlementFailureAndRetry(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.hub.Subscribe(domain.EventSettlementFailed)
	defer sub.Close()

	h.sim.FailNext(settlement.OpOpenChannel, -1)
	h.mustPrice(t, 50000, 50010)
	o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))

	sf, ok := nextEvent(t, sub).(domain.SettlementFailed)
	if !ok {
		t.Fatal("expected SettlementFailed event")
	}
	if sf.Order.ID != o.ID || sf.Attempts != 3 {
		t.Errorf("SettlementFailed = %s/%d attempts, want %s/3", sf.Order.ID, sf.Attempts, o.ID)
	}

	got, err := h.engine.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OrderStatusFilled || !got.SettlementPending || got.SettlementKind != domain.SettlementOpen {
		t.Errorf("order = %s pending=%v kind=%q, want filled/true/open", got.Status, got.SettlementPending, got.SettlementKind)
	}
	if got.SettlementAttempts != 3 {
		t.Errorf("SettlementAttempts = %d, want 3", got.SettlementAttempts)
	}
	if _, err := h.engine.ClosePosition(context.Background(), o.ID); !errors.Is(err, domain.ErrSettlementPending) {
		t.Errorf("ClosePosition err = %v, want ErrSettlementPending", err)
	}

	h.sim.Reset()
	if _, err := h.engine.RetrySettlement(context.Background(), o.ID); err != nil {
		t.Fatalf("RetrySettlement: %v", err)
	}
	h.waitStatus(t, o.ID, domain.OrderStatusSettled)
	if n := h.sim.Calls(settlement.OpOpenChannel); n != 4 {
		t.Errorf("OpenChannel calls = %d, want 4", n)
	}

	if _, err := h.engine.RetrySettlement(context.Background(), o.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("RetrySettlement without pending err = %v, want ErrInvalidTransition", err)
	}
}

func TestFillRejections(t *testing.T) {
	t.Run("liquidity", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Liquidity = 1 })
		h.mustPrice(t, 50000, 50010)
		o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 2, 10))
		r := h.waitStatus(t, o.ID, domain.OrderStatusRejected)
		if r.Reason != domain.ReasonInsufficientLiquidity {
			t.Errorf("Reason = %q, want %q", r.Reason, domain.ReasonInsufficientLiquidity)
		}
	})

	t.Run("margin", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Collateral = 600 })
		h.mustPrice(t, 50000, 50000)

		first := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
		h.waitOrder(t, first.ID, "filled", func(o *domain.Order) bool { return o.IsOpenPosition() })

		second := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
		r := h.waitStatus(t, second.ID, domain.OrderStatusRejected)
		if r.Reason != domain.ReasonInsufficientMargin {
			t.Errorf("Reason = %q, want %q", r.Reason, domain.ReasonInsufficientMargin)
		}
	})
}

func TestGetPositions(t *testing.T) {
	h := newHarness(t, nil)
	h.mustPrice(t, 50000, 50000)
	o := h.mustSubmit(t, marketOrder(domain.DirectionLong, 0.1, 10))
	h.waitStatus(t, o.ID, domain.OrderStatusSettled)
	h.mustPrice(t, 51000, 51002)

	positions, err := h.engine.GetPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.Margin != 500 {
		t.Errorf("Margin = %v, want 500", p.Margin)
	}
	if p.LiquidationPrice != 45000 {
		t.Errorf("LiquidationPrice = %v, want 45000", p.LiquidationPrice)
	}
	if p.MarkPrice != 51001 {
		t.Errorf("MarkPrice = %v, want 51001", p.MarkPrice)
	}
	if math.Abs(p.UnrealizedPnL-100.1) > 1e-9 {
		t.Errorf("UnrealizedPnL = %v, want 100.1", p.UnrealizedPnL)
	}
}

func TestUpdatePriceValidation(t *testing.T) {
	h := newHarness(t, nil)
	tests := []domain.Price{
		{Symbol: "ETHUSD", Bid: 1, Ask: 2},
		{Symbol: domain.ContractBTCUSD, Bid: 0, Ask: 2},
		{Symbol: domain.ContractBTCUSD, Bid: 3, Ask: 2},
		{Symbol: domain.ContractBTCUSD, Bid: math.Inf(1), Ask: math.Inf(1)},
	}
	for _, p := range tests {
		if err := h.engine.UpdatePrice(p); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("UpdatePrice(%+v) err = %v, want ErrValidation", p, err)
		}
	}
	if _, ok := h.engine.LatestPrice(domain.ContractBTCUSD); ok {
		t.Error("invalid quote was recorded")
	}

	h.mustPrice(t, 1, 2)
	if got := h.engine.Prices(); len(got) != 1 || got[0].Time.IsZero() {
		t.Errorf("Prices() = %+v, want one stamped quote", got)
	}
}

func TestResumeFromStore(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	filled := &domain.Order{
		ID: "filled-1", Symbol: domain.ContractBTCUSD, Direction: domain.DirectionLong,
		Quantity: 0.1, Leverage: 10, Type: domain.Market(),
		Status: domain.OrderStatusFilled, FillPrice: 50000,
		SettlementPending: true, SettlementKind: domain.SettlementOpen,
	}
	pending := &domain.Order{
		ID: "pending-1", Symbol: domain.ContractBTCUSD, Direction: domain.DirectionShort,
		Quantity: 0.1, Leverage: 10, Type: domain.Limit(50000),
		Status: domain.OrderStatusPending,
	}
	for _, o := range []*domain.Order{filled, pending} {
		if err := ms.Insert(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	sim := settlement.NewSimulator()
	e := NewEngine(testConfig(), ms, nil, sim, events.NewHub(testLogger()), testLogger())
	h := &harness{engine: e, sim: sim, store: ms}
	h.run(t)

	h.waitStatus(t, "filled-1", domain.OrderStatusSettled)

	h.mustPrice(t, 50100, 50110)
	got := h.waitOrder(t, "pending-1", "filled", func(o *domain.Order) bool { return o.IsOpenPosition() })
	if got.FillPrice != 50100 {
		t.Errorf("FillPrice = %v, want 50100", got.FillPrice)
	}
}

func TestGatewayCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sub := h.hub.Subscribe(domain.EventChannel)
	defer sub.Close()

	addr, err := h.engine.NewAddress(ctx)
	if err != nil || addr == "" {
		t.Errorf("NewAddress = %q, %v", addr, err)
	}

	ch, err := h.engine.OpenChannel(ctx, settlement.ChannelRequest{CapacitySats: 100_000})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	ce := nextEvent(t, sub).(domain.ChannelEvent)
	if ce.ChannelID != ch.ID || ce.State != domain.ChannelOpen {
		t.Errorf("ChannelEvent = %+v, want open %s", ce, ch.ID)
	}

	inv, err := h.engine.CreateInvoice(ctx, settlement.InvoiceRequest{AmountSats: 1000})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := h.engine.SendPayment(ctx, inv.PaymentRequest); err != nil {
		t.Errorf("SendPayment: %v", err)
	}

	validation := []error{
		func() error { _, err := h.engine.OpenChannel(ctx, settlement.ChannelRequest{}); return err }(),
		func() error {
			_, err := h.engine.OpenChannel(ctx, settlement.ChannelRequest{CapacitySats: 10, PushSats: 11})
			return err
		}(),
		func() error { _, err := h.engine.CreateInvoice(ctx, settlement.InvoiceRequest{AmountSats: -1}); return err }(),
		func() error { _, err := h.engine.SendPayment(ctx, ""); return err }(),
	}
	for i, err := range validation {
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("case %d err = %v, want ErrValidation", i, err)
		}
	}

	h.sim.FailNext(settlement.OpNewAddress, -1)
	if _, err := h.engine.NewAddress(ctx); !errors.Is(err, domain.ErrSettlementFailed) {
		t.Errorf("NewAddress err = %v, want ErrSettlementFailed", err)
	}
	if n := h.sim.Calls(settlement.OpNewAddress); n != 4 {
		t.Errorf("NewAddress calls = %d, want 4 (1 ok + 3 retried)", n)
	}
}

func TestJournalArchivesTerminalOrders(t *testing.T) {
	journal := &store.ParquetStore{DataDir: t.TempDir()}
	sim := settlement.NewSimulator()
	e := NewEngine(testConfig(), store.NewMemoryStore(), journal, sim, events.NewHub(testLogger()), testLogger())
	h := &harness{engine: e, sim: sim}

	o := h.mustSubmit(t, limitOrder(domain.DirectionLong, 0.1, 10, 1))
	cancelled, err := e.CancelOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	e.Stop()

	got, err := journal.ReadOrders(context.Background(), cancelled.UpdatedAt)
	if err != nil {
		t.Fatalf("ReadOrders: %v", err)
	}
	if len(got) != 1 || got[0].ID != o.ID || got[0].Status != domain.OrderStatusRejected {
		t.Errorf("journal = %+v, want the cancelled order", got)
	}
}

// stuckJournal blocks every append until release is closed.
type stuckJournal struct {
	release chan struct{}
}

func (j *stuckJournal) AppendOrders(ctx context.Context, orders []domain.Order) error {
	<-j.release
	return nil
}

func (j *stuckJournal) ReadOrders(ctx context.Context, day time.Time) ([]domain.Order, error) {
	return nil, nil
}

func TestArchiveDoesNotBlockShard(t *testing.T) {
	journal := &stuckJournal{release: make(chan struct{})}
	e := NewEngine(testConfig(), store.NewMemoryStore(), journal, settlement.NewSimulator(), events.NewHub(testLogger()), testLogger())
	t.Cleanup(e.Stop)
	t.Cleanup(func() { close(journal.release) })

	n := cap(e.archive) + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			e.archiveOrder(domain.Order{ID: fmt.Sprintf("o-%d", i), Status: domain.OrderStatusRejected})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("archiveOrder blocked behind a stuck journal")
	}
}

func TestStoppedEngine(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Stop()
	h.engine.Stop()

	if _, err := h.engine.CancelOrder(context.Background(), "x"); !errors.Is(err, errStopped) {
		t.Errorf("CancelOrder after Stop err = %v, want errStopped", err)
	}
}
