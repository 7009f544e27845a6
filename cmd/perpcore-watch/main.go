package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perpcore/internal/domain"
	"perpcore/internal/events"
	"perpcore/internal/util"
)

func main() {
	_ = godotenv.Load()

	addr := "localhost:9090"
	if a := os.Getenv("PERPCORE_GRPC"); a != "" {
		addr = a
	}
	flag.StringVar(&addr, "addr", addr, "perpcore-server gRPC address")
	typesFlag := flag.String("types", "", "comma-separated event types (order_updated, price_updated, channel, settlement_failed)")
	raw := flag.Bool("json", false, "print raw JSON messages")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	types, err := events.ParseTypes(strings.Split(*typesFlag, ","))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := events.NewClient(addr, logger)
	show := printMessage
	if *raw {
		show = printJSON
	}

	// Reconnect while the server is unreachable.
	b := util.Backoff{
		MaxAttempts:  20,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("event stream failed, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	err = b.Do(ctx, func(int) error {
		return client.Stream(ctx, types, func(m events.Message) error {
			show(m)
			return nil
		})
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("event stream ended", "error", err)
		os.Exit(1)
	}
}

func printJSON(m events.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	fmt.Println(string(b))
}

func printMessage(m events.Message) {
	ts := m.Time.Local().Format("15:04:05.000")
	switch e := m.Event.(type) {
	case domain.OrderUpdated:
		o := e.Order
		line := fmt.Sprintf("%s #%-6d order    %s %-7s %-5s qty=%g lev=%g", ts, m.Seq, shortID(o.ID), o.Status, o.Direction, o.Quantity, o.Leverage)
		if o.FillPrice > 0 {
			line += fmt.Sprintf(" fill=%.2f", o.FillPrice)
		}
		if o.ClosePrice > 0 {
			line += fmt.Sprintf(" close=%.2f payout=%.2f", o.ClosePrice, o.Payout)
		}
		if o.Reason != domain.ReasonNone {
			line += " reason=" + string(o.Reason)
		}
		if o.SettlementPending {
			line += " settling=" + string(o.SettlementKind)
		}
		fmt.Println(line)
	case domain.PriceUpdated:
		fmt.Printf("%s #%-6d price    %s bid=%.2f ask=%.2f\n", ts, m.Seq, e.Price.Symbol, e.Price.Bid, e.Price.Ask)
	case domain.ChannelEvent:
		fmt.Printf("%s #%-6d channel  %s %s capacity=%d order=%s\n", ts, m.Seq, e.ChannelID, e.State, e.CapacitySats, shortID(e.OrderID))
	case domain.SettlementFailed:
		fmt.Printf("%s #%-6d FAILED   %s %s settlement after %d attempts: %s\n", ts, m.Seq, shortID(e.Order.ID), e.Order.SettlementKind, e.Attempts, e.Error)
	default:
		printJSON(m)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
