package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"perpcore/internal/api"
	"perpcore/internal/domain"
	"perpcore/internal/risk"
	"perpcore/internal/settlement"
	"perpcore/pkg/perpcore"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: perpcore-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version       Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  margin        Compute margin from -price -quantity -leverage\n")
	fmt.Fprintf(os.Stderr, "  quantity      Compute quantity from -price -margin -leverage\n")
	fmt.Fprintf(os.Stderr, "  liquidation   Compute liquidation price from -price -leverage -direction\n")
	fmt.Fprintf(os.Stderr, "  submit        Submit an order\n")
	fmt.Fprintf(os.Stderr, "  order <id>    Show one order\n")
	fmt.Fprintf(os.Stderr, "  orders        List orders (-status filter)\n")
	fmt.Fprintf(os.Stderr, "  cancel <id>   Cancel a pending order\n")
	fmt.Fprintf(os.Stderr, "  close <id>    Close an open position\n")
	fmt.Fprintf(os.Stderr, "  retry <id>    Retry a failed settlement\n")
	fmt.Fprintf(os.Stderr, "  positions     List open positions\n")
	fmt.Fprintf(os.Stderr, "  address       Get a new on-chain address\n")
	fmt.Fprintf(os.Stderr, "  channel       Open a payment channel (-capacity sats)\n")
	fmt.Fprintf(os.Stderr, "  invoice       Create an invoice (-amount sats)\n")
	fmt.Fprintf(os.Stderr, "  pay <req>     Pay a payment request\n")
	fmt.Fprintf(os.Stderr, "  journal       Show the archived orders of a day (-date YYYY-MM-DD)\n")
	fmt.Fprintf(os.Stderr, "\nThe server URL is taken from PERPCORE_URL (default http://localhost:8080).\n")
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := "http://localhost:8080"
	if u := os.Getenv("PERPCORE_URL"); u != "" {
		baseURL = u
	}
	client := perpcore.NewClient(baseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("perpcore-cli %s\n", version)
	case "margin", "quantity", "liquidation":
		err = calc(cmd, args)
	case "submit":
		err = submit(ctx, client, args)
	case "order":
		err = withID(args, func(id string) (any, error) { return client.GetOrder(ctx, id) })
	case "cancel":
		err = withID(args, func(id string) (any, error) { return client.CancelOrder(ctx, id) })
	case "close":
		err = withID(args, func(id string) (any, error) { return client.ClosePosition(ctx, id) })
	case "retry":
		err = withID(args, func(id string) (any, error) { return client.RetrySettlement(ctx, id) })
	case "orders":
		fs := flag.NewFlagSet("orders", flag.ExitOnError)
		status := fs.String("status", "", "filter by status (pending, filled, settled, rejected, closed)")
		fs.Parse(args)
		err = printResult(client.GetOrders(ctx, domain.OrderStatus(*status)))
	case "positions":
		err = printResult(client.GetPositions(ctx))
	case "address":
		addr, aerr := client.NewAddress(ctx)
		err = printResult(api.AddressResponse{Address: addr}, aerr)
	case "channel":
		fs := flag.NewFlagSet("channel", flag.ExitOnError)
		capacity := fs.Int64("capacity", 0, "channel capacity in sats")
		push := fs.Int64("push", 0, "amount pushed to the peer in sats")
		peer := fs.String("peer", "", "peer pubkey (default: gateway peer)")
		fs.Parse(args)
		err = printResult(client.OpenChannel(ctx, settlement.ChannelRequest{
			PeerPubkey: *peer, CapacitySats: *capacity, PushSats: *push,
		}))
	case "invoice":
		fs := flag.NewFlagSet("invoice", flag.ExitOnError)
		amount := fs.Int64("amount", 0, "amount in sats")
		memo := fs.String("memo", "", "invoice memo")
		expiry := fs.Duration("expiry", 0, "invoice expiry (default gateway expiry)")
		fs.Parse(args)
		err = printResult(client.CreateInvoice(ctx, api.InvoiceRequest{
			AmountSats: *amount, Memo: *memo, ExpirySeconds: int64(expiry.Seconds()),
		}))
	case "pay":
		err = withID(args, func(req string) (any, error) { return client.SendPayment(ctx, req) })
	case "journal":
		fs := flag.NewFlagSet("journal", flag.ExitOnError)
		date := fs.String("date", time.Now().UTC().Format("2006-01-02"), "UTC day")
		fs.Parse(args)
		day, perr := time.Parse("2006-01-02", *date)
		if perr != nil {
			err = fmt.Errorf("invalid -date: %w", perr)
			break
		}
		err = printResult(client.Journal(ctx, day))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// calc runs the risk calculator locally; no server is needed.
func calc(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	price := fs.Float64("price", 0, "price in USD")
	quantity := fs.Float64("quantity", 0, "contract quantity")
	margin := fs.Float64("margin", 0, "margin in USD")
	leverage := fs.Float64("leverage", 1, "leverage")
	direction := fs.String("direction", "long", "long or short")
	fs.Parse(args)

	switch cmd {
	case "margin":
		m, err := risk.Margin(*price, *quantity, *leverage)
		return printResult(api.MarginResponse{Margin: m}, err)
	case "quantity":
		q, err := risk.Quantity(*price, *margin, *leverage)
		return printResult(api.QuantityResponse{Quantity: q}, err)
	default:
		p, err := risk.LiquidationPrice(*price, *leverage, domain.Direction(*direction))
		return printResult(api.LiquidationResponse{LiquidationPrice: p}, err)
	}
}

func submit(ctx context.Context, client *perpcore.Client, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	symbol := fs.String("symbol", string(domain.ContractBTCUSD), "contract symbol")
	direction := fs.String("direction", "long", "long or short")
	quantity := fs.Float64("quantity", 0, "contract quantity")
	leverage := fs.Float64("leverage", 1, "leverage")
	limit := fs.Float64("limit", 0, "limit price; 0 submits a market order")
	expiry := fs.Duration("expiry", 0, "cancel the order if still pending after this long")
	fs.Parse(args)

	req := api.OrderRequest{
		ContractSymbol: *symbol,
		Direction:      domain.Direction(*direction),
		Quantity:       *quantity,
		Leverage:       *leverage,
		OrderType:      domain.Market(),
	}
	if *limit > 0 {
		req.OrderType = domain.Limit(*limit)
	}
	if *expiry > 0 {
		req.Expiry = time.Now().Add(*expiry).UTC()
	}
	return printResult(client.SubmitOrder(ctx, req))
}

func withID(args []string, fn func(string) (any, error)) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("missing argument")
	}
	return printResult(fn(args[0]))
}

func printResult[T any](v T, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
