package settlement

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"perpcore/internal/util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayNames(t *testing.T) {
	lnd, err := NewLNDGateway(LNDConfig{Endpoint: "https://localhost:8080", Insecure: true})
	if err != nil {
		t.Fatalf("NewLNDGateway: %v", err)
	}
	tests := []struct {
		gw   Gateway
		want string
	}{
		{NewSimulator(), "simulator"},
		{lnd, "lnd"},
		{NewRetrying(NewSimulator(), util.DefaultBackoff(), testLogger()), "simulator"},
	}
	for _, tt := range tests {
		if got := tt.gw.Name(); got != tt.want {
			t.Errorf("Name() = %q, want %q", got, tt.want)
		}
	}
}

func TestSimulatorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()

	addr, err := s.NewAddress(ctx)
	if err != nil || !strings.HasPrefix(addr, "bcrt1q") {
		t.Fatalf("NewAddress = %q, %v", addr, err)
	}

	ch, err := s.OpenChannel(ctx, ChannelRequest{CapacitySats: 100_000})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.ID == "" || ch.CapacitySats != 100_000 {
		t.Errorf("channel = %+v", ch)
	}

	inv, err := s.CreateInvoice(ctx, InvoiceRequest{AmountSats: 5000, Memo: "payout"})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.PaymentRequest == "" || len(inv.PaymentHash) != 64 {
		t.Errorf("invoice = %+v", inv)
	}

	p, err := s.SendPayment(ctx, inv.PaymentRequest)
	if err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	if p.PaymentHash != inv.PaymentHash || p.AmountSats != 5000 {
		t.Errorf("payment = %+v, want hash %s amount 5000", p, inv.PaymentHash)
	}
	if _, err := s.SendPayment(ctx, inv.PaymentRequest); err == nil {
		t.Error("second SendPayment succeeded, want already paid")
	}

	for op, want := range map[string]int{OpNewAddress: 1, OpOpenChannel: 1, OpCreateInvoice: 1, OpSendPayment: 2} {
		if got := s.Calls(op); got != want {
			t.Errorf("Calls(%s) = %d, want %d", op, got, want)
		}
	}
}

func TestSimulatorFailNext(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()
	s.FailNext(OpCreateInvoice, 2)

	for i := 0; i < 2; i++ {
		if _, err := s.CreateInvoice(ctx, InvoiceRequest{AmountSats: 1}); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d err = %v, want ErrUnavailable", i, err)
		}
	}
	if _, err := s.CreateInvoice(ctx, InvoiceRequest{AmountSats: 1}); err != nil {
		t.Errorf("third call err = %v, want nil", err)
	}

	s.FailNext(OpOpenChannel, -1)
	for i := 0; i < 3; i++ {
		if _, err := s.OpenChannel(ctx, ChannelRequest{CapacitySats: 1}); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("OpenChannel %d err = %v, want ErrUnavailable", i, err)
		}
	}
	s.Reset()
	if _, err := s.OpenChannel(ctx, ChannelRequest{CapacitySats: 1}); err != nil {
		t.Errorf("OpenChannel after Reset = %v", err)
	}
}

func TestSimulatorValidation(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()
	if _, err := s.OpenChannel(ctx, ChannelRequest{CapacitySats: 0}); err == nil {
		t.Error("OpenChannel(0) succeeded")
	}
	if _, err := s.CreateInvoice(ctx, InvoiceRequest{AmountSats: -1}); err == nil {
		t.Error("CreateInvoice(-1) succeeded")
	}
	if _, err := s.SendPayment(ctx, ""); err == nil {
		t.Error("SendPayment(\"\") succeeded")
	}
}

func TestSimulatorDelayHonoursContext(t *testing.T) {
	s := NewSimulator()
	s.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.NewAddress(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("NewAddress err = %v, want DeadlineExceeded", err)
	}
}

func fastBackoff(attempts int) util.Backoff {
	return util.Backoff{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryingRecovers(t *testing.T) {
	s := NewSimulator()
	s.FailNext(OpCreateInvoice, 2)
	r := NewRetrying(s, fastBackoff(3), testLogger())

	inv, err := r.CreateInvoice(context.Background(), InvoiceRequest{AmountSats: 10})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.AmountSats != 10 {
		t.Errorf("AmountSats = %d, want 10", inv.AmountSats)
	}
	if got := s.Calls(OpCreateInvoice); got != 3 {
		t.Errorf("Calls = %d, want 3", got)
	}
}

func TestRetryingGivesUp(t *testing.T) {
	s := NewSimulator()
	s.FailNext(OpOpenChannel, -1)
	r := NewRetrying(s, fastBackoff(4), testLogger())

	if _, err := r.OpenChannel(context.Background(), ChannelRequest{CapacitySats: 1}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if got := s.Calls(OpOpenChannel); got != 4 {
		t.Errorf("Calls = %d, want 4", got)
	}
}

func TestRetryingSkipsNonTransient(t *testing.T) {
	s := NewSimulator()
	r := NewRetrying(s, fastBackoff(5), testLogger())

	if _, err := r.OpenChannel(context.Background(), ChannelRequest{CapacitySats: 0}); err == nil {
		t.Fatal("OpenChannel(0) succeeded")
	}
	if got := s.Calls(OpOpenChannel); got != 0 {
		t.Errorf("Calls = %d, want 0 (validation happens before the call)", got)
	}
	if r.Unwrap() != Gateway(s) {
		t.Error("Unwrap did not return the simulator")
	}
}

// fakeLND serves the subset of the LND REST API used by LNDGateway.
func fakeLND(t *testing.T, mac string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	check := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Grpc-Metadata-macaroon") != mac {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(lndError{Code: 2, Message: "verification failed"})
			return false
		}
		return true
	}
	mux.HandleFunc("GET /v1/newaddress", func(w http.ResponseWriter, r *http.Request) {
		if !check(w, r) {
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"address": "bcrt1qtest"})
	})
	mux.HandleFunc("POST /v1/channels", func(w http.ResponseWriter, r *http.Request) {
		if !check(w, r) {
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["local_funding_amount"] != "250000" || body["node_pubkey_string"] != "02peer" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(lndError{Code: 3, Message: "bad request"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"funding_txid_str": "abcd", "output_index": 1})
	})
	mux.HandleFunc("POST /v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		if !check(w, r) {
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"r_hash":          base64.StdEncoding.EncodeToString([]byte{0xde, 0xad}),
			"payment_request": "lnbcrt1test",
		})
	})
	mux.HandleFunc("POST /v1/channels/transactions", func(w http.ResponseWriter, r *http.Request) {
		if !check(w, r) {
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["payment_request"] == "lnbcrt1noroute" {
			json.NewEncoder(w).Encode(map[string]string{"payment_error": "no route"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"payment_hash":     base64.StdEncoding.EncodeToString([]byte{0xbe, 0xef}),
			"payment_preimage": base64.StdEncoding.EncodeToString([]byte{0x01}),
			"payment_route":    map[string]string{"total_amt": "42"},
		})
	})
	mux.HandleFunc("GET /v1/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return httptest.NewTLSServer(mux)
}

func TestLNDGateway(t *testing.T) {
	srv := fakeLND(t, "abcd01")
	defer srv.Close()

	g, err := NewLNDGateway(LNDConfig{Endpoint: srv.URL + "/", MacaroonHex: "abcd01", Insecure: true, PeerPubkey: "02peer"})
	if err != nil {
		t.Fatalf("NewLNDGateway: %v", err)
	}
	ctx := context.Background()

	addr, err := g.NewAddress(ctx)
	if err != nil || addr != "bcrt1qtest" {
		t.Errorf("NewAddress = %q, %v", addr, err)
	}

	ch, err := g.OpenChannel(ctx, ChannelRequest{CapacitySats: 250_000})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if ch.ID != "abcd:1" {
		t.Errorf("channel id = %q, want abcd:1", ch.ID)
	}

	inv, err := g.CreateInvoice(ctx, InvoiceRequest{AmountSats: 10})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.PaymentHash != "dead" || inv.PaymentRequest != "lnbcrt1test" {
		t.Errorf("invoice = %+v", inv)
	}

	p, err := g.SendPayment(ctx, "lnbcrt1test")
	if err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	if p.PaymentHash != "beef" || p.Preimage != "01" || p.AmountSats != 42 {
		t.Errorf("payment = %+v", p)
	}

	if _, err := g.SendPayment(ctx, "lnbcrt1noroute"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SendPayment(noroute) err = %v, want ErrUnavailable", err)
	}
}

func TestLNDGatewayErrors(t *testing.T) {
	srv := fakeLND(t, "good")
	defer srv.Close()
	ctx := context.Background()

	bad, _ := NewLNDGateway(LNDConfig{Endpoint: srv.URL, MacaroonHex: "bad", Insecure: true})
	_, err := bad.NewAddress(ctx)
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Errorf("unauthorized err = %v, want non-transient error", err)
	}
	if err != nil && !strings.Contains(err.Error(), "verification failed") {
		t.Errorf("err = %v, want lnd message", err)
	}

	g, _ := NewLNDGateway(LNDConfig{Endpoint: srv.URL, MacaroonHex: "good", Insecure: true})
	if err := g.do(ctx, http.MethodGet, "/v1/broken", nil, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("5xx err = %v, want ErrUnavailable", err)
	}
	if _, err := g.OpenChannel(ctx, ChannelRequest{CapacitySats: 1}); err == nil {
		t.Error("OpenChannel without peer succeeded")
	}

	srv.Close()
	if _, err := g.NewAddress(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("closed server err = %v, want ErrUnavailable", err)
	}

	if _, err := NewLNDGateway(LNDConfig{}); err == nil {
		t.Error("NewLNDGateway without endpoint succeeded")
	}
}
