package settlement

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Compile-time interface check.
var _ Gateway = (*LNDGateway)(nil)

// LNDConfig configures the LND REST adapter.
type LNDConfig struct {
	Endpoint     string // e.g. https://localhost:8080
	MacaroonHex  string // admin macaroon, hex encoded
	MacaroonPath string // read when MacaroonHex is empty
	TLSCertPath  string // LND's tls.cert; empty uses the system pool
	Insecure     bool   // skip TLS verification (regtest only)
	PeerPubkey   string // default channel peer
	Timeout      time.Duration
}

// LNDGateway implements Gateway against the LND REST API.
type LNDGateway struct {
	endpoint   string
	macaroon   string
	peerPubkey string
	httpClient *http.Client
}

// NewLNDGateway creates an LNDGateway. The macaroon and TLS certificate are
// read once at construction.
func NewLNDGateway(cfg LNDConfig) (*LNDGateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("lnd endpoint is required")
	}

	mac := cfg.MacaroonHex
	if mac == "" && cfg.MacaroonPath != "" {
		raw, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("reading macaroon: %w", err)
		}
		mac = hex.EncodeToString(raw)
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Insecure {
		tlsCfg.InsecureSkipVerify = true
	} else if cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(cfg.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("reading tls cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.TLSCertPath)
		}
		tlsCfg.RootCAs = pool
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &LNDGateway{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		macaroon:   mac,
		peerPubkey: cfg.PeerPubkey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

// Name returns "lnd".
func (g *LNDGateway) Name() string {
	return "lnd"
}

// NewAddress calls GET /v1/newaddress for a native segwit address.
func (g *LNDGateway) NewAddress(ctx context.Context) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	if err := g.do(ctx, http.MethodGet, "/v1/newaddress?type=WITNESS_PUBKEY_HASH", nil, &resp); err != nil {
		return "", err
	}
	return resp.Address, nil
}

// OpenChannel calls POST /v1/channels. The channel id is the funding
// outpoint "txid:index".
func (g *LNDGateway) OpenChannel(ctx context.Context, req ChannelRequest) (*Channel, error) {
	peer := req.PeerPubkey
	if peer == "" {
		peer = g.peerPubkey
	}
	if peer == "" {
		return nil, fmt.Errorf("no channel peer configured")
	}

	body := map[string]any{
		"node_pubkey_string":   peer,
		"local_funding_amount": strconv.FormatInt(req.CapacitySats, 10),
	}
	if req.PushSats > 0 {
		body["push_sat"] = strconv.FormatInt(req.PushSats, 10)
	}
	if req.Memo != "" {
		body["memo"] = req.Memo
	}

	var resp struct {
		FundingTxidBytes string `json:"funding_txid_bytes"`
		FundingTxidStr   string `json:"funding_txid_str"`
		OutputIndex      int    `json:"output_index"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/channels", body, &resp); err != nil {
		return nil, err
	}

	txid := resp.FundingTxidStr
	if txid == "" && resp.FundingTxidBytes != "" {
		txid = reversedHex(resp.FundingTxidBytes)
	}
	return &Channel{
		ID:           fmt.Sprintf("%s:%d", txid, resp.OutputIndex),
		PeerPubkey:   peer,
		CapacitySats: req.CapacitySats,
		OpenedAt:     time.Now().UTC(),
	}, nil
}

// CreateInvoice calls POST /v1/invoices.
func (g *LNDGateway) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = DefaultInvoiceExpiry
	}
	body := map[string]any{
		"value":  strconv.FormatInt(req.AmountSats, 10),
		"memo":   req.Memo,
		"expiry": strconv.FormatInt(int64(expiry/time.Second), 10),
	}

	var resp struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return nil, err
	}
	return &Invoice{
		PaymentHash:    base64ToHex(resp.RHash),
		PaymentRequest: resp.PaymentRequest,
		AmountSats:     req.AmountSats,
		ExpiresAt:      time.Now().UTC().Add(expiry),
	}, nil
}

// SendPayment calls POST /v1/channels/transactions. A non-empty
// payment_error in an otherwise successful response is an error.
func (g *LNDGateway) SendPayment(ctx context.Context, paymentRequest string) (*Payment, error) {
	if paymentRequest == "" {
		return nil, fmt.Errorf("empty payment request")
	}
	body := map[string]any{"payment_request": paymentRequest}

	var resp struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
		PaymentHash     string `json:"payment_hash"`
		PaymentRoute    struct {
			TotalAmt string `json:"total_amt"`
		} `json:"payment_route"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/channels/transactions", body, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentError != "" {
		return nil, fmt.Errorf("lnd payment: %s: %w", resp.PaymentError, ErrUnavailable)
	}

	amt, _ := strconv.ParseInt(resp.PaymentRoute.TotalAmt, 10, 64)
	return &Payment{
		PaymentHash: base64ToHex(resp.PaymentHash),
		Preimage:    base64ToHex(resp.PaymentPreimage),
		AmountSats:  amt,
	}, nil
}

// lndError is the grpc-gateway error body.
type lndError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do sends a JSON request and decodes the response into out. Transport
// failures and 5xx responses wrap ErrUnavailable; 4xx responses do not.
func (g *LNDGateway) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.endpoint+path, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if g.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", g.macaroon)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lnd %s %s: %v: %w", method, path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading lnd response: %v: %w", err, ErrUnavailable)
	}

	if resp.StatusCode >= 300 {
		var le lndError
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &le) == nil && le.Message != "" {
			msg = le.Message
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("lnd %s %s: status %d: %s: %w", method, path, resp.StatusCode, msg, ErrUnavailable)
		}
		return fmt.Errorf("lnd %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding lnd response: %w", err)
	}
	return nil
}

// base64ToHex converts LND's base64 byte fields to hex. Invalid input is
// returned unchanged.
func base64ToHex(s string) string {
	if s == "" {
		return ""
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return hex.EncodeToString(b)
}

// reversedHex renders little-endian txid bytes as the usual big-endian hex.
func reversedHex(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return hex.EncodeToString(b)
}
