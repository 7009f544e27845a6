package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Gateway = (*Simulator)(nil)

// Operation names used for failure injection and call counting.
const (
	OpNewAddress    = "new_address"
	OpOpenChannel   = "open_channel"
	OpCreateInvoice = "create_invoice"
	OpSendPayment   = "send_payment"
)

// Simulator implements Gateway in memory for paper trading and tests. It
// never talks to a real network.
type Simulator struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // remaining injected failures per op; -1 = forever
	delay    time.Duration
	invoices map[string]*Invoice
	paid     map[string]bool
}

// NewSimulator creates a Simulator that succeeds on every call.
func NewSimulator() *Simulator {
	return &Simulator{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		invoices: make(map[string]*Invoice),
		paid:     make(map[string]bool),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// FailNext makes the next n calls of op fail with ErrUnavailable. A negative
// n makes every call fail until Reset.
func (s *Simulator) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// SetDelay adds latency to every call.
func (s *Simulator) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Reset clears injected failures.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]int)
}

// Calls returns how many times op has been invoked.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Simulator) begin(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	delay := s.delay
	var fail bool
	if n, ok := s.failures[op]; ok && n != 0 {
		fail = true
		if n > 0 {
			s.failures[op] = n - 1
		}
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return fmt.Errorf("%s: %w (injected)", op, ErrUnavailable)
	}
	return ctx.Err()
}

// NewAddress returns a fake bech32-looking regtest address.
func (s *Simulator) NewAddress(ctx context.Context) (string, error) {
	if err := s.begin(ctx, OpNewAddress); err != nil {
		return "", err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "bcrt1q" + id[:32], nil
}

// OpenChannel returns a channel with a random id.
func (s *Simulator) OpenChannel(ctx context.Context, req ChannelRequest) (*Channel, error) {
	if req.CapacitySats <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", req.CapacitySats)
	}
	if err := s.begin(ctx, OpOpenChannel); err != nil {
		return nil, err
	}
	return &Channel{
		ID:           uuid.NewString(),
		PeerPubkey:   req.PeerPubkey,
		CapacitySats: req.CapacitySats,
		OpenedAt:     time.Now().UTC(),
	}, nil
}

// CreateInvoice returns an invoice whose payment hash is derived from a
// random preimage.
func (s *Simulator) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.AmountSats < 0 {
		return nil, fmt.Errorf("amount must not be negative, got %d", req.AmountSats)
	}
	if err := s.begin(ctx, OpCreateInvoice); err != nil {
		return nil, err
	}
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = DefaultInvoiceExpiry
	}
	sum := sha256.Sum256([]byte(uuid.NewString()))
	hash := hex.EncodeToString(sum[:])
	inv := &Invoice{
		PaymentHash:    hash,
		PaymentRequest: fmt.Sprintf("lnbcrt%dn1sim%s", req.AmountSats, hash[:20]),
		AmountSats:     req.AmountSats,
		ExpiresAt:      time.Now().UTC().Add(expiry),
	}

	s.mu.Lock()
	s.invoices[inv.PaymentRequest] = inv
	s.mu.Unlock()
	return inv, nil
}

// SendPayment pays an invoice previously created by this simulator. Unknown
// invoices are accepted as external payments.
func (s *Simulator) SendPayment(ctx context.Context, paymentRequest string) (*Payment, error) {
	if paymentRequest == "" {
		return nil, fmt.Errorf("empty payment request")
	}
	if err := s.begin(ctx, OpSendPayment); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paid[paymentRequest] {
		return nil, fmt.Errorf("invoice already paid")
	}
	s.paid[paymentRequest] = true

	p := &Payment{Preimage: strings.ReplaceAll(uuid.NewString(), "-", "")}
	if inv, ok := s.invoices[paymentRequest]; ok {
		p.PaymentHash = inv.PaymentHash
		p.AmountSats = inv.AmountSats
	} else {
		sum := sha256.Sum256([]byte(paymentRequest))
		p.PaymentHash = hex.EncodeToString(sum[:])
	}
	return p, nil
}
