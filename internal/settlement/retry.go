package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"perpcore/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*Retrying)(nil)

// Retrying wraps a Gateway and retries calls that fail with ErrUnavailable
// according to a backoff policy.
type Retrying struct {
	next    Gateway
	backoff util.Backoff
	log     *slog.Logger
}

// NewRetrying wraps next. Only errors wrapping ErrUnavailable are retried.
func NewRetrying(next Gateway, b util.Backoff, log *slog.Logger) *Retrying {
	if log == nil {
		log = slog.Default()
	}
	b.RetryIf = func(err error) bool { return errors.Is(err, ErrUnavailable) }
	return &Retrying{next: next, backoff: b, log: log.With("component", "settlement", "gateway", next.Name())}
}

// Unwrap returns the wrapped gateway.
func (r *Retrying) Unwrap() Gateway { return r.next }

// Name returns the wrapped gateway's name.
func (r *Retrying) Name() string { return r.next.Name() }

func (r *Retrying) policy(op string) util.Backoff {
	b := r.backoff
	b.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.log.Warn("gateway call failed, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
	}
	return b
}

// NewAddress retries the wrapped NewAddress.
func (r *Retrying) NewAddress(ctx context.Context) (string, error) {
	var addr string
	err := r.policy(OpNewAddress).Do(ctx, func(int) error {
		var err error
		addr, err = r.next.NewAddress(ctx)
		return err
	})
	return addr, err
}

// OpenChannel retries the wrapped OpenChannel.
func (r *Retrying) OpenChannel(ctx context.Context, req ChannelRequest) (*Channel, error) {
	var ch *Channel
	err := r.policy(OpOpenChannel).Do(ctx, func(int) error {
		var err error
		ch, err = r.next.OpenChannel(ctx, req)
		return err
	})
	return ch, err
}

// CreateInvoice retries the wrapped CreateInvoice.
func (r *Retrying) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	var inv *Invoice
	err := r.policy(OpCreateInvoice).Do(ctx, func(int) error {
		var err error
		inv, err = r.next.CreateInvoice(ctx, req)
		return err
	})
	return inv, err
}

// SendPayment retries the wrapped SendPayment.
func (r *Retrying) SendPayment(ctx context.Context, paymentRequest string) (*Payment, error) {
	var p *Payment
	err := r.policy(OpSendPayment).Do(ctx, func(int) error {
		var err error
		p, err = r.next.SendPayment(ctx, paymentRequest)
		return err
	})
	return p, err
}
