// Package lightning pays BOLT11 invoices from an LNPay wallet. Payouts are
// single-recipient, serialised by a process-wide lock and drawn from a
// periodic quota window.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/btcsuite/btcutil"

	"fundmgr/chain"
	"fundmgr/custody"
	"fundmgr/disburse"
)

// LockKey is the resource lock shared by every Lightning disbursement.
const LockKey = "lightning-disbursement"

// Backend implements disburse.Backend for LNPay wallets. cfg.Contract holds
// the wallet access key and the custody reference resolves the API key.
type Backend struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]*LNPay
}

// Option customises the backend.
type Option func(*Backend)

// WithHTTPClient overrides the HTTP client used for LNPay calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New constructs a Lightning backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		logger:  slog.Default(),
		clients: make(map[string]*LNPay),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type operation struct {
	recipient disburse.Recipient
	invoice   Invoice
}

func (o *operation) Recipients() []disburse.Recipient {
	return []disburse.Recipient{o.recipient}
}

func (b *Backend) Kind() chain.Kind { return chain.KindLightning }

func (b *Backend) LockKey(chain.Config) string { return LockKey }

// MaxRecipients is one: LNPay pays a single invoice per call.
func (b *Backend) MaxRecipients(chain.Config) int { return 1 }

// QuotaKey names the quota window; one per configured Lightning chain.
func (b *Backend) QuotaKey(cfg chain.Config) string { return cfg.Name }

// Validate enforces one invoice per request and, when configured, that the
// invoice encodes exactly the requested amount.
func (b *Backend) Validate(cfg chain.Config, req disburse.Request) error {
	if len(req.Recipients) != 1 {
		return fmt.Errorf("%w: lightning pays one invoice per request, got %d", disburse.ErrUnsupportedBatch, len(req.Recipients))
	}
	rc := req.Recipients[0]
	inv, err := ParseInvoice(rc.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", disburse.ErrInvalidRequest, err)
	}
	if cfg.VerifyInvoiceAmount {
		return checkAmount(inv, rc.Amount)
	}
	return nil
}

func checkAmount(inv Invoice, requested *big.Int) error {
	encoded, ok := inv.Amount()
	if !ok {
		return fmt.Errorf("%w: invoice carries no amount", disburse.ErrInvalidRequest)
	}
	if requested == nil || !requested.IsInt64() || btcutil.Amount(requested.Int64()) != encoded {
		return fmt.Errorf("%w: invoice amount %s does not match requested %s sat",
			disburse.ErrInvalidRequest, encoded.Format(btcutil.AmountSatoshi), requested)
	}
	return nil
}

// Build cross-checks the invoice with the node when amounts are verified.
// Nothing is paid.
func (b *Backend) Build(ctx context.Context, cfg chain.Config, req disburse.Request) (disburse.Operation, error) {
	rc := req.Recipients[0]
	inv, err := ParseInvoice(rc.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", disburse.ErrInvalidRequest, err)
	}
	op := &operation{recipient: rc, invoice: inv}
	if !cfg.VerifyInvoiceAmount {
		return op, nil
	}
	client, err := b.client(cfg)
	if err != nil {
		return nil, err
	}
	var decoded DecodedInvoice
	err = custody.WithSecret(cfg.Custody, func(apiKey []byte) error {
		var decodeErr error
		decoded, decodeErr = client.DecodeInvoice(ctx, string(apiKey), inv.Raw)
		return decodeErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s decode invoice: %v", disburse.ErrEstimationFailed, cfg.Name, err)
	}
	sats, err := decoded.NumSatoshis.Int64()
	if err != nil || big.NewInt(sats).Cmp(rc.Amount) != 0 {
		return nil, fmt.Errorf("%w: node decoded %q sat, requested %s", disburse.ErrInvalidRequest, decoded.NumSatoshis, rc.Amount)
	}
	return op, nil
}

// FeeTooHigh is always false: routing fees are bounded by the wallet.
func (b *Backend) FeeTooHigh(context.Context, chain.Config, disburse.Operation) (bool, error) {
	return false, nil
}

// Submit pays the invoice. The lnTx id is the handle.
func (b *Backend) Submit(ctx context.Context, cfg chain.Config, op disburse.Operation) (disburse.Submission, error) {
	o, ok := op.(*operation)
	if !ok {
		return disburse.Submission{}, fmt.Errorf("lightning: unexpected operation %T", op)
	}
	client, err := b.client(cfg)
	if err != nil {
		return disburse.Submission{}, err
	}
	var tx LnTx
	var payErr error
	if err := custody.WithSecret(cfg.Custody, func(apiKey []byte) error {
		tx, payErr = client.PayInvoice(ctx, string(apiKey), cfg.Contract, o.invoice.Raw)
		return nil
	}); err != nil {
		return disburse.Submission{}, fmt.Errorf("%w: chain %s custody: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	if payErr != nil {
		if errors.Is(payErr, ErrRejected) {
			b.logger.Warn("lightning payment rejected",
				slog.String("chain", cfg.Name),
				slog.Any("error", payErr))
			return disburse.Submission{}, fmt.Errorf("%w: chain %s: %v", disburse.ErrPaymentRejected, cfg.Name, payErr)
		}
		return disburse.Submission{}, fmt.Errorf("%w: chain %s pay invoice: %v", disburse.ErrSubmissionFailed, cfg.Name, payErr)
	}
	b.logger.Info("lightning invoice paid",
		slog.String("chain", cfg.Name),
		slog.String("lntx", tx.ID),
		slog.String("amount", o.recipient.Amount.String()))
	return disburse.Submission{ID: tx.ID}, nil
}

// IsConfirmed looks the payment up once. settled == 1 is Confirmed, any other
// value Failed. A failed lookup is reported as Timeout so it can be retried.
func (b *Backend) IsConfirmed(ctx context.Context, cfg chain.Config, pending disburse.PendingTransaction) (disburse.Status, error) {
	if strings.TrimSpace(pending.ID) == "" {
		return "", fmt.Errorf("%w: lntx id required", disburse.ErrInvalidRequest)
	}
	client, err := b.client(cfg)
	if err != nil {
		return "", err
	}
	lookupCtx, cancel := context.WithTimeout(ctx, cfg.ConfirmTimeout())
	defer cancel()
	var tx LnTx
	var lookupErr error
	if err := custody.WithSecret(cfg.Custody, func(apiKey []byte) error {
		tx, lookupErr = client.Transaction(lookupCtx, string(apiKey), pending.ID)
		return nil
	}); err != nil {
		return "", fmt.Errorf("%w: chain %s custody: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	if lookupErr != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b.logger.Debug("lntx lookup failed",
			slog.String("chain", cfg.Name),
			slog.String("lntx", pending.ID),
			slog.Any("error", lookupErr))
		return disburse.StatusTimeout, nil
	}
	if tx.Settled == 1 {
		return disburse.StatusConfirmed, nil
	}
	return disburse.StatusFailed, nil
}

// Balance reports the wallet balance in satoshi.
func (b *Backend) Balance(ctx context.Context, cfg chain.Config) (*big.Int, error) {
	client, err := b.client(cfg)
	if err != nil {
		return nil, err
	}
	var balance int64
	err = custody.WithSecret(cfg.Custody, func(apiKey []byte) error {
		var balanceErr error
		balance, balanceErr = client.WalletBalance(ctx, string(apiKey), cfg.Contract)
		return balanceErr
	})
	if err != nil {
		return nil, fmt.Errorf("lightning: chain %s balance: %w", cfg.Name, err)
	}
	return big.NewInt(balance), nil
}

func (b *Backend) client(cfg chain.Config) (*LNPay, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if client, ok := b.clients[cfg.Endpoint]; ok {
		return client, nil
	}
	client, err := NewLNPay(cfg.Endpoint, b.httpClient)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	b.clients[cfg.Endpoint] = client
	return client, nil
}
