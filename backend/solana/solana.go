// Package solana disburses lamports released by a fund manager program on a
// Solana-style chain. A payout is two steps: a withdraw instruction moves the
// aggregate amount from the program's lock account to its owner, then system
// transfers pay each recipient.
package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"fundmgr/chain"
	"fundmgr/custody"
	"fundmgr/disburse"
	"fundmgr/fees"
)

// LockSeed derives the program's lock account.
const LockSeed = "locker"

var (
	lockAccountDiscriminator = anchorDiscriminator("account:LockAccount")
	withdrawDiscriminator    = anchorDiscriminator("global:withdraw")
)

func anchorDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte(name))
	return sum[:8]
}

// LockAccount is the decoded program state guarding the custody funds.
type LockAccount struct {
	Owner       sol.PublicKey
	Initialized bool
}

// DecodeLockAccount parses the account data written by the program.
func DecodeLockAccount(data []byte) (LockAccount, error) {
	const size = 8 + sol.PublicKeyLength + 1
	if len(data) < size {
		return LockAccount{}, fmt.Errorf("lock account data too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], lockAccountDiscriminator) {
		return LockAccount{}, fmt.Errorf("lock account discriminator mismatch")
	}
	var out LockAccount
	copy(out.Owner[:], data[8:8+sol.PublicKeyLength])
	out.Initialized = data[8+sol.PublicKeyLength] != 0
	return out, nil
}

// EncodeLockAccount renders account data in the program's layout.
func EncodeLockAccount(acct LockAccount) []byte {
	out := make([]byte, 0, 8+sol.PublicKeyLength+1)
	out = append(out, lockAccountDiscriminator...)
	out = append(out, acct.Owner[:]...)
	if acct.Initialized {
		return append(out, 1)
	}
	return append(out, 0)
}

// LockAddress derives the lock account PDA for a program.
func LockAddress(program sol.PublicKey) (sol.PublicKey, error) {
	addr, _, err := sol.FindProgramAddress([][]byte{[]byte(LockSeed)}, program)
	return addr, err
}

// WithdrawInstruction releases amount lamports from the lock account to owner.
func WithdrawInstruction(program, lock, owner sol.PublicKey, amount uint64) sol.Instruction {
	data := make([]byte, 8, 16)
	copy(data, withdrawDiscriminator)
	data = binary.LittleEndian.AppendUint64(data, amount)
	return sol.NewInstruction(program, sol.AccountMetaSlice{
		sol.NewAccountMeta(lock, true, false),
		sol.NewAccountMeta(owner, true, true),
	}, data)
}

// Backend implements disburse.Backend for Solana-style chains.
type Backend struct {
	dial   Dialer
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]Client
	serial  map[string]*sync.Mutex
}

// Option customises the backend.
type Option func(*Backend)

// WithDialer overrides how clients are opened.
func WithDialer(d Dialer) Option {
	return func(b *Backend) { b.dial = d }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New constructs a Solana backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		dial:    DialClient,
		logger:  slog.Default(),
		clients: make(map[string]Client),
		serial:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type transfer struct {
	recipient disburse.Recipient
	to        sol.PublicKey
	lamports  uint64
}

type operation struct {
	recipients []disburse.Recipient
	transfers  []transfer
	program    sol.PublicKey
	lock       sol.PublicKey
	owner      sol.PublicKey
	total      uint64
	withdraw   sol.Instruction
}

func (o *operation) Recipients() []disburse.Recipient { return o.recipients }

func (b *Backend) Kind() chain.Kind { return chain.KindSolana }

// LockKey is empty: submissions are serialised per chain inside Submit.
func (b *Backend) LockKey(chain.Config) string { return "" }

func (b *Backend) Validate(cfg chain.Config, req disburse.Request) error {
	if _, err := sol.PublicKeyFromBase58(cfg.Contract); err != nil {
		return fmt.Errorf("%w: chain %s program id %q: %v", disburse.ErrConfiguration, cfg.Name, cfg.Contract, err)
	}
	for i, rc := range req.Recipients {
		if _, err := sol.PublicKeyFromBase58(rc.Address); err != nil {
			return fmt.Errorf("%w: recipient %d address %q", disburse.ErrInvalidRequest, i, rc.Address)
		}
		if !rc.Amount.IsUint64() {
			return fmt.Errorf("%w: recipient %d amount exceeds u64", disburse.ErrInvalidRequest, i)
		}
	}
	total := req.Total()
	if !total.IsUint64() {
		return fmt.Errorf("%w: total amount exceeds u64", disburse.ErrInvalidRequest)
	}
	return nil
}

// Build resolves the lock account and prepares the withdraw instruction.
// An absent or uninitialized lock account stops the payout before any send.
func (b *Backend) Build(ctx context.Context, cfg chain.Config, req disburse.Request) (disburse.Operation, error) {
	client, err := b.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	program, err := sol.PublicKeyFromBase58(cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s program id: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	lock, err := LockAddress(program)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s lock address: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	data, err := client.AccountData(ctx, lock)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s lock account %s: %v", disburse.ErrEstimationFailed, cfg.Name, lock, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: chain %s lock account %s not found", disburse.ErrProgramUninitialized, cfg.Name, lock)
	}
	acct, err := DecodeLockAccount(data)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s: %v", disburse.ErrProgramUninitialized, cfg.Name, err)
	}
	if !acct.Initialized {
		return nil, fmt.Errorf("%w: chain %s lock account %s", disburse.ErrProgramUninitialized, cfg.Name, lock)
	}
	transfers := make([]transfer, len(req.Recipients))
	for i, rc := range req.Recipients {
		to, err := sol.PublicKeyFromBase58(rc.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: recipient %d address %q", disburse.ErrInvalidRequest, i, rc.Address)
		}
		transfers[i] = transfer{recipient: rc, to: to, lamports: rc.Amount.Uint64()}
	}
	total := req.Total().Uint64()
	return &operation{
		recipients: req.Recipients,
		transfers:  transfers,
		program:    program,
		lock:       lock,
		owner:      acct.Owner,
		total:      total,
		withdraw:   WithdrawInstruction(program, lock, acct.Owner, total),
	}, nil
}

// FeeTooHigh prices a message carrying the exact withdraw instruction. A failed
// estimate is resolved by the chain's fee estimation policy.
func (b *Backend) FeeTooHigh(ctx context.Context, cfg chain.Config, op disburse.Operation) (bool, error) {
	o, ok := op.(*operation)
	if !ok {
		return false, fmt.Errorf("solana: unexpected operation %T", op)
	}
	client, err := b.client(ctx, cfg)
	if err != nil {
		return false, err
	}
	fee, err := b.estimate(ctx, client, o)
	if err != nil {
		return cfg.FeeEstimateFailure.Resolve(b.logger, cfg.Name, err), nil
	}
	observed := new(big.Int).SetUint64(fee)
	if fees.Exceeds(observed, cfg.MaxFee) {
		b.logger.Warn("solana fee above ceiling",
			slog.String("chain", cfg.Name),
			slog.Uint64("fee", fee),
			slog.String("max", cfg.MaxFee.String()))
		return true, nil
	}
	return false, nil
}

func (b *Backend) estimate(ctx context.Context, client Client, o *operation) (uint64, error) {
	blockhash, err := client.LatestBlockhash(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest blockhash: %w", err)
	}
	tx, err := sol.NewTransaction([]sol.Instruction{o.withdraw}, blockhash, sol.TransactionPayer(o.owner))
	if err != nil {
		return 0, fmt.Errorf("compile withdraw: %w", err)
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("encode withdraw: %w", err)
	}
	return client.FeeForMessage(ctx, message)
}

// Submit sends the withdraw, waits for it to confirm, then pays recipients in
// chunks of cfg.TransferBatch() transfers. The withdraw signature is the
// handle; transfer signatures are related identifiers.
func (b *Backend) Submit(ctx context.Context, cfg chain.Config, op disburse.Operation) (disburse.Submission, error) {
	o, ok := op.(*operation)
	if !ok {
		return disburse.Submission{}, fmt.Errorf("solana: unexpected operation %T", op)
	}
	client, err := b.client(ctx, cfg)
	if err != nil {
		return disburse.Submission{}, err
	}
	serial := b.serialFor(cfg.Name)
	serial.Lock()
	defer serial.Unlock()

	withdrawSig, err := b.send(ctx, client, cfg, o.owner, []sol.Instruction{o.withdraw})
	if err != nil {
		if withdrawSig.IsZero() {
			return disburse.Submission{}, err
		}
		return disburse.Submission{ID: withdrawSig.String()}, fmt.Errorf("%w: chain %s withdraw %s: %v",
			disburse.ErrSubmissionFailed, cfg.Name, withdrawSig, err)
	}
	b.logger.Info("solana withdraw sent",
		slog.String("chain", cfg.Name),
		slog.String("signature", withdrawSig.String()),
		slog.Uint64("lamports", o.total))

	status, err := b.await(ctx, client, cfg, []sol.Signature{withdrawSig})
	if err != nil || status == disburse.StatusTimeout {
		if err == nil {
			err = fmt.Errorf("withdraw not confirmed within %s", cfg.ConfirmTimeout())
		}
		return disburse.Submission{ID: withdrawSig.String()}, fmt.Errorf("%w: chain %s withdraw %s: %v",
			disburse.ErrSubmissionFailed, cfg.Name, withdrawSig, err)
	}
	if status == disburse.StatusFailed {
		return disburse.Submission{ID: withdrawSig.String()}, &disburse.PartialPayoutError{
			Unpaid:     o.recipients,
			Signatures: []string{withdrawSig.String()},
			Cause:      fmt.Errorf("withdraw %s failed on chain %s", withdrawSig, cfg.Name),
		}
	}

	sub := disburse.Submission{ID: withdrawSig.String()}
	batch := cfg.TransferBatch()
	var paid []disburse.Recipient
	for start := 0; start < len(o.transfers); start += batch {
		end := min(start+batch, len(o.transfers))
		chunk := o.transfers[start:end]
		instructions := make([]sol.Instruction, len(chunk))
		for i, t := range chunk {
			instructions[i] = system.NewTransferInstruction(t.lamports, o.owner, t.to).Build()
		}
		sig, err := b.send(ctx, client, cfg, o.owner, instructions)
		if !sig.IsZero() {
			sub.Related = append(sub.Related, sig.String())
		}
		if err != nil {
			partial := &disburse.PartialPayoutError{
				Paid:       paid,
				Unpaid:     recipientsOf(o.transfers[end:]),
				Signatures: append([]string{sub.ID}, sub.Related...),
				Cause:      err,
			}
			if sig.IsZero() {
				partial.Unpaid = append(recipientsOf(chunk), partial.Unpaid...)
			} else {
				partial.Uncertain = recipientsOf(chunk)
			}
			b.logger.Error("solana payout stopped midway",
				slog.String("chain", cfg.Name),
				slog.String("withdraw", sub.ID),
				slog.Int("paid", len(partial.Paid)),
				slog.Int("uncertain", len(partial.Uncertain)),
				slog.Int("unpaid", len(partial.Unpaid)),
				slog.Any("error", err))
			return sub, partial
		}
		paid = append(paid, recipientsOf(chunk)...)
	}
	b.logger.Info("solana transfers sent",
		slog.String("chain", cfg.Name),
		slog.String("withdraw", sub.ID),
		slog.Int("transactions", len(sub.Related)))
	return sub, nil
}

// send signs with a freshly loaded key and submits. The signature is known
// before the network call, so it is returned whenever signing succeeded.
func (b *Backend) send(ctx context.Context, client Client, cfg chain.Config, owner sol.PublicKey, instructions []sol.Instruction) (sol.Signature, error) {
	blockhash, err := client.LatestBlockhash(ctx)
	if err != nil {
		return sol.Signature{}, fmt.Errorf("%w: chain %s blockhash: %v", disburse.ErrEstimationFailed, cfg.Name, err)
	}
	tx, err := sol.NewTransaction(instructions, blockhash, sol.TransactionPayer(owner))
	if err != nil {
		return sol.Signature{}, fmt.Errorf("%w: chain %s compile: %v", disburse.ErrEstimationFailed, cfg.Name, err)
	}
	if err := custody.WithEd25519(cfg.Custody, func(key ed25519.PrivateKey) error {
		signer := sol.PrivateKey(key)
		if !signer.PublicKey().Equals(owner) {
			return fmt.Errorf("custody key %s does not own lock account (owner %s)", signer.PublicKey(), owner)
		}
		_, signErr := tx.Sign(func(pub sol.PublicKey) *sol.PrivateKey {
			if pub.Equals(owner) {
				return &signer
			}
			return nil
		})
		return signErr
	}); err != nil {
		return sol.Signature{}, fmt.Errorf("%w: chain %s sign: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	if len(tx.Signatures) == 0 {
		return sol.Signature{}, fmt.Errorf("%w: chain %s: transaction unsigned", disburse.ErrConfiguration, cfg.Name)
	}
	sig := tx.Signatures[0]
	if _, err := client.Send(ctx, tx); err != nil {
		return sig, err
	}
	return sig, nil
}

// IsConfirmed waits until every signature of the payout reaches the chain's
// commitment. Any failed signature fails the payout.
func (b *Backend) IsConfirmed(ctx context.Context, cfg chain.Config, pending disburse.PendingTransaction) (disburse.Status, error) {
	ids := pending.IDs()
	sigs := make([]sol.Signature, 0, len(ids))
	for _, id := range ids {
		sig, err := sol.SignatureFromBase58(id)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a signature", disburse.ErrInvalidRequest, id)
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return "", fmt.Errorf("%w: no signatures", disburse.ErrInvalidRequest)
	}
	client, err := b.client(ctx, cfg)
	if err != nil {
		return "", err
	}
	return b.await(ctx, client, cfg, sigs)
}

func (b *Backend) await(ctx context.Context, client Client, cfg chain.Config, sigs []sol.Signature) (disburse.Status, error) {
	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConfirmTimeout())
	defer cancel()
	ticker := time.NewTicker(cfg.PollInterval())
	defer ticker.Stop()
	for {
		status, done := b.checkStatuses(waitCtx, client, cfg, sigs)
		if done {
			return status, nil
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return disburse.StatusTimeout, nil
		case <-ticker.C:
		}
	}
}

func (b *Backend) checkStatuses(ctx context.Context, client Client, cfg chain.Config, sigs []sol.Signature) (disburse.Status, bool) {
	statuses, err := client.SignatureStatuses(ctx, sigs...)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Debug("signature status query failed",
				slog.String("chain", cfg.Name),
				slog.Any("error", err))
		}
		return "", false
	}
	if len(statuses) != len(sigs) {
		return "", false
	}
	confirmed := true
	for _, st := range statuses {
		if st == nil {
			confirmed = false
			continue
		}
		if st.Err != nil {
			return disburse.StatusFailed, true
		}
		if !reached(st.ConfirmationStatus, cfg.Finality.Commitment) {
			confirmed = false
		}
	}
	if confirmed {
		return disburse.StatusConfirmed, true
	}
	return "", false
}

func reached(status rpc.ConfirmationStatusType, commitment string) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return commitment != string(rpc.CommitmentFinalized)
	default:
		return false
	}
}

// Balance reports the lamports held by the lock account.
func (b *Backend) Balance(ctx context.Context, cfg chain.Config) (*big.Int, error) {
	client, err := b.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	program, err := sol.PublicKeyFromBase58(cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s program id: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	lock, err := LockAddress(program)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s lock address: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	lamports, err := client.Balance(ctx, lock)
	if err != nil {
		return nil, fmt.Errorf("solana: chain %s balance: %w", cfg.Name, err)
	}
	return new(big.Int).SetUint64(lamports), nil
}

// Close releases every dialled client.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for endpoint, client := range b.clients {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(b.clients, endpoint)
	}
}

func (b *Backend) client(ctx context.Context, cfg chain.Config) (Client, error) {
	commitment := rpc.CommitmentType(strings.TrimSpace(cfg.Finality.Commitment))
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	key := cfg.Endpoint + "|" + string(commitment)
	b.mu.Lock()
	defer b.mu.Unlock()
	if client, ok := b.clients[key]; ok {
		return client, nil
	}
	client, err := b.dial(ctx, cfg.Endpoint, commitment)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s dial: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	b.clients[key] = client
	return client, nil
}

func (b *Backend) serialFor(name string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.serial[name]
	if !ok {
		m = &sync.Mutex{}
		b.serial[name] = m
	}
	return m
}

func recipientsOf(transfers []transfer) []disburse.Recipient {
	if len(transfers) == 0 {
		return nil
	}
	out := make([]disburse.Recipient, len(transfers))
	for i, t := range transfers {
		out[i] = t.recipient
	}
	return out
}
