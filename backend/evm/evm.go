// Package evm disburses native tokens held by a fund manager contract on an
// EVM-compatible chain.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"fundmgr/chain"
	"fundmgr/custody"
	"fundmgr/disburse"
	"fundmgr/fees"
)

// fundManagerABI covers the withdrawal entry points of the fund manager contract.
const fundManagerABI = `[
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"amount","type":"uint256"},{"name":"to","type":"address"}]},
	{"type":"function","name":"multiWithdraw","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"data","type":"tuple[]","components":[
		{"name":"amount","type":"uint256"},{"name":"to","type":"address"}]}]}
]`

// FundManagerABI is the parsed contract interface.
var FundManagerABI = mustParseABI(fundManagerABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("evm: parse fund manager abi: %v", err))
	}
	return parsed
}

// Client defines the subset of the Ethereum RPC used by the backend.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Dialer opens a client for an endpoint.
type Dialer func(ctx context.Context, endpoint string) (Client, error)

// DialClient initialises an EVM RPC client for the provided endpoint.
func DialClient(ctx context.Context, endpoint string) (Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Backend implements disburse.Backend for EVM chains. Submissions on the same
// chain are serialised so nonces are never handed out twice.
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

// New constructs an EVM backend.
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

type operation struct {
	recipients []disburse.Recipient
	from       common.Address
	contract   common.Address
	data       []byte
	gas        uint64
	price      *big.Int
}

func (o *operation) Recipients() []disburse.Recipient { return o.recipients }

func (b *Backend) Kind() chain.Kind { return chain.KindEVM }

// LockKey is empty: nonce allocation is serialised per chain inside Submit.
func (b *Backend) LockKey(chain.Config) string { return "" }

func (b *Backend) Validate(cfg chain.Config, req disburse.Request) error {
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("%w: chain %s contract %q is not an address", disburse.ErrConfiguration, cfg.Name, cfg.Contract)
	}
	for i, rc := range req.Recipients {
		if !common.IsHexAddress(rc.Address) {
			return fmt.Errorf("%w: recipient %d address %q", disburse.ErrInvalidRequest, i, rc.Address)
		}
	}
	return nil
}

// Pack encodes withdraw for one recipient and multiWithdraw for several.
func Pack(recipients []disburse.Recipient) ([]byte, error) {
	if len(recipients) == 1 {
		return FundManagerABI.Pack("withdraw", recipients[0].Amount, common.HexToAddress(recipients[0].Address))
	}
	type withdrawal struct {
		Amount *big.Int
		To     common.Address
	}
	batch := make([]withdrawal, len(recipients))
	for i, rc := range recipients {
		batch[i] = withdrawal{Amount: rc.Amount, To: common.HexToAddress(rc.Address)}
	}
	return FundManagerABI.Pack("multiWithdraw", batch)
}

// Build encodes the contract call and estimates gas. Nothing is signed or sent.
func (b *Backend) Build(ctx context.Context, cfg chain.Config, req disburse.Request) (disburse.Operation, error) {
	client, err := b.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var from common.Address
	if err := custody.WithECDSA(cfg.Custody, func(key *ecdsa.PrivateKey) error {
		from = gethcrypto.PubkeyToAddress(key.PublicKey)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: chain %s custody: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	data, err := Pack(req.Recipients)
	if err != nil {
		return nil, fmt.Errorf("%w: pack call: %v", disburse.ErrEstimationFailed, err)
	}
	contract := common.HexToAddress(cfg.Contract)
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", disburse.ErrEstimationFailed, err)
	}
	return &operation{
		recipients: req.Recipients,
		from:       from,
		contract:   contract,
		data:       data,
		gas:        gas,
	}, nil
}

// FeeTooHigh compares the suggested gas price with the ceiling and remembers
// it for the bid. A failed price query cannot fail open because the bid
// depends on it.
func (b *Backend) FeeTooHigh(ctx context.Context, cfg chain.Config, op disburse.Operation) (bool, error) {
	o, ok := op.(*operation)
	if !ok {
		return false, fmt.Errorf("evm: unexpected operation %T", op)
	}
	client, err := b.client(ctx, cfg)
	if err != nil {
		return false, err
	}
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: suggest gas price: %v", disburse.ErrEstimationFailed, err)
	}
	o.price = price
	if fees.Exceeds(price, cfg.MaxFee) {
		b.logger.Warn("gas price above ceiling",
			slog.String("chain", cfg.Name),
			slog.String("price", price.String()),
			slog.String("max", cfg.MaxFee.String()))
		return true, nil
	}
	return false, nil
}

// Submit assigns the nonce, signs offline with a freshly loaded key and sends.
func (b *Backend) Submit(ctx context.Context, cfg chain.Config, op disburse.Operation) (disburse.Submission, error) {
	o, ok := op.(*operation)
	if !ok || o.price == nil {
		return disburse.Submission{}, fmt.Errorf("evm: operation was not fee checked")
	}
	client, err := b.client(ctx, cfg)
	if err != nil {
		return disburse.Submission{}, err
	}
	serial := b.serialFor(cfg.Name)
	serial.Lock()
	defer serial.Unlock()

	chainID := cfg.EVMChainID
	if chainID == nil {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return disburse.Submission{}, fmt.Errorf("%w: chain %s id: %v", disburse.ErrConfiguration, cfg.Name, err)
		}
	}
	nonce, err := client.PendingNonceAt(ctx, o.from)
	if err != nil {
		return disburse.Submission{}, fmt.Errorf("%w: chain %s nonce: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	// MaxFee gates the observed price only; the bid may exceed it.
	bid := cfg.FeeMultiplier.Apply(o.price)
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &o.contract,
		Value:    new(big.Int),
		Gas:      o.gas,
		GasPrice: bid,
		Data:     o.data,
	})
	var signed *gethtypes.Transaction
	if err := custody.WithECDSA(cfg.Custody, func(key *ecdsa.PrivateKey) error {
		if gethcrypto.PubkeyToAddress(key.PublicKey) != o.from {
			return fmt.Errorf("custody key changed since build")
		}
		var signErr error
		signed, signErr = gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), key)
		return signErr
	}); err != nil {
		return disburse.Submission{}, fmt.Errorf("%w: chain %s sign: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	hash := signed.Hash().Hex()
	if err := client.SendTransaction(ctx, signed); err != nil {
		return disburse.Submission{ID: hash}, fmt.Errorf("%w: chain %s send %s: %v", disburse.ErrSubmissionFailed, cfg.Name, hash, err)
	}
	b.logger.Info("evm disbursement sent",
		slog.String("chain", cfg.Name),
		slog.String("tx_hash", hash),
		slog.Uint64("nonce", nonce),
		slog.String("gas_price", bid.String()))
	return disburse.Submission{ID: hash}, nil
}

// IsConfirmed polls for the receipt until the chain's confirmation timeout.
// A missing receipt is a Timeout, never a failure.
func (b *Backend) IsConfirmed(ctx context.Context, cfg chain.Config, pending disburse.PendingTransaction) (disburse.Status, error) {
	if !isHash(pending.ID) {
		return "", fmt.Errorf("%w: %q is not a transaction hash", disburse.ErrInvalidRequest, pending.ID)
	}
	client, err := b.client(ctx, cfg)
	if err != nil {
		return "", err
	}
	hash := common.HexToHash(pending.ID)
	required := cfg.RequiredConfirmations()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConfirmTimeout())
	defer cancel()
	ticker := time.NewTicker(cfg.PollInterval())
	defer ticker.Stop()
	for {
		status, done := b.checkReceipt(waitCtx, client, cfg, hash, required)
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

func (b *Backend) checkReceipt(ctx context.Context, client Client, cfg chain.Config, hash common.Hash, required uint64) (disburse.Status, bool) {
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			b.logger.Debug("receipt query failed",
				slog.String("chain", cfg.Name),
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err))
		}
		return "", false
	}
	if receipt == nil {
		return "", false
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return disburse.StatusFailed, true
	}
	if required <= 1 || receipt.BlockNumber == nil {
		return disburse.StatusConfirmed, true
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return "", false
	}
	included := receipt.BlockNumber.Uint64()
	if head < included {
		return "", false
	}
	if head-included+1 >= required {
		return disburse.StatusConfirmed, true
	}
	return "", false
}

// Balance reports the contract balance available for withdrawals.
func (b *Backend) Balance(ctx context.Context, cfg chain.Config) (*big.Int, error) {
	client, err := b.client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	balance, err := client.BalanceAt(ctx, common.HexToAddress(cfg.Contract), nil)
	if err != nil {
		return nil, fmt.Errorf("evm: chain %s balance: %w", cfg.Name, err)
	}
	return balance, nil
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
	b.mu.Lock()
	defer b.mu.Unlock()
	if client, ok := b.clients[cfg.Endpoint]; ok {
		return client, nil
	}
	client, err := b.dial(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: chain %s dial: %v", disburse.ErrConfiguration, cfg.Name, err)
	}
	b.clients[cfg.Endpoint] = client
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

func isHash(raw string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(trimmed) != 2*common.HashLength {
		return false
	}
	for _, c := range trimmed {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
