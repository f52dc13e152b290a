package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Client is the subset of the Solana JSON-RPC used by the backend.
type Client interface {
	// AccountData returns nil data without error when the account does not exist.
	AccountData(ctx context.Context, account sol.PublicKey) ([]byte, error)
	LatestBlockhash(ctx context.Context) (sol.Hash, error)
	FeeForMessage(ctx context.Context, message []byte) (uint64, error)
	Send(ctx context.Context, tx *sol.Transaction) (sol.Signature, error)
	SignatureStatuses(ctx context.Context, sigs ...sol.Signature) ([]*rpc.SignatureStatusesResult, error)
	Balance(ctx context.Context, account sol.PublicKey) (uint64, error)
}

// Dialer opens a client for an endpoint at the given commitment.
type Dialer func(ctx context.Context, endpoint string, commitment rpc.CommitmentType) (Client, error)

// DialClient wraps the solana-go RPC client.
func DialClient(_ context.Context, endpoint string, commitment rpc.CommitmentType) (Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("solana endpoint required")
	}
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &rpcClient{rpc: rpc.New(trimmed), commitment: commitment}, nil
}

type rpcClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

func (c *rpcClient) AccountData(ctx context.Context, account sol.PublicKey) ([]byte, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Encoding:   sol.EncodingBase64,
		Commitment: c.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, nil
	}
	return res.Value.Data.GetBinary(), nil
}

func (c *rpcClient) LatestBlockhash(ctx context.Context) (sol.Hash, error) {
	res, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return sol.Hash{}, err
	}
	if res == nil || res.Value == nil {
		return sol.Hash{}, fmt.Errorf("empty blockhash response")
	}
	return res.Value.Blockhash, nil
}

func (c *rpcClient) FeeForMessage(ctx context.Context, message []byte) (uint64, error) {
	res, err := c.rpc.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(message), c.commitment)
	if err != nil {
		return 0, err
	}
	if res == nil || res.Value == nil {
		return 0, fmt.Errorf("fee unavailable for message")
	}
	return *res.Value, nil
}

func (c *rpcClient) Send(ctx context.Context, tx *sol.Transaction) (sol.Signature, error) {
	return c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
}

func (c *rpcClient) SignatureStatuses(ctx context.Context, sigs ...sol.Signature) ([]*rpc.SignatureStatusesResult, error) {
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sigs...)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return make([]*rpc.SignatureStatusesResult, len(sigs)), nil
	}
	return res.Value, nil
}

func (c *rpcClient) Balance(ctx context.Context, account sol.PublicKey) (uint64, error) {
	res, err := c.rpc.GetBalance(ctx, account, c.commitment)
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

func (c *rpcClient) Close() {
	_ = c.rpc.Close()
}
