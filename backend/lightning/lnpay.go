package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrRejected indicates LNPay refused the request outright.
var ErrRejected = errors.New("lnpay: request rejected")

// LnTx is the LNPay record of a Lightning payment.
type LnTx struct {
	ID          string      `json:"id"`
	NumSatoshis json.Number `json:"num_satoshis"`
	Settled     int         `json:"settled"`
	PaymentHash string      `json:"payment_hash"`
}

// DecodedInvoice is the node's view of a payment request.
type DecodedInvoice struct {
	Destination string      `json:"destination"`
	PaymentHash string      `json:"payment_hash"`
	NumSatoshis json.Number `json:"num_satoshis"`
	Description string      `json:"description"`
	Expiry      json.Number `json:"expiry"`
}

// LNPay is a minimal client for the LNPay wallet API.
type LNPay struct {
	baseURL    string
	httpClient *http.Client
}

// NewLNPay builds a client for endpoint. A nil httpClient selects an
// instrumented client with a ten second timeout.
func NewLNPay(endpoint string, httpClient *http.Client) (*LNPay, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("lnpay: endpoint required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("lnpay: endpoint: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &LNPay{baseURL: trimmed, httpClient: httpClient}, nil
}

// PayInvoice pays invoice from the wallet identified by its access key.
func (c *LNPay) PayInvoice(ctx context.Context, apiKey, wallet, invoice string) (LnTx, error) {
	body := map[string]string{"payment_request": invoice}
	var out struct {
		LnTx *LnTx `json:"lnTx"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/wallet/"+url.PathEscape(wallet)+"/withdraw", apiKey, body, &out); err != nil {
		return LnTx{}, err
	}
	if out.LnTx == nil || strings.TrimSpace(out.LnTx.ID) == "" {
		return LnTx{}, fmt.Errorf("%w: response carries no lnTx", ErrRejected)
	}
	return *out.LnTx, nil
}

// Transaction fetches a payment by id.
func (c *LNPay) Transaction(ctx context.Context, apiKey, id string) (LnTx, error) {
	var out LnTx
	if err := c.do(ctx, http.MethodGet, "/v1/lntx/"+url.PathEscape(id), apiKey, nil, &out); err != nil {
		return LnTx{}, err
	}
	return out, nil
}

// WalletBalance returns the wallet balance in satoshi.
func (c *LNPay) WalletBalance(ctx context.Context, apiKey, wallet string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/wallet/"+url.PathEscape(wallet), apiKey, nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// DecodeInvoice asks the node to decode a payment request.
func (c *LNPay) DecodeInvoice(ctx context.Context, apiKey, invoice string) (DecodedInvoice, error) {
	var out DecodedInvoice
	path := "/v1/node/default/payments/decodeinvoice?payment_request=" + url.QueryEscape(invoice)
	if err := c.do(ctx, http.MethodGet, path, apiKey, nil, &out); err != nil {
		return DecodedInvoice{}, err
	}
	return out, nil
}

// StatusError carries a non-2xx LNPay response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("lnpay: status %d", e.Code)
	}
	return fmt.Sprintf("lnpay: status %d: %s", e.Code, e.Message)
}

// Is treats client errors as rejections. Server errors leave the outcome open.
func (e *StatusError) Is(target error) bool {
	return target == ErrRejected && e.Code >= 400 && e.Code < 500
}

func (c *LNPay) do(ctx context.Context, method, path, apiKey string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var failure struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &failure)
		return &StatusError{Code: resp.StatusCode, Message: failure.Message}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("lnpay: decode response: %w", err)
	}
	return nil
}
