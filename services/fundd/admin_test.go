package fundd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fundmgr/chain"
	"fundmgr/custody"
	"fundmgr/disburse"
	"fundmgr/quota"
	"fundmgr/recon"
)

type stubOp struct{ recipients []disburse.Recipient }

func (o stubOp) Recipients() []disburse.Recipient { return o.recipients }

type stubBackend struct {
	mu        sync.Mutex
	seq       int
	submitErr error
	status    disburse.Status
}

func (b *stubBackend) Kind() chain.Kind { return chain.KindEVM }
func (b *stubBackend) LockKey(cfg chain.Config) string { return "evm:" + cfg.Name }
func (b *stubBackend) QuotaKey(cfg chain.Config) string { return cfg.Name }
func (b *stubBackend) Validate(chain.Config, disburse.Request) error { return nil }

func (b *stubBackend) Build(_ context.Context, _ chain.Config, req disburse.Request) (disburse.Operation, error) {
	return stubOp{recipients: req.Recipients}, nil
}

func (b *stubBackend) FeeTooHigh(context.Context, chain.Config, disburse.Operation) (bool, error) {
	return false, nil
}

func (b *stubBackend) Submit(context.Context, chain.Config, disburse.Operation) (disburse.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("0xtx%d", b.seq)
	if b.submitErr != nil {
		return disburse.Submission{ID: id}, b.submitErr
	}
	return disburse.Submission{ID: id}, nil
}

func (b *stubBackend) IsConfirmed(context.Context, chain.Config, disburse.PendingTransaction) (disburse.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, nil
}

func (b *stubBackend) Balance(context.Context, chain.Config) (*big.Int, error) {
	return big.NewInt(123456), nil
}

type adminFixture struct {
	server  *httptest.Server
	backend *stubBackend
	ledger  *disburse.MemoryLedger
	coord   *disburse.Coordinator
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	registry, err := chain.NewRegistry(chain.Config{
		Name:     "gnosis",
		Kind:     chain.KindEVM,
		Endpoint: "http://node",
		Custody:  custody.Reference{Source: custody.SourceEnv, Target: "UNUSED"},
		Contract: "0x00000000000000000000000000000000000000f1",
		MaxFee:   big.NewInt(1000),
	})
	require.NoError(t, err)

	quotas := quota.NewMemory()
	require.NoError(t, quotas.Ensure(context.Background(), "gnosis", time.Hour, big.NewInt(1000)))
	backend := &stubBackend{status: disburse.StatusConfirmed}
	book := disburse.NewMemoryLedger()
	coord := disburse.NewCoordinator(
		disburse.WithBackend(backend),
		disburse.WithLedger(book),
		disburse.WithQuotas(quotas),
		disburse.WithClock(func() time.Time { return now }),
	)
	reconciler, err := recon.NewReconciler(recon.Config{
		Ledger:    book,
		Confirmer: coord,
		Chains:    registry,
		OutputDir: t.TempDir(),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	auth, err := NewAuthenticator(AuthConfig{BearerToken: "token"})
	require.NoError(t, err)

	admin := NewAdminServer(AdminServerConfig{
		Coordinator: coord,
		Chains:      registry,
		Reconciler:  reconciler,
		Auth:        auth,
		Now:         func() time.Time { return now },
	})
	server := httptest.NewServer(admin)
	t.Cleanup(server.Close)
	return &adminFixture{server: server, backend: backend, ledger: book, coord: coord}
}

func (f *adminFixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token")
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestAdminRequiresAuthentication(t *testing.T) {
	f := newAdminFixture(t)
	resp, err := f.server.Client().Get(f.server.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = f.server.Client().Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAdminDisburseAndConfirm(t *testing.T) {
	f := newAdminFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/disbursements", disburseRequest{
		Chain: "gnosis",
		Recipients: []recipientBody{
			{Address: "0x00000000000000000000000000000000000000a1", Amount: "100"},
			{Address: "0x00000000000000000000000000000000000000a2", Amount: "200"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var pending pendingBody
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Equal(t, "0xtx1", pending.ID)
	require.Equal(t, "300", pending.Total)
	require.Len(t, pending.Recipients, 2)

	resp, body = f.do(t, http.MethodGet, "/v1/disbursements/0xtx1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry entryBody
	require.NoError(t, json.Unmarshal(body, &entry))
	require.Equal(t, disburse.StateSubmitted, entry.State)

	resp, body = f.do(t, http.MethodPost, "/v1/disbursements/confirm", confirmRequest{ID: "0xtx1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var confirm confirmResponse
	require.NoError(t, json.Unmarshal(body, &confirm))
	require.Equal(t, disburse.StatusConfirmed, confirm.Status)

	stored, err := f.ledger.Get(context.Background(), "0xtx1")
	require.NoError(t, err)
	require.Equal(t, disburse.StateConfirmed, stored.State)
}

func TestAdminDisburseErrors(t *testing.T) {
	f := newAdminFixture(t)
	cases := []struct {
		name   string
		body   interface{}
		code   int
		reason string
	}{
		{"unknown chain", disburseRequest{Chain: "mars", Recipients: []recipientBody{{Address: "a", Amount: "1"}}}, http.StatusNotFound, "unknown_chain"},
		{"bad amount", disburseRequest{Chain: "gnosis", Recipients: []recipientBody{{Address: "a", Amount: "1.5"}}}, http.StatusBadRequest, "invalid_request"},
		{"empty", disburseRequest{Chain: "gnosis"}, http.StatusBadRequest, "invalid_request"},
		{"over quota", disburseRequest{Chain: "gnosis", Recipients: []recipientBody{{Address: "a", Amount: "1001"}}}, http.StatusUnprocessableEntity, "quota_exceeded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/disbursements", tc.body)
			require.Equal(t, tc.code, resp.StatusCode, string(body))
			var decoded errorBody
			require.NoError(t, json.Unmarshal(body, &decoded))
			require.Equal(t, tc.reason, decoded.Reason)
		})
	}
}

func TestAdminPauseResume(t *testing.T) {
	f := newAdminFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/pause", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/v1/disbursements", disburseRequest{
		Chain: "gnosis", Recipients: []recipientBody{{Address: "a", Amount: "1"}},
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	require.True(t, status.Paused)
	require.Len(t, status.Chains, 1)
	require.Equal(t, "123456", status.Chains[0].Balance)
	require.Equal(t, "1000", status.Chains[0].QuotaRemaining)
	require.Equal(t, "1000", status.Chains[0].QuotaCap)

	resp, _ = f.do(t, http.MethodPost, "/resume", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.False(t, f.coord.Snapshot().Paused)
}

func TestAdminEscalationAndReconciliation(t *testing.T) {
	f := newAdminFixture(t)
	f.backend.submitErr = fmt.Errorf("%w: node dropped connection", disburse.ErrSubmissionFailed)

	resp, body := f.do(t, http.MethodPost, "/v1/disbursements", disburseRequest{
		Chain: "gnosis", Recipients: []recipientBody{{Address: "a", Amount: "10"}},
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/v1/reconciliation?chain=gnosis", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var open []entryBody
	require.NoError(t, json.Unmarshal(body, &open))
	require.Len(t, open, 1)
	require.True(t, open[0].Escalated)

	resp, body = f.do(t, http.MethodPost, "/v1/reconciliation/run", reconRunRequest{DryRun: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var run reconRunResponse
	require.NoError(t, json.Unmarshal(body, &run))
	require.Equal(t, 1, run.Rows)
	require.Empty(t, run.Files)
	require.NotEmpty(t, run.Anomalies)
	require.Equal(t, recon.AnomalyEscalated, run.Anomalies[0].Type)

	resp, _ = f.do(t, http.MethodPost, "/v1/reconciliation/0xtx1/acknowledge", acknowledgeRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/v1/reconciliation/0xtx1/acknowledge", acknowledgeRequest{Note: "checked explorer"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var acked entryBody
	require.NoError(t, json.Unmarshal(body, &acked))
	require.False(t, acked.Escalated)

	resp, body = f.do(t, http.MethodGet, "/v1/reconciliation", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &open))
	require.Empty(t, open)
}

func TestClassifyPartialPayout(t *testing.T) {
	err := &disburse.PartialPayoutError{
		Paid:       []disburse.Recipient{{Address: "a", Amount: big.NewInt(1)}},
		Unpaid:     []disburse.Recipient{{Address: "b", Amount: big.NewInt(2)}},
		Signatures: []string{"sig1"},
	}
	code, reason := classify(fmt.Errorf("wrapped: %w", err))
	require.Equal(t, http.StatusBadGateway, code)
	require.Equal(t, "transfer_failed", reason)

	rec := httptest.NewRecorder()
	(&AdminServer{}).writeDisburseError(rec, err)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Partial)
	require.Equal(t, "1", body.Partial.Paid[0].Amount)
	require.Equal(t, []string{"sig1"}, body.Partial.Signatures)
}

func TestClassifySentButUnrecorded(t *testing.T) {
	err := fmt.Errorf("%w: 0xtx1 sent but not recorded: %w", disburse.ErrSubmissionFailed, disburse.ErrDuplicateTransaction)
	code, reason := classify(err)
	require.Equal(t, http.StatusBadGateway, code)
	require.Equal(t, "submission_failed", reason)

	code, reason = classify(fmt.Errorf("%w: sign chunk 2", disburse.ErrConfiguration))
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "configuration", reason)
}
