package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]interface{}
}

func fakeFundd(t *testing.T, status int, response string) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		call := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		if len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, &call.body))
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), calls...)
	}
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	t.Setenv(defaultTokenEnv, "op-token")
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--addr", addr}, args...))
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestDisburseCommand(t *testing.T) {
	srv, calls := fakeFundd(t, http.StatusAccepted, `{"id":"0xtx1","total":"300"}`)
	out, err := run(t, srv.URL, "disburse", "--chain", "gnosis",
		"--to", "0x00000000000000000000000000000000000000a1=100",
		"--to", "0x00000000000000000000000000000000000000a2=200")
	require.NoError(t, err)
	require.Contains(t, out, `"id": "0xtx1"`)

	got := calls()
	require.Len(t, got, 1)
	require.Equal(t, http.MethodPost, got[0].method)
	require.Equal(t, "/v1/disbursements", got[0].path)
	require.Equal(t, "Bearer op-token", got[0].auth)
	require.Equal(t, "gnosis", got[0].body["chain"])
	recipients := got[0].body["recipients"].([]interface{})
	require.Len(t, recipients, 2)
	require.Equal(t, "200", recipients[1].(map[string]interface{})["amount"])
}

func TestDisburseCommandReportsAPIError(t *testing.T) {
	srv, _ := fakeFundd(t, http.StatusBadGateway, `{"error":"partial","reason":"transfer_failed","partial":{"signatures":["s1"]}}`)
	out, err := run(t, srv.URL, "disburse", "--chain", "solana", "--to", "addr=5")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "transfer_failed", apiErr.Reason)
	require.Contains(t, out, `"s1"`)
}

func TestParsePayees(t *testing.T) {
	got, err := parsePayees([]string{"lnbc2500u1p=x=250000"})
	require.NoError(t, err)
	require.Equal(t, []payee{{Address: "lnbc2500u1p=x", Amount: "250000"}}, got)

	for _, bad := range []string{"noamount", "=5", "addr="} {
		_, err := parsePayees([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestReconCommands(t *testing.T) {
	srv, calls := fakeFundd(t, http.StatusOK, `[]`)
	_, err := run(t, srv.URL, "recon", "list", "--chain", "lightning")
	require.NoError(t, err)
	_, err = run(t, srv.URL, "recon", "run", "--dry-run")
	require.NoError(t, err)
	_, err = run(t, srv.URL, "recon", "ack", "0xtx1", "--note", "refunded")
	require.NoError(t, err)
	_, err = run(t, srv.URL, "pause")
	require.NoError(t, err)

	got := calls()
	require.Len(t, got, 4)
	require.Equal(t, "/v1/reconciliation", got[0].path)
	require.Equal(t, "chain=lightning", got[0].query)
	require.Equal(t, true, got[1].body["dry_run"])
	require.Equal(t, "/v1/reconciliation/0xtx1/acknowledge", got[2].path)
	require.Equal(t, "refunded", got[2].body["note"])
	require.Equal(t, "/pause", got[3].path)
}

func TestAckRequiresNote(t *testing.T) {
	srv, calls := fakeFundd(t, http.StatusOK, `{}`)
	_, err := run(t, srv.URL, "recon", "ack", "0xtx1")
	require.Error(t, err)
	require.Empty(t, calls())
}
