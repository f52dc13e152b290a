package recon

import (
	"context"
	"encoding/csv"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"fundmgr/chain"
	"fundmgr/custody"
	"fundmgr/disburse"
)

// stubConfirmer answers polls from a table and records the transition the
// way the coordinator does.
type stubConfirmer struct {
	mu       sync.Mutex
	ledger   disburse.Ledger
	statuses map[string]disburse.Status
	polled   []string
	now      time.Time
}

func (s *stubConfirmer) IsConfirmed(ctx context.Context, _ chain.Config, pending disburse.PendingTransaction) (disburse.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = append(s.polled, pending.ID)
	status, ok := s.statuses[pending.ID]
	if !ok {
		status = disburse.StatusTimeout
	}
	if _, err := s.ledger.Transition(ctx, pending.ID, disburse.StateFor(status), "", s.now); err != nil {
		return "", err
	}
	return status, nil
}

func testRegistry(t *testing.T) *chain.Registry {
	t.Helper()
	reg, err := chain.NewRegistry(chain.Config{
		Name:     "gnosis",
		Kind:     chain.KindEVM,
		Endpoint: "http://node",
		Custody:  custody.Reference{Source: custody.SourceEnv, Target: "UNUSED"},
		Contract: "0x00000000000000000000000000000000000000f1",
		MaxFee:   big.NewInt(1),
	})
	require.NoError(t, err)
	return reg
}

func record(t *testing.T, ledger disburse.Ledger, id, chainName string, state disburse.State, escalated bool, at time.Time) {
	t.Helper()
	require.NoError(t, ledger.Record(context.Background(), disburse.Entry{
		ID:          id,
		Chain:       chainName,
		Kind:        chain.KindEVM,
		State:       state,
		Recipients:  []disburse.Recipient{{Address: "0xA", Amount: big.NewInt(5)}},
		Total:       big.NewInt(5),
		SubmittedAt: at,
		UpdatedAt:   at,
		Escalated:   escalated,
	}))
}

func TestReconcilerRun(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := disburse.NewMemoryLedger()
	record(t, ledger, "0xconfirmed", "gnosis", disburse.StateSubmitted, false, now.Add(-5*time.Minute))
	record(t, ledger, "0xstale", "gnosis", disburse.StateSubmitted, false, now.Add(-3*time.Hour))
	record(t, ledger, "0xrecent", "gnosis", disburse.StateTimedOut, false, now.Add(-10*time.Minute))
	record(t, ledger, "0xfailed", "gnosis", disburse.StateSubmitted, false, now.Add(-20*time.Minute))
	record(t, ledger, "0xpartial", "gnosis", disburse.StateFailed, true, now.Add(-time.Hour))
	record(t, ledger, "0xorphan", "retired", disburse.StateSubmitted, false, now.Add(-time.Hour))

	confirmer := &stubConfirmer{
		ledger: ledger,
		now:    now,
		statuses: map[string]disburse.Status{
			"0xconfirmed": disburse.StatusConfirmed,
			"0xfailed":    disburse.StatusFailed,
		},
	}
	var alerts []Anomaly
	dir := t.TempDir()
	r, err := NewReconciler(Config{
		Ledger:     ledger,
		Confirmer:  confirmer,
		Chains:     testRegistry(t),
		OutputDir:  dir,
		StaleAfter: time.Hour,
		Now:        func() time.Time { return now },
		Alert: func(_ context.Context, a Anomaly) error {
			alerts = append(alerts, a)
			return nil
		},
	})
	require.NoError(t, err)

	result, err := r.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 6)
	require.Equal(t, 2, result.Resolved)
	// stale, recent, partial (escalated) and orphan remain open
	require.Equal(t, 4, result.Unresolved)
	require.ElementsMatch(t, []string{"0xconfirmed", "0xstale", "0xrecent", "0xfailed"}, confirmer.polled,
		"escalated final entries and unknown chains are not polled")

	types := map[string]string{}
	for _, a := range result.Anomalies {
		types[a.ID] = a.Type
	}
	require.Equal(t, map[string]string{
		"0xstale":   AnomalyStale,
		"0xfailed":  AnomalyFailed,
		"0xpartial": AnomalyEscalated,
		"0xorphan":  AnomalyUnknownChain,
	}, types)
	require.Len(t, alerts, 4)

	require.Len(t, result.Files, 2)
	gnosis := result.Files[0]
	require.Equal(t, "gnosis", gnosis.Chain)
	require.Equal(t, 5, gnosis.Count)

	f, err := os.Open(gnosis.CSVPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	require.Equal(t, csvHeader, records[0])

	fr, err := local.NewLocalFileReader(gnosis.ParquetPath)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	require.EqualValues(t, 5, pr.GetNumRows())
	rows := make([]parquetRow, 5)
	require.NoError(t, pr.Read(&rows))
	pr.ReadStop()
	require.Equal(t, "0xstale", rows[0].ID, "oldest first")

	// The second run only sees what is still open.
	result, err = r.Run(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, result.Rows, 4)
	require.Zero(t, result.Resolved)
	require.Empty(t, result.Files)

	_, err = ledger.Acknowledge(ctx, "0xpartial", "refunded manually", now)
	require.NoError(t, err)
	result, err = r.Run(ctx, RunOptions{DryRun: true, Chain: "gnosis"})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
}

func TestReconcilerRequiresDependencies(t *testing.T) {
	_, err := NewReconciler(Config{})
	require.Error(t, err)
	_, err = NewReconciler(Config{Ledger: disburse.NewMemoryLedger()})
	require.Error(t, err)
}

func TestReportDirectoryPerRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	ledger := disburse.NewMemoryLedger()
	record(t, ledger, "0xone", "gnosis", disburse.StateSubmitted, false, now)
	dir := t.TempDir()
	r, err := NewReconciler(Config{
		Ledger:    ledger,
		Confirmer: &stubConfirmer{ledger: ledger, now: now},
		Chains:    testRegistry(t),
		OutputDir: dir,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	result, err := r.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	require.Equal(t, filepath.Join(dir, "20260301T123005Z", "gnosis.csv"), result.Files[0].CSVPath)
}

func TestSchedulerNextRunAligned(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Interval: 15 * time.Minute})
	at := time.Date(2026, 3, 1, 12, 7, 30, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), s.nextRun(at))
	require.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), s.nextRun(time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)))
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ledger := disburse.NewMemoryLedger()
	r, err := NewReconciler(Config{
		Ledger:    ledger,
		Confirmer: &stubConfirmer{ledger: ledger},
		Chains:    testRegistry(t),
		DryRun:    true,
	})
	require.NoError(t, err)
	s := NewScheduler(SchedulerConfig{Reconciler: r, Interval: time.Millisecond})
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
