// Package recon re-polls disbursements the ledger still considers open and
// writes per-chain CSV and Parquet reports for operators.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fundmgr/chain"
	"fundmgr/disburse"
	"fundmgr/observability"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyEscalated    = "escalated"
	AnomalyFailed       = "failed"
	AnomalyStale        = "stale"
	AnomalyUnknownChain = "unknown_chain"
	AnomalyPollError    = "poll_error"
)

// Confirmer polls a pending disbursement and records the outcome.
type Confirmer interface {
	IsConfirmed(ctx context.Context, cfg chain.Config, pending disburse.PendingTransaction) (disburse.Status, error)
}

// Chains resolves chain records by name.
type Chains interface {
	Get(name string) (chain.Config, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Ledger    disburse.Ledger
	Confirmer Confirmer
	Chains    Chains
	OutputDir string
	DryRun    bool
	// StaleAfter flags entries still unconfirmed this long after submission.
	StaleAfter time.Duration
	Now        func() time.Time
	Alert      AlertFunc
	Logger     *slog.Logger
	Metrics    *observability.ReconMetrics
}

// RunOptions specifies overrides for a single run.
type RunOptions struct {
	DryRun bool
	// Chain restricts the run to one chain when set.
	Chain string
}

// Anomaly captures an entry requiring operator review.
type Anomaly struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Chain   string `json:"chain"`
	Details string `json:"details"`
}

// ReportRow summarises one open disbursement after the poll.
type ReportRow struct {
	ID          string
	Related     []string
	Chain       string
	Kind        string
	PriorState  string
	State       string
	Polled      string
	Escalated   bool
	Recipients  int
	Total       string
	SubmittedAt time.Time
	UpdatedAt   time.Time
	Age         time.Duration
	Detail      string
	Anomaly     string
}

// ReportFile references the artefacts generated for one chain.
type ReportFile struct {
	Chain       string `json:"chain"`
	CSVPath     string `json:"csv_path"`
	ParquetPath string `json:"parquet_path"`
	Count       int    `json:"count"`
}

// Result summarises a reconciliation run.
type Result struct {
	RanAt      time.Time
	Rows       []*ReportRow
	Files      []ReportFile
	Anomalies  []Anomaly
	Resolved   int
	Unresolved int
}

// Reconciler re-polls open ledger entries.
type Reconciler struct {
	ledger     disburse.Ledger
	confirmer  Confirmer
	chains     Chains
	outputDir  string
	dryRun     bool
	staleAfter time.Duration
	now        func() time.Time
	alert      AlertFunc
	logger     *slog.Logger
	metrics    *observability.ReconMetrics
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	if cfg.Confirmer == nil {
		return nil, errors.New("recon: confirmer is required")
	}
	if cfg.Chains == nil {
		return nil, errors.New("recon: chain registry is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("fundmgr-data", "recon")
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		ledger:     cfg.Ledger,
		confirmer:  cfg.Confirmer,
		chains:     cfg.Chains,
		outputDir:  outputDir,
		dryRun:     cfg.DryRun,
		staleAfter: staleAfter,
		now:        nowFn,
		alert:      alert,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Run polls every unresolved entry once and writes the reports. Escalated
// entries are reported on every run until acknowledged.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (result *Result, err error) {
	defer func() { r.metrics.RecordRun(err) }()
	ranAt := r.now()
	dryRun := r.dryRun || opts.DryRun

	entries, err := r.ledger.Unresolved(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load unresolved: %w", err)
	}
	result = &Result{RanAt: ranAt}
	for _, entry := range entries {
		if opts.Chain != "" && !strings.EqualFold(entry.Chain, opts.Chain) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, anomalies := r.reconcile(ctx, entry, ranAt)
		result.Rows = append(result.Rows, row)
		for _, anomaly := range anomalies {
			result.Anomalies = append(result.Anomalies, r.raise(ctx, anomaly))
		}
		if disburse.State(row.State).Final() && !entry.State.Final() {
			result.Resolved++
			r.metrics.RecordResolved(row.State)
		}
		if disburse.State(row.State).Final() && !row.Escalated {
			continue
		}
		result.Unresolved++
	}
	r.metrics.SetUnresolved(result.Unresolved)

	if dryRun || len(result.Rows) == 0 {
		return result, nil
	}
	runDir := filepath.Join(r.outputDir, ranAt.UTC().Format("20060102T150405Z"))
	grouped := groupRows(result.Rows)
	chains := make([]string, 0, len(grouped))
	for name := range grouped {
		chains = append(chains, name)
	}
	sort.Strings(chains)
	for _, name := range chains {
		file, err := r.writeReportFiles(runDir, name, grouped[name])
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, file)
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, entry disburse.Entry, now time.Time) (*ReportRow, []Anomaly) {
	row := &ReportRow{
		ID:          entry.ID,
		Related:     append([]string(nil), entry.Related...),
		Chain:       entry.Chain,
		Kind:        string(entry.Kind),
		PriorState:  string(entry.State),
		State:       string(entry.State),
		Escalated:   entry.Escalated,
		Recipients:  len(entry.Recipients),
		SubmittedAt: entry.SubmittedAt,
		UpdatedAt:   entry.UpdatedAt,
		Detail:      entry.Detail,
	}
	if entry.Total != nil {
		row.Total = entry.Total.String()
	}
	if !entry.SubmittedAt.IsZero() && now.After(entry.SubmittedAt) {
		row.Age = now.Sub(entry.SubmittedAt)
	}

	var anomalies []Anomaly
	flag := func(kind, details string) {
		if row.Anomaly == "" {
			row.Anomaly = kind
		} else {
			row.Anomaly += "," + kind
		}
		anomalies = append(anomalies, Anomaly{Type: kind, ID: entry.ID, Chain: entry.Chain, Details: details})
	}
	if entry.Escalated {
		flag(AnomalyEscalated, entry.Detail)
	}
	if entry.State.Final() {
		return row, anomalies
	}

	cfg, err := r.chains.Get(entry.Chain)
	if err != nil {
		flag(AnomalyUnknownChain, err.Error())
		return row, anomalies
	}
	status, err := r.confirmer.IsConfirmed(ctx, cfg, entry.Pending())
	if err != nil {
		r.logger.Warn("recon poll failed",
			slog.String("chain", entry.Chain),
			slog.String("tx_id", entry.ID),
			slog.Any("error", err))
		flag(AnomalyPollError, err.Error())
		return row, anomalies
	}
	row.Polled = string(status)
	row.State = string(disburse.StateFor(status))
	switch status {
	case disburse.StatusFailed:
		flag(AnomalyFailed, "backend reported failure")
	case disburse.StatusTimeout:
		if row.Age > r.staleAfter {
			flag(AnomalyStale, fmt.Sprintf("unconfirmed for %s", row.Age.Truncate(time.Second)))
		}
	}
	return row, anomalies
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.logger.Warn("recon anomaly",
		slog.String("type", anomaly.Type),
		slog.String("chain", anomaly.Chain),
		slog.String("tx_id", anomaly.ID),
		slog.String("details", anomaly.Details))
	if err := r.alert(ctx, anomaly); err != nil {
		r.logger.Error("recon alert failed", slog.String("tx_id", anomaly.ID), slog.Any("error", err))
	}
	return anomaly
}

func groupRows(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		key := slugify(row.Chain)
		if key == "" {
			key = "unknown"
		}
		grouped[key] = append(grouped[key], row)
	}
	return grouped
}

func slugify(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	cleaned := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			cleaned = append(cleaned, r)
		case r == ' ' || r == '/' || r == ':' || r == '.':
			cleaned = append(cleaned, '-')
		}
	}
	return strings.Trim(string(cleaned), "-")
}
