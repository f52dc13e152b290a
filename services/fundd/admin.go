package fundd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fundmgr/chain"
	"fundmgr/disburse"
	"fundmgr/observability/logging"
	"fundmgr/recon"
)

// AdminServerConfig captures the dependencies of the admin API.
type AdminServerConfig struct {
	Coordinator *disburse.Coordinator
	Chains      *chain.Registry
	Reconciler  *recon.Reconciler
	Auth        *Authenticator
	RateLimit   *RateLimiter
	Logger      *slog.Logger
	Now         func() time.Time
}

// AdminServer exposes HTTP endpoints for disbursement and operator controls.
type AdminServer struct {
	coordinator *disburse.Coordinator
	chains      *chain.Registry
	reconciler  *recon.Reconciler
	logger      *slog.Logger
	now         func() time.Time
	router      http.Handler
}

// NewAdminServer constructs the router. Health and metrics are served
// without authentication; everything else requires an operator identity.
func NewAdminServer(cfg AdminServerConfig) *AdminServer {
	s := &AdminServer{
		coordinator: cfg.Coordinator,
		chains:      cfg.Chains,
		reconciler:  cfg.Reconciler,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		if cfg.RateLimit != nil {
			protected.Use(cfg.RateLimit.Middleware)
		}
		protected.Use(cfg.Auth.Middleware)
		protected.Get("/status", s.handleStatus)
		protected.Post("/pause", s.handlePause)
		protected.Post("/resume", s.handleResume)
		protected.Route("/v1", func(v1 chi.Router) {
			v1.Post("/disbursements", s.handleDisburse)
			v1.Post("/disbursements/confirm", s.handleConfirm)
			v1.Get("/disbursements/{id}", s.handleGet)
			v1.Get("/reconciliation", s.handleUnresolved)
			v1.Post("/reconciliation/run", s.handleReconRun)
			v1.Post("/reconciliation/{id}/acknowledge", s.handleAcknowledge)
		})
	})
	s.router = otelhttp.NewHandler(r, "fundd.admin")
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type recipientBody struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type disburseRequest struct {
	Chain      string          `json:"chain"`
	Recipients []recipientBody `json:"recipients"`
}

type pendingBody struct {
	ID          string          `json:"id"`
	Related     []string        `json:"related,omitempty"`
	Chain       string          `json:"chain"`
	Kind        chain.Kind      `json:"kind"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Recipients  []recipientBody `json:"recipients"`
	Total       string          `json:"total"`
}

type errorBody struct {
	Error   string       `json:"error"`
	Reason  string       `json:"reason"`
	Partial *partialBody `json:"partial,omitempty"`
}

type partialBody struct {
	Paid       []recipientBody `json:"paid"`
	Uncertain  []recipientBody `json:"uncertain"`
	Unpaid     []recipientBody `json:"unpaid"`
	Signatures []string        `json:"signatures"`
}

func (s *AdminServer) handleDisburse(w http.ResponseWriter, r *http.Request) {
	var body disburseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", errors.New("invalid request body"))
		return
	}
	cfg, err := s.chains.Get(strings.TrimSpace(body.Chain))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_chain", err)
		return
	}
	req, err := toRequest(body.Recipients)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	attrs := []any{
		slog.String("chain", cfg.Name),
		slog.String("operator", OperatorFromContext(r.Context())),
		slog.Int("recipients", len(req.Recipients)),
	}
	if len(body.Recipients) > 0 {
		attrs = append(attrs, logging.Recipient("first_recipient", body.Recipients[0].Address))
	}
	s.logger.Info("disbursement requested", attrs...)
	pending, err := s.coordinator.Disburse(r.Context(), cfg, req)
	if err != nil {
		s.writeDisburseError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, fromPending(*pending))
}

func (s *AdminServer) writeDisburseError(w http.ResponseWriter, err error) {
	status, reason := classify(err)
	body := errorBody{Error: err.Error(), Reason: reason}
	var partial *disburse.PartialPayoutError
	if errors.As(err, &partial) {
		body.Partial = &partialBody{
			Paid:       fromRecipients(partial.Paid),
			Uncertain:  fromRecipients(partial.Uncertain),
			Unpaid:     fromRecipients(partial.Unpaid),
			Signatures: partial.Signatures,
		}
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, disburse.ErrTransferFailed):
		return http.StatusBadGateway, "transfer_failed"
	case errors.Is(err, disburse.ErrSubmissionFailed):
		return http.StatusBadGateway, "submission_failed"
	case errors.Is(err, disburse.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, disburse.ErrUnsupportedBatch):
		return http.StatusBadRequest, "unsupported_batch"
	case errors.Is(err, disburse.ErrPaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, disburse.ErrLockUnavailable):
		return http.StatusConflict, "lock_unavailable"
	case errors.Is(err, disburse.ErrDuplicateTransaction):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, disburse.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity, "quota_exceeded"
	case errors.Is(err, disburse.ErrFeeTooHigh):
		return http.StatusUnprocessableEntity, "fee_too_high"
	case errors.Is(err, disburse.ErrProgramUninitialized):
		return http.StatusUnprocessableEntity, "program_uninitialized"
	case errors.Is(err, disburse.ErrPaymentRejected):
		return http.StatusUnprocessableEntity, "payment_rejected"
	case errors.Is(err, disburse.ErrEstimationFailed):
		return http.StatusBadGateway, "estimation_failed"
	case errors.Is(err, disburse.ErrEntryNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "configuration"
	}
}

type confirmRequest struct {
	Chain   string   `json:"chain"`
	ID      string   `json:"id"`
	Related []string `json:"related,omitempty"`
}

type confirmResponse struct {
	ID     string          `json:"id"`
	Status disburse.Status `json:"status"`
}

// handleConfirm polls one handle. When the ledger knows the id the stored
// handle wins over the caller's copy.
func (s *AdminServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.ID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", errors.New("id is required"))
		return
	}
	pending := disburse.PendingTransaction{ID: strings.TrimSpace(body.ID), Related: body.Related, Chain: strings.TrimSpace(body.Chain)}
	if entry, err := s.coordinator.Ledger().Get(r.Context(), pending.ID); err == nil {
		pending = entry.Pending()
	}
	cfg, err := s.chains.Get(pending.Chain)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_chain", err)
		return
	}
	status, err := s.coordinator.IsConfirmed(r.Context(), cfg, pending)
	if err != nil {
		code, reason := classify(err)
		writeError(w, code, reason, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{ID: pending.ID, Status: status})
}

func (s *AdminServer) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.coordinator.Ledger().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		code, reason := classify(err)
		writeError(w, code, reason, err)
		return
	}
	writeJSON(w, http.StatusOK, fromEntry(entry))
}

type entryBody struct {
	ID          string          `json:"id"`
	Related     []string        `json:"related,omitempty"`
	Chain       string          `json:"chain"`
	Kind        chain.Kind      `json:"kind"`
	State       disburse.State  `json:"state"`
	Recipients  []recipientBody `json:"recipients"`
	Total       string          `json:"total"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Escalated   bool            `json:"escalated"`
	Detail      string          `json:"detail,omitempty"`
}

func (s *AdminServer) handleUnresolved(w http.ResponseWriter, r *http.Request) {
	entries, err := s.coordinator.Ledger().Unresolved(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger", err)
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("chain"))
	out := make([]entryBody, 0, len(entries))
	for _, entry := range entries {
		if filter != "" && entry.Chain != filter {
			continue
		}
		out = append(out, fromEntry(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

type reconRunRequest struct {
	DryRun bool   `json:"dry_run"`
	Chain  string `json:"chain"`
}

type reconRunResponse struct {
	RanAt      time.Time          `json:"ran_at"`
	Rows       int                `json:"rows"`
	Resolved   int                `json:"resolved"`
	Unresolved int                `json:"unresolved"`
	Anomalies  []recon.Anomaly    `json:"anomalies"`
	Files      []recon.ReportFile `json:"files"`
}

func (s *AdminServer) handleReconRun(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "recon_disabled", errors.New("reconciliation is disabled"))
		return
	}
	var body reconRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", errors.New("invalid request body"))
			return
		}
	}
	result, err := s.reconciler.Run(r.Context(), recon.RunOptions{DryRun: body.DryRun, Chain: strings.TrimSpace(body.Chain)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recon", err)
		return
	}
	writeJSON(w, http.StatusOK, reconRunResponse{
		RanAt:      result.RanAt,
		Rows:       len(result.Rows),
		Resolved:   result.Resolved,
		Unresolved: result.Unresolved,
		Anomalies:  result.Anomalies,
		Files:      result.Files,
	})
}

type acknowledgeRequest struct {
	Note string `json:"note"`
}

func (s *AdminServer) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var body acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Note) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", errors.New("note is required"))
		return
	}
	id := chi.URLParam(r, "id")
	operator := OperatorFromContext(r.Context())
	note := strings.TrimSpace(body.Note)
	if operator != "" {
		note = operator + ": " + note
	}
	entry, err := s.coordinator.Ledger().Acknowledge(r.Context(), id, note, s.now())
	if err != nil {
		code, reason := classify(err)
		writeError(w, code, reason, err)
		return
	}
	s.logger.Info("escalation acknowledged",
		slog.String("tx_id", id),
		slog.String("chain", entry.Chain),
		slog.String("operator", operator))
	writeJSON(w, http.StatusOK, fromEntry(entry))
}

type chainStatus struct {
	Name           string     `json:"name"`
	Kind           chain.Kind `json:"kind"`
	Balance        string     `json:"balance,omitempty"`
	BalanceError   string     `json:"balance_error,omitempty"`
	QuotaRemaining string     `json:"quota_remaining,omitempty"`
	QuotaCap       string     `json:"quota_cap,omitempty"`
}

type statusResponse struct {
	disburse.CoordinatorStatus
	Chains []chainStatus `json:"chains"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	resp := statusResponse{CoordinatorStatus: s.coordinator.Snapshot()}
	for _, name := range s.chains.Names() {
		cfg, err := s.chains.Get(name)
		if err != nil {
			continue
		}
		st := chainStatus{Name: cfg.Name, Kind: cfg.Kind}
		if balance, err := s.coordinator.Balance(ctx, cfg); err != nil {
			st.BalanceError = err.Error()
		} else {
			st.Balance = balance.String()
		}
		remaining, limit, ok, err := s.coordinator.QuotaRemaining(ctx, cfg)
		if err != nil {
			s.logger.Warn("quota lookup failed", slog.String("chain", cfg.Name), slog.Any("error", err))
		}
		if ok && err == nil {
			st.QuotaRemaining = remaining.String()
			st.QuotaCap = limit.String()
		}
		resp.Chains = append(resp.Chains, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.coordinator.Pause()
	s.logger.Warn("disbursements paused", slog.String("operator", OperatorFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.coordinator.Resume()
	s.logger.Warn("disbursements resumed", slog.String("operator", OperatorFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func toRequest(in []recipientBody) (disburse.Request, error) {
	recipients := make([]disburse.Recipient, 0, len(in))
	for _, rc := range in {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(rc.Amount), 10)
		if !ok {
			return disburse.Request{}, errors.New("amount must be a base-10 integer")
		}
		recipients = append(recipients, disburse.Recipient{Address: strings.TrimSpace(rc.Address), Amount: amount})
	}
	req := disburse.NewRequest(recipients...)
	if err := req.Validate(); err != nil {
		return disburse.Request{}, err
	}
	return req, nil
}

func fromRecipients(in []disburse.Recipient) []recipientBody {
	out := make([]recipientBody, 0, len(in))
	for _, rc := range in {
		out = append(out, recipientBody{Address: rc.Address, Amount: amountString(rc.Amount)})
	}
	return out
}

func fromPending(p disburse.PendingTransaction) pendingBody {
	return pendingBody{
		ID:          p.ID,
		Related:     p.Related,
		Chain:       p.Chain,
		Kind:        p.Kind,
		SubmittedAt: p.SubmittedAt,
		Recipients:  fromRecipients(p.Recipients),
		Total:       amountString(p.Total),
	}
}

func fromEntry(e disburse.Entry) entryBody {
	return entryBody{
		ID:          e.ID,
		Related:     e.Related,
		Chain:       e.Chain,
		Kind:        e.Kind,
		State:       e.State,
		Recipients:  fromRecipients(e.Recipients),
		Total:       amountString(e.Total),
		SubmittedAt: e.SubmittedAt,
		UpdatedAt:   e.UpdatedAt,
		Escalated:   e.Escalated,
		Detail:      e.Detail,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason string, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Reason: reason})
}
