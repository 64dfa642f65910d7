package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/engine"
	"github.com/tidewallet/ledgerd/internal/core/fault"
	"github.com/tidewallet/ledgerd/internal/core/journal"
	"github.com/tidewallet/ledgerd/internal/core/money"
	"github.com/tidewallet/ledgerd/internal/core/repair"
	"github.com/tidewallet/ledgerd/internal/core/templates"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// errorBody is the wire shape of every failure: error carries the
// human-readable message, code the HTTP status, name the stable fault
// code.
type errorBody struct {
	Error         string `json:"error"`
	Code          int    `json:"code"`
	Name          string `json:"name"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	body := errorBody{Error: code.Message(), Code: code.HTTPStatus(), Name: code.String()}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.CorrelationID = fe.CorrelationID
		if code != fault.CodeInternal {
			body.Error = fe.Message
		}
	}
	if code == fault.CodeInternal {
		s.log.Error("request failed", zap.Error(err))
	}
	respond(w, code.HTTPStatus(), body)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.CodeMissingRequiredField, "malformed request body", err)
	}
	return nil
}

// notFoundAs maps a store ErrNotFound onto a NOT_FOUND fault naming the
// entity; other errors pass through.
func notFoundAs(err error, entity, id string) error {
	if errors.Is(err, ledgerdb.ErrNotFound) {
		return fault.Newf(fault.CodeNotFound, "%s %s does not exist", entity, id)
	}
	return err
}

type postingEntry struct {
	AccountID   string `json:"account_id"`
	EntryType   string `json:"entry_type"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type postingRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	CorrelationID  string         `json:"correlation_id"`
	ActorType      string         `json:"actor_type"`
	ActorID        string         `json:"actor_id"`
	TxnType        string         `json:"txn_type"`
	Currency       string         `json:"currency"`
	Description    string         `json:"description,omitempty"`
	FeeVersionID   string         `json:"fee_version_id,omitempty"`
	FeeAccount     string         `json:"fee_account,omitempty"`
	Entries        []postingEntry `json:"entries"`
}

// command parses the wire request into an engine command. Amounts are
// validated here; everything else is the engine's job.
func (p postingRequest) command() (journal.Command, error) {
	entries := make([]journal.Entry, len(p.Entries))
	for i, e := range p.Entries {
		amount, err := money.Parse(e.Amount)
		if err != nil {
			return journal.Command{}, fault.Newf(fault.CodeMissingRequiredField,
				"entry for %s has malformed amount %q", e.AccountID, e.Amount).
				WithCorrelation(p.CorrelationID)
		}
		entries[i] = journal.Entry{
			AccountID:   e.AccountID,
			EntryType:   journal.EntryType(e.EntryType),
			Amount:      amount,
			Description: e.Description,
		}
	}
	return journal.Command{
		IdempotencyKey: p.IdempotencyKey,
		CorrelationID:  p.CorrelationID,
		ActorType:      p.ActorType,
		ActorID:        p.ActorID,
		TxnType:        journal.TxnType(p.TxnType),
		Currency:       p.Currency,
		Description:    p.Description,
		FeeVersionID:   p.FeeVersionID,
		Entries:        entries,
	}, nil
}

// applyFees prices the command under its pinned matrix version and
// appends the balanced fee pair. The fee legs are part of the command
// before hashing, so replays reprice identically.
func (s *Server) applyFees(req postingRequest, cmd journal.Command) (journal.Command, error) {
	if s.deps.Fees == nil {
		return journal.Command{}, fault.Newf(fault.CodeMissingRequiredField,
			"fee_version_id given but no fee schedule is configured").WithCorrelation(cmd.CorrelationID)
	}
	if req.FeeAccount == "" {
		return journal.Command{}, fault.Newf(fault.CodeMissingRequiredField,
			"fee_version_id requires fee_account").WithCorrelation(cmd.CorrelationID)
	}
	var payer string
	var moved money.Amount
	for _, e := range cmd.Entries {
		if e.EntryType == journal.DR {
			if payer == "" {
				payer = e.AccountID
			}
			moved = moved.Add(e.Amount)
		}
	}
	if payer == "" {
		return journal.Command{}, fault.Newf(fault.CodeMissingRequiredField,
			"fee pricing needs at least one DR entry").WithCorrelation(cmd.CorrelationID)
	}
	charge, err := s.deps.Fees.Charge(req.FeeVersionID, cmd.TxnType, moved)
	if err != nil {
		return journal.Command{}, fault.Newf(fault.CodeMissingRequiredField,
			"unknown fee_version_id %q", req.FeeVersionID).WithCorrelation(cmd.CorrelationID)
	}
	entries, err := templates.WithFee(cmd.Entries, payer, req.FeeAccount, charge)
	if err != nil {
		return journal.Command{}, fault.Wrap(fault.CodeMissingRequiredField, "compose fee legs", err).
			WithCorrelation(cmd.CorrelationID)
	}
	cmd.Entries = entries
	return cmd, nil
}

func (s *Server) handlePostPosting(w http.ResponseWriter, r *http.Request) {
	var req postingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cmd, err := req.command()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.FeeVersionID != "" {
		if cmd, err = s.applyFees(req, cmd); err != nil {
			s.writeError(w, err)
			return
		}
	}
	receipt, err := s.deps.Engine.PostTransaction(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, receipt)
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		s.writeError(w, fault.Newf(fault.CodeMissingRequiredField, "account_id query parameter is required"))
		return
	}
	account, err := s.deps.Store.GetAccount(r.Context(), accountID)
	if err != nil {
		s.writeError(w, notFoundAs(err, "account", accountID))
		return
	}

	resp := balanceResponse{AccountID: accountID, Currency: account.Currency, Balance: money.Format(0)}
	row, err := s.deps.Store.GetBalance(r.Context(), accountID)
	switch {
	case err == nil:
		resp.Balance = money.Format(row.Cents)
		resp.UpdatedAt = row.UpdatedAt.UTC().Format(time.RFC3339Nano)
	case errors.Is(err, ledgerdb.ErrNotFound):
		// Never posted to: zero.
	default:
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, resp)
}

type accountRequest struct {
	ID        string `json:"id,omitempty"`
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`
	Type      string `json:"type"`
	Currency  string `json:"currency"`
}

type accountResponse struct {
	ID        string `json:"id"`
	OwnerType string `json:"owner_type"`
	OwnerID   string `json:"owner_id"`
	Type      string `json:"type"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"created_at"`
}

func toAccountResponse(a journal.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		OwnerType: a.OwnerType,
		OwnerID:   a.OwnerID,
		Type:      string(a.Type),
		Currency:  a.Currency,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.OwnerType == "" || req.OwnerID == "" || req.Type == "" || req.Currency == "" {
		s.writeError(w, fault.Newf(fault.CodeMissingRequiredField,
			"owner_type, owner_id, type, and currency are required"))
		return
	}
	account := journal.Account{
		ID:        req.ID,
		OwnerType: req.OwnerType,
		OwnerID:   req.OwnerID,
		Type:      journal.AccountType(req.Type),
		Currency:  req.Currency,
		CreatedAt: time.Now().UTC(),
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if err := s.deps.Store.CreateAccount(r.Context(), account); err != nil {
		var se *ledgerdb.StoreError
		if errors.As(err, &se) && se.Type == ledgerdb.ErrorTypeConstraint {
			err = fault.Wrap(fault.CodeDuplicateIdempotencyConflict, se.Message, err)
		}
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusCreated, toAccountResponse(account))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	account, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		s.writeError(w, notFoundAs(err, "account", id))
		return
	}
	respond(w, http.StatusOK, toAccountResponse(account))
}

type overdraftResponse struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Limit         string `json:"limit"`
	State         string `json:"state"`
	EffectiveFrom string `json:"effective_from"`
	ExpiresAt     string `json:"expires_at"`
}

func (s *Server) handleGetOverdraft(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	facility, err := s.deps.Store.GetActiveOverdraft(r.Context(), id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ledgerdb.ErrNotFound) {
			s.writeError(w, fault.Newf(fault.CodeNotFound, "account %s has no active overdraft facility", id))
			return
		}
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, overdraftResponse{
		ID:            facility.ID,
		AccountID:     facility.AccountID,
		Limit:         money.Format(facility.LimitCents),
		State:         string(facility.State),
		EffectiveFrom: facility.EffectiveFrom.UTC().Format(time.RFC3339Nano),
		ExpiresAt:     facility.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

type lineResponse struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	EntryType string `json:"entry_type"`
	Amount    string `json:"amount"`
}

type journalResponse struct {
	ID             string         `json:"id"`
	TxnType        string         `json:"txn_type"`
	Currency       string         `json:"currency"`
	State          string         `json:"state"`
	CorrelationID  string         `json:"correlation_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	PrevHash       string         `json:"prev_hash"`
	Hash           string         `json:"hash"`
	CreatedAt      string         `json:"created_at"`
	Lines          []lineResponse `json:"lines"`
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := s.deps.Store.GetJournal(r.Context(), id)
	if err != nil {
		s.writeError(w, notFoundAs(err, "journal", id))
		return
	}
	lines, err := s.deps.Store.ListLines(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := journalResponse{
		ID:             j.ID,
		TxnType:        string(j.TxnType),
		Currency:       j.Currency,
		State:          string(j.State),
		CorrelationID:  j.CorrelationID,
		IdempotencyKey: j.IdempotencyKey,
		PrevHash:       j.PrevHash,
		Hash:           j.Hash,
		CreatedAt:      j.CreatedAt.UTC().Format(time.RFC3339Nano),
		Lines:          make([]lineResponse, len(lines)),
	}
	for i, line := range lines {
		resp.Lines[i] = lineResponse{
			ID:        line.ID,
			AccountID: line.AccountID,
			EntryType: string(line.EntryType),
			Amount:    money.Format(line.Amount),
		}
	}
	respond(w, http.StatusOK, resp)
}

type reverseRequest struct {
	ApprovalID     string `json:"approval_id"`
	IdempotencyKey string `json:"idempotency_key"`
	CorrelationID  string `json:"correlation_id"`
	ActorType      string `json:"actor_type"`
	ActorID        string `json:"actor_id"`
	Reason         string `json:"reason,omitempty"`
}

func (s *Server) handleReverseJournal(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.deps.Engine.ReverseJournal(r.Context(), engine.ReversalCommand{
		JournalID:      r.PathValue("id"),
		ApprovalID:     req.ApprovalID,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		ActorType:      req.ActorType,
		ActorID:        req.ActorID,
		Reason:         req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, receipt)
}

type runResponse struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	StartedAt       string            `json:"started_at"`
	FinishedAt      string            `json:"finished_at,omitempty"`
	AccountsChecked int               `json:"accounts_checked"`
	MismatchesFound int               `json:"mismatches_found"`
	Findings        []findingResponse `json:"findings,omitempty"`
}

type findingResponse struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	Currency        string `json:"currency"`
	ExpectedBalance string `json:"expected_balance"`
	ActualBalance   string `json:"actual_balance"`
	Discrepancy     string `json:"discrepancy"`
	Severity        string `json:"severity"`
	Status          string `json:"status"`
}

func toRunResponse(run ledgerdb.Run, findings []ledgerdb.Finding) runResponse {
	resp := runResponse{
		ID:              run.ID,
		Status:          string(run.Status),
		StartedAt:       run.StartedAt.UTC().Format(time.RFC3339Nano),
		AccountsChecked: run.AccountsChecked,
		MismatchesFound: run.MismatchesFound,
	}
	if !run.FinishedAt.IsZero() {
		resp.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, f := range findings {
		resp.Findings = append(resp.Findings, findingResponse{
			ID:              f.ID,
			AccountID:       f.AccountID,
			Currency:        f.Currency,
			ExpectedBalance: f.ExpectedBalance,
			ActualBalance:   f.ActualBalance,
			Discrepancy:     f.Discrepancy,
			Severity:        string(f.Severity),
			Status:          string(f.Status),
		})
	}
	return resp
}

func (s *Server) handleStartReconRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		s.writeError(w, fault.Newf(fault.CodeNotFound, "reconciliation is not enabled"))
		return
	}
	run, err := s.deps.Reconciler.Run(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, toRunResponse(run, nil))
}

func (s *Server) handleGetReconRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.deps.Store.GetReconciliationRun(r.Context(), id)
	if err != nil {
		s.writeError(w, notFoundAs(err, "reconciliation run", id))
		return
	}
	findings, err := s.deps.Store.ListFindings(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, toRunResponse(run, findings))
}

type integrityRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type integrityResponse struct {
	RunID      string `json:"run_id"`
	Checked    int    `json:"checked"`
	Mismatches int    `json:"mismatches"`
}

func parseBound(s, field string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fault.Newf(fault.CodeMissingRequiredField, "%s must be RFC 3339, got %q", field, s)
	}
	return t, nil
}

func (s *Server) handleStartIntegrityRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier == nil {
		s.writeError(w, fault.Newf(fault.CodeNotFound, "integrity verification is not enabled"))
		return
	}
	var req integrityRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	from, err := parseBound(req.From, "from")
	if err != nil {
		s.writeError(w, err)
		return
	}
	to, err := parseBound(req.To, "to")
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.deps.Verifier.Verify(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, integrityResponse{
		RunID:      report.RunID,
		Checked:    report.Checked,
		Mismatches: report.Mismatches,
	})
}

type backfillRequest struct {
	JournalID string `json:"journal_id"`
}

type backfillResponse struct {
	RecordID  string `json:"record_id"`
	JournalID string `json:"journal_id"`
	Status    string `json:"status"`
}

func (s *Server) handleRepairBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repairer == nil {
		s.writeError(w, fault.Newf(fault.CodeNotFound, "repair is not enabled"))
		return
	}
	var req backfillRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.JournalID == "" {
		s.writeError(w, fault.Newf(fault.CodeMissingRequiredField, "journal_id is required"))
		return
	}
	rec, err := s.deps.Repairer.Backfill(r.Context(), req.JournalID)
	if err != nil {
		switch {
		case errors.Is(err, ledgerdb.ErrNotFound):
			err = fault.Newf(fault.CodeNotFound, "journal %s does not exist", req.JournalID)
		case errors.Is(err, repair.ErrRecordExists), errors.Is(err, repair.ErrJournalNotPosted):
			err = fault.Wrap(fault.CodeDuplicateIdempotencyConflict, err.Error(), err)
		}
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, backfillResponse{
		RecordID:  rec.ID,
		JournalID: rec.JournalID,
		Status:    string(rec.Status),
	})
}

type staleRequest struct {
	CutoffMinutes int `json:"cutoff_minutes,omitempty"`
}

type staleResponse struct {
	Examined int `json:"examined"`
	Repaired int `json:"repaired"`
	Refused  int `json:"refused"`
}

func (s *Server) handleRepairStale(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repairer == nil {
		s.writeError(w, fault.Newf(fault.CodeNotFound, "repair is not enabled"))
		return
	}
	var req staleRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	cutoff := repair.DefaultStaleCutoff
	if req.CutoffMinutes > 0 {
		cutoff = time.Duration(req.CutoffMinutes) * time.Minute
	}
	report, err := s.deps.Repairer.CompleteStale(r.Context(), time.Now().UTC().Add(-cutoff))
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, staleResponse{
		Examined: report.Examined,
		Repaired: report.Repaired,
		Refused:  report.Refused,
	})
}

type approvalRequest struct {
	TypeKey      string          `json:"type_key"`
	MakerStaffID string          `json:"maker_staff_id"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

type approvalResponse struct {
	ID             string          `json:"id"`
	TypeKey        string          `json:"type_key"`
	MakerStaffID   string          `json:"maker_staff_id"`
	CheckerStaffID string          `json:"checker_staff_id,omitempty"`
	State          string          `json:"state"`
	Before         json.RawMessage `json:"before,omitempty"`
	After          json.RawMessage `json:"after,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      string          `json:"created_at"`
	DecidedAt      string          `json:"decided_at,omitempty"`
}

func toApprovalResponse(ar ledgerdb.ApprovalRequest) approvalResponse {
	resp := approvalResponse{
		ID:             ar.ID,
		TypeKey:        ar.TypeKey,
		MakerStaffID:   ar.MakerStaffID,
		CheckerStaffID: ar.CheckerStaffID,
		State:          string(ar.State),
		Before:         ar.BeforeJSON,
		After:          ar.AfterJSON,
		Reason:         ar.Reason,
		CreatedAt:      ar.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !ar.DecidedAt.IsZero() {
		resp.DecidedAt = ar.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		s.writeError(w, fault.Newf(fault.CodeNotFound, "approvals are not enabled"))
		return
	}
	var req approvalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ar, err := s.deps.Approvals.CreateRequest(r.Context(), req.TypeKey, req.MakerStaffID, req.Before, req.After, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusCreated, toApprovalResponse(ar))
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ar, err := s.deps.Store.GetApprovalRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, notFoundAs(err, "approval request", id))
		return
	}
	respond(w, http.StatusOK, toApprovalResponse(ar))
}

type decideRequest struct {
	CheckerStaffID string `json:"checker_staff_id"`
	Approve        bool   `json:"approve"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		s.writeError(w, fault.Newf(fault.CodeNotFound, "approvals are not enabled"))
		return
	}
	var req decideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ar, err := s.deps.Approvals.Decide(r.Context(), r.PathValue("id"), req.CheckerStaffID, req.Approve)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, toApprovalResponse(ar))
}

type overdraftRequest struct {
	MakerStaffID  string `json:"maker_staff_id"`
	AccountID     string `json:"account_id"`
	Limit         string `json:"limit"`
	EffectiveFrom string `json:"effective_from"`
	ExpiresAt     string `json:"expires_at"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleRequestOverdraft(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		s.writeError(w, fault.Newf(fault.CodeNotFound, "approvals are not enabled"))
		return
	}
	var req overdraftRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.MakerStaffID == "" || req.AccountID == "" {
		s.writeError(w, fault.Newf(fault.CodeMissingRequiredField, "maker_staff_id and account_id are required"))
		return
	}
	limit, err := money.Parse(req.Limit)
	if err != nil || !limit.IsPositive() {
		s.writeError(w, fault.Newf(fault.CodeMissingRequiredField, "limit must be a positive decimal string"))
		return
	}
	from, err := parseBound(req.EffectiveFrom, "effective_from")
	if err != nil {
		s.writeError(w, err)
		return
	}
	until, err := parseBound(req.ExpiresAt, "expires_at")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if from.IsZero() || until.IsZero() || !until.After(from) {
		s.writeError(w, fault.Newf(fault.CodeMissingRequiredField, "effective_from and expires_at must form a window"))
		return
	}
	ar, err := s.deps.Approvals.RequestOverdraft(r.Context(), req.MakerStaffID, journal.OverdraftFacility{
		AccountID:     req.AccountID,
		LimitCents:    limit,
		EffectiveFrom: from,
		ExpiresAt:     until,
	}, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusCreated, toApprovalResponse(ar))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		respond(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
