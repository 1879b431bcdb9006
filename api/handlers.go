/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger workflows via REST. Handles HTTP request/response and
  JSON serialization, and delegates everything else to the workflows.
  Handlers never check roles or balances themselves.

ENDPOINTS:
  Callables (bearer JWT):
    POST   /api/rpc/completeServiceRequest  Concierge validates a request
    POST   /api/rpc/redeemReward            Member exchanges points

  Hooks (X-Internal-Key):
    POST   /api/hooks/identity              Provision account on sign-up
    POST   /api/hooks/forum-posts           Award points for a forum post

  Member (bearer JWT):
    GET    /api/me                          Own account
    GET    /api/me/transactions             Own history, newest first
    GET    /api/accounts/{id}/transactions  History (owner or staff)
    GET    /api/rewards                     Eligible catalog
    POST   /api/requests                    Submit a service request
    GET    /api/requests/mine               Own service requests

  Concierge:
    GET    /api/requests/open               Dashboard queue
    POST   /api/requests/{id}/start         Pick up a request

  Admin:
    PUT    /api/admin/accounts/{id}/role    Change role
    PUT    /api/admin/accounts/{id}/tier    Change membership tier
    GET    /api/admin/accounts/{id}/verify  Reconcile one account
    POST   /api/admin/adjustments           Manual correction entry
    PUT    /api/admin/rewards/{id}          Create or replace a reward
    GET    /api/admin/audit                 Last audit report
    POST   /api/admin/audit                 Run the ledger audit now

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the workflow with the caller id from the token
  3. Serialize response, or map the error kind to a status

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Kind to HTTP status
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/collectif/connect-ledger/community"
	"github.com/collectif/connect-ledger/concierge"
	"github.com/collectif/connect-ledger/events"
	"github.com/collectif/connect-ledger/ledger"
	"github.com/collectif/connect-ledger/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Accounts  *ledger.Accounts
	Concierge *concierge.Service
	Rewards   *rewards.Service
	Community *community.Service
	Auditor   *LedgerAuditor
	Publisher events.Publisher
	Logger    *slog.Logger
}

// =============================================================================
// CALLABLES
// =============================================================================

// CompleteServiceRequest handles POST /api/rpc/completeServiceRequest.
func (h *Handler) CompleteServiceRequest(w http.ResponseWriter, r *http.Request) {
	var req CompleteServiceRequestRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Concierge.Complete(r.Context(), ledger.RequestID(req.RequestID), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CallableResponse{Success: true, Message: res.Message()})
}

// RedeemReward handles POST /api/rpc/redeemReward.
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	var req RedeemRewardRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Rewards.Redeem(r.Context(), ledger.RewardID(req.RewardID), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	balance := res.Balance
	writeJSON(w, http.StatusOK, CallableResponse{Success: true, Message: res.Message(), Balance: &balance})
}

// =============================================================================
// HOOKS
// =============================================================================

// IdentityCreated handles POST /api/hooks/identity. Deliveries are at least
// once; a duplicate returns the existing account with created=false.
func (h *Handler) IdentityCreated(w http.ResponseWriter, r *http.Request) {
	var req IdentityHookRequest
	if !decode(w, r, &req) {
		return
	}
	acct, created, err := h.Accounts.Create(r.Context(), ledger.Identity{
		ID:          ledger.AccountID(req.ID),
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if created {
		events.Emit(r.Context(), h.Publisher, h.Logger, events.AccountCreated(acct))
	}
	writeJSON(w, http.StatusOK, HookResponse{Success: true, Created: created})
}

// ForumPostCreated handles POST /api/hooks/forum-posts.
func (h *Handler) ForumPostCreated(w http.ResponseWriter, r *http.Request) {
	var req ForumPostHookRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Community.AwardPost(r.Context(), community.PostEvent{
		PostID:   req.PostID,
		AuthorID: ledger.AccountID(req.AuthorID),
		Title:    req.Title,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := HookResponse{Success: true, Created: out.Entry != nil}
	switch {
	case out.Disabled:
		resp.Message = "forum awards are disabled"
	case out.AlreadyAwarded:
		resp.Message = "post already awarded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// MEMBER
// =============================================================================

// Me handles GET /api/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor, err := h.Accounts.Actor(r.Context(), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if actor == nil {
		writeError(w, ledger.NotFound(ledger.ErrAccountNotFound, "no account for this identity"))
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*actor))
}

// MyTransactions handles GET /api/me/transactions?limit=&before=.
func (h *Handler) MyTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, CallerID(r.Context()))
}

// AccountTransactions handles GET /api/accounts/{id}/transactions.
func (h *Handler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, ledger.AccountID(chi.URLParam(r, "id")))
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, accountID ledger.AccountID) {
	q, err := entryQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.Ledger.ListFor(r.Context(), CallerID(r.Context()), accountID, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryPageDTO(page))
}

// ListRewards handles GET /api/rewards.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	items, err := h.Rewards.Catalog(r.Context(), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCatalogDTOs(items, h.Rewards.Valuation))
}

// SubmitServiceRequest handles POST /api/requests.
func (h *Handler) SubmitServiceRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitServiceRequestRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := h.Concierge.Submit(r.Context(), CallerID(r.Context()), req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toServiceRequestDTO(created))
}

// MyServiceRequests handles GET /api/requests/mine.
func (h *Handler) MyServiceRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Concierge.ListMine(r.Context(), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceRequestDTOs(reqs))
}

// =============================================================================
// CONCIERGE
// =============================================================================

// OpenServiceRequests handles GET /api/requests/open.
func (h *Handler) OpenServiceRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Concierge.ListOpen(r.Context(), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceRequestDTOs(reqs))
}

// StartServiceRequest handles POST /api/requests/{id}/start.
func (h *Handler) StartServiceRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Concierge.Start(r.Context(), ledger.RequestID(chi.URLParam(r, "id")), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceRequestDTO(req))
}

// =============================================================================
// ADMIN
// =============================================================================

// SetRole handles PUT /api/admin/accounts/{id}/role.
func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req SetRoleRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.Accounts.SetRole(r.Context(), CallerID(r.Context()),
		ledger.AccountID(chi.URLParam(r, "id")), ledger.Role(req.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// SetTier handles PUT /api/admin/accounts/{id}/tier.
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	var req SetTierRequest
	if !decode(w, r, &req) {
		return
	}
	tier, err := rewards.ParseTier(req.Tier)
	if err != nil || req.Tier == "" {
		writeError(w, ledger.InvalidArgument("unknown tier %q", req.Tier))
		return
	}
	acct, err := h.Accounts.SetTier(r.Context(), CallerID(r.Context()),
		ledger.AccountID(chi.URLParam(r, "id")), tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// VerifyAccount handles GET /api/admin/accounts/{id}/verify.
func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.VerifyFor(r.Context(), CallerID(r.Context()), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// CreateAdjustment handles POST /api/admin/adjustments.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	acct, entry, err := h.Ledger.Adjust(r.Context(), CallerID(r.Context()),
		ledger.AccountID(req.AccountID), req.Delta, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	events.Emit(r.Context(), h.Publisher, h.Logger, events.EntryPosted(entry, acct.Balance))
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// UpsertReward handles PUT /api/admin/rewards/{id}.
func (h *Handler) UpsertReward(w http.ResponseWriter, r *http.Request) {
	var req UpsertRewardRequest
	if !decode(w, r, &req) {
		return
	}
	tier, err := rewards.ParseTier(req.RequiredTier)
	if err != nil {
		writeError(w, ledger.InvalidArgument("%s", err.Error()))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	saved, err := h.Rewards.Upsert(r.Context(), CallerID(r.Context()), ledger.Reward{
		ID:           ledger.RewardID(chi.URLParam(r, "id")),
		Title:        req.Title,
		Description:  req.Description,
		PointsCost:   req.PointsCost,
		RequiredTier: tier,
		Active:       active,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(saved))
}

// RunAudit handles POST /api/admin/audit.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := h.Accounts.Actor(r.Context(), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Accounts.Policy.Authorize(actor, ledger.OpVerifyLedger, nil); err != nil {
		writeError(w, err)
		return
	}
	report := h.Auditor.RunNow(r.Context())
	if report.Err != nil {
		writeError(w, report.Err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// LastAudit handles GET /api/admin/audit.
func (h *Handler) LastAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := h.Accounts.Actor(r.Context(), CallerID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Accounts.Policy.Authorize(actor, ledger.OpVerifyLedger, nil); err != nil {
		writeError(w, err)
		return
	}
	report := h.Auditor.Last()
	if report == nil {
		writeError(w, ledger.NotFound(nil, "no audit has run yet"))
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(*report))
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into v and writes a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, ledger.InvalidArgument("invalid request body"))
		return false
	}
	return true
}

func entryQuery(r *http.Request) (ledger.EntryQuery, error) {
	var q ledger.EntryQuery
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, ledger.InvalidArgument("limit must be a positive integer")
		}
		q.Limit = n
	}
	if s := r.URL.Query().Get("before"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return q, ledger.InvalidArgument("before must be a positive integer")
		}
		q.BeforeSeq = n
	}
	return q, nil
}
