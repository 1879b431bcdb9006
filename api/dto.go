/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Callables:
    CompleteServiceRequestRequest, RedeemRewardRequest, CallableResponse

  Hooks:
    IdentityHookRequest, ForumPostHookRequest

  Reads:
    AccountDTO, EntryDTO, EntryPageDTO, RewardDTO, ServiceRequestDTO

VALIDATION:
  Validation is done by the workflows, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/collectif/connect-ledger/ledger"
	"github.com/collectif/connect-ledger/rewards"
)

// =============================================================================
// CALLABLES
// =============================================================================

type CompleteServiceRequestRequest struct {
	RequestID string `json:"requestId"`
}

type RedeemRewardRequest struct {
	RewardID string `json:"rewardId"`
}

// CallableResponse is the success body of the callable operations.
type CallableResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Balance *int64 `json:"balance,omitempty"`
}

// =============================================================================
// HOOKS
// =============================================================================

type IdentityHookRequest struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type ForumPostHookRequest struct {
	PostID   string `json:"postId"`
	AuthorID string `json:"authorId"`
	Title    string `json:"title"`
}

type HookResponse struct {
	Success bool   `json:"success"`
	Created bool   `json:"created"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// READS
// =============================================================================

type AccountDTO struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	Tier        string    `json:"membershipTier"`
	Role        string    `json:"role"`
	Balance     int64     `json:"pointBalance"`
	CreatedAt   time.Time `json:"createdAt"`
}

type EntryDTO struct {
	ID          string    `json:"id"`
	Kind        string    `json:"type"`
	Delta       int64     `json:"points"`
	Description string    `json:"description"`
	RelatedID   string    `json:"relatedId,omitempty"`
	CreatedAt   time.Time `json:"timestamp"`
	Seq         int64     `json:"seq"`
}

type EntryPageDTO struct {
	Entries    []EntryDTO `json:"entries"`
	NextBefore int64      `json:"nextBefore,omitempty"`
}

type RewardDTO struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	PointsCost   int64  `json:"pointsCost"`
	RequiredTier string `json:"requiredTier"`
	Active       bool   `json:"active"`
	Affordable   bool   `json:"affordable"`
	Value        string `json:"value,omitempty"`
}

type UpsertRewardRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	PointsCost   int64  `json:"pointsCost"`
	RequiredTier string `json:"requiredTier"`
	Active       *bool  `json:"active"`
}

type ServiceRequestDTO struct {
	ID          string     `json:"id"`
	MemberID    string     `json:"memberId"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	ValidatedBy string     `json:"validatedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type SubmitServiceRequestRequest struct {
	Description string `json:"description"`
}

// =============================================================================
// ADMIN
// =============================================================================

type SetRoleRequest struct {
	Role string `json:"role"`
}

type SetTierRequest struct {
	Tier string `json:"tier"`
}

type AdjustmentRequest struct {
	AccountID string `json:"accountId"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

type ReconciliationDTO struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledgerSum"`
	Drift     int64  `json:"drift"`
	OK        bool   `json:"ok"`
}

type AuditReportDTO struct {
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
	Drifted    []ReconciliationDTO `json:"drifted"`
	Error      string              `json:"error,omitempty"`
}

func toAuditReportDTO(r AuditReport) AuditReportDTO {
	dto := AuditReportDTO{
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Drifted:    make([]ReconciliationDTO, len(r.Drifted)),
	}
	for i, rec := range r.Drifted {
		dto.Drifted[i] = toReconciliationDTO(rec)
	}
	if r.Err != nil {
		dto.Error = ledger.MessageOf(r.Err)
	}
	return dto
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:          string(a.ID),
		DisplayName: a.DisplayName,
		Email:       a.Email,
		Tier:        string(a.Tier),
		Role:        string(a.Role),
		Balance:     a.Balance,
		CreatedAt:   a.CreatedAt,
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		Kind:        string(e.Kind),
		Delta:       e.Delta,
		Description: e.Description,
		RelatedID:   e.RelatedID,
		CreatedAt:   e.CreatedAt,
		Seq:         e.Seq,
	}
}

func toEntryPageDTO(p ledger.EntryPage) EntryPageDTO {
	dtos := make([]EntryDTO, len(p.Entries))
	for i, e := range p.Entries {
		dtos[i] = toEntryDTO(e)
	}
	return EntryPageDTO{Entries: dtos, NextBefore: p.NextBefore}
}

func toRewardDTO(r ledger.Reward) RewardDTO {
	return RewardDTO{
		ID:           string(r.ID),
		Title:        r.Title,
		Description:  r.Description,
		PointsCost:   r.PointsCost,
		RequiredTier: string(r.RequiredTier),
		Active:       r.Active,
	}
}

func toCatalogDTOs(items []rewards.CatalogItem, v rewards.Valuation) []RewardDTO {
	dtos := make([]RewardDTO, len(items))
	for i, item := range items {
		dto := toRewardDTO(item.Reward)
		dto.Affordable = item.Affordable
		dto.Value = v.Format(item.Reward.PointsCost)
		dtos[i] = dto
	}
	return dtos
}

func toServiceRequestDTO(r ledger.ServiceRequest) ServiceRequestDTO {
	return ServiceRequestDTO{
		ID:          string(r.ID),
		MemberID:    string(r.MemberID),
		Description: r.Description,
		Status:      string(r.Status),
		ValidatedBy: string(r.ValidatedBy),
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func toServiceRequestDTOs(reqs []ledger.ServiceRequest) []ServiceRequestDTO {
	dtos := make([]ServiceRequestDTO, len(reqs))
	for i, r := range reqs {
		dtos[i] = toServiceRequestDTO(r)
	}
	return dtos
}

func toReconciliationDTO(r ledger.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		AccountID: string(r.AccountID),
		Balance:   r.Balance,
		LedgerSum: r.LedgerSum,
		Drift:     r.Drift(),
		OK:        r.OK(),
	}
}
