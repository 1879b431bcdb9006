/*
Package concierge implements the service-request workflow.

PURPOSE:
  Members ask the concierge for a partner service; a concierge takes the
  request, and validating it awards the member a fixed number of points.

STATE MACHINE:
  ┌─────┐  Start   ┌─────────────┐  Complete  ┌───────────┐
  │ new │ ───────▶ │ in_progress │ ─────────▶ │ completed │
  └─────┘          └─────────────┘            └───────────┘
     │                  Complete                    ▲
     └──────────────────────────────────────────────┘

  completed is terminal. Completing it again succeeds without effect.

COMPLETION (one transaction):
  1. read request (NotFound), stop here if already completed
  2. read member account (NotFound)
  3. status = completed, record validating concierge
  4. post +AwardPoints as service_reward, idempotency key per request

  Any failure leaves the request in its previous status for a safe retry.

SEE ALSO:
  - ledger/ledger.go: Post
  - ledger/policy.go: who may complete
*/
package concierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/collectif/connect-ledger/events"
	"github.com/collectif/connect-ledger/ledger"
)

// DefaultAwardPoints is the award for a completed request when none is configured.
const DefaultAwardPoints int64 = 50

// MaxDescriptionLength bounds the free-text description of a request.
const MaxDescriptionLength = 2000

// AwardKey is the idempotency key of the service_reward entry of a request.
func AwardKey(id ledger.RequestID) string {
	return "service_reward:" + string(id)
}

// Result is the outcome of Complete.
type Result struct {
	Request          ledger.ServiceRequest
	Entry            *ledger.Entry
	Balance          int64
	AlreadyCompleted bool
}

// Message is the human-readable outcome returned to the caller.
func (r Result) Message() string {
	if r.AlreadyCompleted {
		return "The request was already completed."
	}
	return fmt.Sprintf("The request has been validated, %d points awarded.", r.Entry.Delta)
}

type Service struct {
	Transactor  *ledger.Transactor
	Ledger      *ledger.Ledger
	Accounts    *ledger.Accounts
	Reader      ledger.Reader
	Policy      ledger.Policy
	AwardPoints int64
	Publisher   events.Publisher
	Logger      *slog.Logger

	NewID func() ledger.RequestID
}

func NewService(l *ledger.Ledger, awardPoints int64, publisher events.Publisher, logger *slog.Logger) *Service {
	if awardPoints <= 0 {
		awardPoints = DefaultAwardPoints
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Transactor:  l.Transactor,
		Ledger:      l,
		Accounts:    l.Accounts,
		Reader:      l.Reader,
		Policy:      l.Accounts.Policy,
		AwardPoints: awardPoints,
		Publisher:   publisher,
		Logger:      logger.With("component", "concierge"),
		NewID:       func() ledger.RequestID { return ledger.RequestID(uuid.NewString()) },
	}
}

// =============================================================================
// COMPLETE
// =============================================================================

// Complete validates a service request and awards its member exactly once.
func (s *Service) Complete(ctx context.Context, requestID ledger.RequestID, actorID ledger.AccountID) (Result, error) {
	const op = string(ledger.OpCompleteServiceRequest)

	if _, err := s.staff(ctx, actorID, ledger.OpCompleteServiceRequest); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(string(requestID)) == "" {
		return Result{}, ledger.InvalidArgument("a valid requestId is required")
	}

	var res Result
	err := s.Transactor.Run(ctx, op, func(tx ledger.Tx) error {
		res = Result{}

		req, err := tx.GetServiceRequest(ctx, requestID)
		if errors.Is(err, ledger.ErrRequestNotFound) {
			return ledger.NotFound(err, "service request %s not found", requestID)
		}
		if err != nil {
			return err
		}
		if req.Status == ledger.StatusCompleted {
			res.Request = req
			res.AlreadyCompleted = true
			return nil
		}

		if _, err := tx.GetAccount(ctx, req.MemberID); err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return ledger.NotFound(err, "member account %s not found", req.MemberID)
			}
			return err
		}

		now := tx.Now()
		req.Status = ledger.StatusCompleted
		req.ValidatedBy = actorID
		req.UpdatedAt = now
		req.CompletedAt = &now
		if err := tx.UpdateServiceRequest(ctx, req); err != nil {
			return err
		}

		acct, entry, err := s.Ledger.Post(ctx, tx, ledger.Posting{
			AccountID:      req.MemberID,
			Kind:           ledger.KindServiceReward,
			Delta:          s.AwardPoints,
			Description:    "Récompense pour la demande: " + describe(req),
			RelatedID:      string(req.ID),
			IdempotencyKey: AwardKey(req.ID),
			ActorID:        actorID,
		})
		if err != nil {
			return err
		}

		res.Request = req
		res.Entry = &entry
		res.Balance = acct.Balance
		return nil
	})
	if err != nil {
		return Result{}, ledger.Classify(ctx, s.Logger, op, err)
	}

	if res.AlreadyCompleted {
		s.Logger.WarnContext(ctx, "service request already completed",
			"request_id", requestID, "actor_id", actorID)
		return res, nil
	}

	s.Logger.InfoContext(ctx, "service request completed",
		"request_id", requestID, "member_id", res.Request.MemberID,
		"actor_id", actorID, "points", s.AwardPoints, "balance", res.Balance)
	events.Emit(ctx, s.Publisher, s.Logger,
		events.ServiceRequestCompleted(res.Request, s.AwardPoints),
		events.EntryPosted(*res.Entry, res.Balance),
	)
	return res, nil
}

// describe derives the entry description from the service name.
func describe(req ledger.ServiceRequest) string {
	d := strings.TrimSpace(req.Description)
	if d == "" {
		return string(req.ID)
	}
	if utf8.RuneCountInString(d) > 80 {
		return string([]rune(d)[:77]) + "..."
	}
	return d
}

// =============================================================================
// SUBMIT / START
// =============================================================================

// Submit records a new request on behalf of the acting member.
func (s *Service) Submit(ctx context.Context, actorID ledger.AccountID, description string) (ledger.ServiceRequest, error) {
	const op = string(ledger.OpSubmitServiceRequest)

	actor, err := s.Accounts.Actor(ctx, actorID)
	if err != nil {
		return ledger.ServiceRequest{}, err
	}
	if err := s.Policy.Authorize(actor, ledger.OpSubmitServiceRequest, nil); err != nil {
		return ledger.ServiceRequest{}, err
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return ledger.ServiceRequest{}, ledger.InvalidArgument("a service description is required")
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return ledger.ServiceRequest{}, ledger.InvalidArgument("description exceeds %d characters", MaxDescriptionLength)
	}

	req := ledger.ServiceRequest{
		ID:          s.NewID(),
		MemberID:    actor.ID,
		Description: description,
		Status:      ledger.StatusNew,
	}
	err = s.Transactor.Run(ctx, op, func(tx ledger.Tx) error {
		now := tx.Now()
		req.CreatedAt = now
		req.UpdatedAt = now
		return tx.InsertServiceRequest(ctx, req)
	})
	if err != nil {
		return ledger.ServiceRequest{}, ledger.Classify(ctx, s.Logger, op, err)
	}
	s.Logger.InfoContext(ctx, "service request submitted", "request_id", req.ID, "member_id", req.MemberID)
	return req, nil
}

// Start moves a new request to in_progress. Starting an in-progress request
// is a no-op; a completed one cannot go back.
func (s *Service) Start(ctx context.Context, requestID ledger.RequestID, actorID ledger.AccountID) (ledger.ServiceRequest, error) {
	const op = string(ledger.OpStartServiceRequest)

	if _, err := s.staff(ctx, actorID, ledger.OpStartServiceRequest); err != nil {
		return ledger.ServiceRequest{}, err
	}
	if strings.TrimSpace(string(requestID)) == "" {
		return ledger.ServiceRequest{}, ledger.InvalidArgument("a valid requestId is required")
	}

	var result ledger.ServiceRequest
	err := s.Transactor.Run(ctx, op, func(tx ledger.Tx) error {
		req, err := tx.GetServiceRequest(ctx, requestID)
		if errors.Is(err, ledger.ErrRequestNotFound) {
			return ledger.NotFound(err, "service request %s not found", requestID)
		}
		if err != nil {
			return err
		}
		switch req.Status {
		case ledger.StatusCompleted:
			return ledger.FailedPrecondition(nil, "service request %s is already completed", requestID)
		case ledger.StatusInProgress:
			result = req
			return nil
		}
		req.Status = ledger.StatusInProgress
		req.UpdatedAt = tx.Now()
		if err := tx.UpdateServiceRequest(ctx, req); err != nil {
			return err
		}
		result = req
		return nil
	})
	if err != nil {
		return ledger.ServiceRequest{}, ledger.Classify(ctx, s.Logger, op, err)
	}
	return result, nil
}

// =============================================================================
// LISTINGS
// =============================================================================

// ListOpen returns the requests waiting for a concierge, oldest first.
func (s *Service) ListOpen(ctx context.Context, actorID ledger.AccountID) ([]ledger.ServiceRequest, error) {
	if _, err := s.staff(ctx, actorID, ledger.OpListOpenRequests); err != nil {
		return nil, err
	}
	reqs, err := s.Reader.ListServiceRequests(ctx, ledger.RequestFilter{
		Statuses: []ledger.RequestStatus{ledger.StatusNew, ledger.StatusInProgress},
	})
	if err != nil {
		return nil, ledger.Classify(ctx, s.Logger, string(ledger.OpListOpenRequests), err)
	}
	return reqs, nil
}

// ListMine returns the acting member's own requests.
func (s *Service) ListMine(ctx context.Context, actorID ledger.AccountID) ([]ledger.ServiceRequest, error) {
	actor, err := s.Accounts.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, ledger.Unauthenticated("caller is not authenticated")
	}
	reqs, err := s.Reader.ListServiceRequests(ctx, ledger.RequestFilter{MemberID: actor.ID})
	if err != nil {
		return nil, ledger.Classify(ctx, s.Logger, "listMyServiceRequests", err)
	}
	return reqs, nil
}

// staff resolves the actor for a back-office operation. A caller without
// identity is Unauthenticated; an identity without account is refused.
func (s *Service) staff(ctx context.Context, actorID ledger.AccountID, op ledger.Operation) (*ledger.Account, error) {
	if strings.TrimSpace(string(actorID)) == "" {
		return nil, ledger.Unauthenticated("caller is not authenticated")
	}
	actor, err := s.Accounts.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, ledger.PermissionDenied("caller %s has no account", actorID)
	}
	if err := s.Policy.Authorize(actor, op, nil); err != nil {
		return nil, err
	}
	return actor, nil
}
