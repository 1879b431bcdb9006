/*
Package events publishes domain events after a ledger transaction commits.

PURPOSE:
  Other services (notifications, analytics, the member app) learn about
  point movements from events instead of polling the store. Events are
  published after commit and are informational: a failed publish is
  logged and never rolls anything back. The ledger stays the source of
  truth.

EVENT TYPES:
  account.created            identity provisioned
  ledger.entry_posted        any entry appended (award, redemption, ...)
  service_request.completed  a concierge validated a request
  reward.redeemed            a member exchanged points for a reward

IMPLEMENTATIONS:
  - rabbitmq.go: RabbitMQ topic exchange producer
  - Fallback: logs and drops, used when the broker is not configured
  - Recorder: keeps events in memory, used by tests
*/
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collectif/connect-ledger/ledger"
)

const (
	TypeAccountCreated          = "account.created"
	TypeEntryPosted             = "ledger.entry_posted"
	TypeServiceRequestCompleted = "service_request.completed"
	TypeRewardRedeemed          = "reward.redeemed"
)

// Event is the envelope published on the wire. Type doubles as routing key.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	AccountID  string         `json:"account_id"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

func newEvent(eventType string, at time.Time, accountID ledger.AccountID, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: at,
		AccountID:  string(accountID),
		Data:       data,
	}
}

func AccountCreated(acct ledger.Account) Event {
	return newEvent(TypeAccountCreated, acct.CreatedAt, acct.ID, map[string]any{
		"tier": acct.Tier,
		"role": acct.Role,
	})
}

func EntryPosted(e ledger.Entry, balance int64) Event {
	return newEvent(TypeEntryPosted, e.CreatedAt, e.AccountID, map[string]any{
		"entry_id":    e.ID,
		"kind":        e.Kind,
		"delta":       e.Delta,
		"balance":     balance,
		"related_id":  e.RelatedID,
		"description": e.Description,
	})
}

func ServiceRequestCompleted(req ledger.ServiceRequest, award int64) Event {
	at := req.UpdatedAt
	if req.CompletedAt != nil {
		at = *req.CompletedAt
	}
	return newEvent(TypeServiceRequestCompleted, at, req.MemberID, map[string]any{
		"request_id":   req.ID,
		"validated_by": req.ValidatedBy,
		"points":       award,
	})
}

func RewardRedeemed(reward ledger.Reward, e ledger.Entry, balance int64) Event {
	return newEvent(TypeRewardRedeemed, e.CreatedAt, e.AccountID, map[string]any{
		"reward_id": reward.ID,
		"title":     reward.Title,
		"cost":      reward.PointsCost,
		"entry_id":  e.ID,
		"balance":   balance,
	})
}

// Emit publishes events and logs failures. Use it after commit.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, evts ...Event) {
	if p == nil {
		return
	}
	for _, e := range evts {
		if err := p.Publish(ctx, e); err != nil {
			logger.WarnContext(ctx, "event publish failed", "type", e.Type, "event_id", e.ID, "err", err)
		}
	}
}

// =============================================================================
// FALLBACK
// =============================================================================

// Fallback is a no-op publisher used when RabbitMQ is unavailable.
type Fallback struct {
	Logger *slog.Logger
}

func (f *Fallback) Publish(ctx context.Context, e Event) error {
	if f.Logger != nil {
		f.Logger.DebugContext(ctx, "event publish skipped", "mode", "fallback", "type", e.Type, "account_id", e.AccountID)
	}
	return nil
}

func (f *Fallback) Close() {}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() {}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
