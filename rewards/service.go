/*
Package rewards implements the reward catalog and point redemption.

PURPOSE:
  Members exchange points for partner rewards. A redemption is a negative
  ledger posting; the balance check and the debit happen in the same
  transaction, so two concurrent redemptions can never both spend the
  same points.

REDEMPTION (one transaction):
  1. read reward (NotFound, inactive counts as absent)
  2. read account (NotFound)
  3. tier gate through ledger.Policy (PermissionDenied)
  4. balance >= cost, else FailedPrecondition "insufficient points"
  5. post -cost as reward_redemption

CATALOG:
  The catalog lives in the store. catalog.go loads it from a YAML file at
  boot; admins can upsert entries at runtime. valuation.go converts points
  to a currency amount for display only.

SEE ALSO:
  - ledger/policy.go: tier eligibility rule
  - concierge/: the earning side
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/collectif/connect-ledger/events"
	"github.com/collectif/connect-ledger/ledger"
)

// Result is the outcome of a successful redemption.
type Result struct {
	Reward  ledger.Reward
	Entry   ledger.Entry
	Balance int64
}

func (r Result) Message() string {
	return fmt.Sprintf("Reward %q redeemed for %d points.", r.Reward.Title, r.Reward.PointsCost)
}

// CatalogItem is a reward as presented to one member.
type CatalogItem struct {
	Reward     ledger.Reward
	Affordable bool
	Value      decimal.Decimal
}

type Service struct {
	Transactor *ledger.Transactor
	Ledger     *ledger.Ledger
	Accounts   *ledger.Accounts
	Reader     ledger.Reader
	Store      ledger.Store
	Policy     ledger.Policy
	Valuation  Valuation
	Publisher  events.Publisher
	Logger     *slog.Logger
}

func NewService(store ledger.Store, l *ledger.Ledger, valuation Valuation, publisher events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Transactor: l.Transactor,
		Ledger:     l,
		Accounts:   l.Accounts,
		Reader:     store,
		Store:      store,
		Policy:     l.Accounts.Policy,
		Valuation:  valuation,
		Publisher:  publisher,
		Logger:     logger.With("component", "rewards"),
	}
}

// =============================================================================
// REDEEM
// =============================================================================

// Redeem exchanges the actor's points for a reward.
func (s *Service) Redeem(ctx context.Context, rewardID ledger.RewardID, actorID ledger.AccountID) (Result, error) {
	const op = string(ledger.OpRedeemReward)

	actor, err := s.Accounts.Actor(ctx, actorID)
	if err != nil {
		return Result{}, err
	}
	if actor == nil {
		return Result{}, ledger.Unauthenticated("caller is not authenticated")
	}
	if strings.TrimSpace(string(rewardID)) == "" {
		return Result{}, ledger.InvalidArgument("a valid rewardId is required")
	}

	var res Result
	err = s.Transactor.Run(ctx, op, func(tx ledger.Tx) error {
		reward, err := tx.GetReward(ctx, rewardID)
		if errors.Is(err, ledger.ErrRewardNotFound) || (err == nil && !reward.Active) {
			return ledger.NotFound(ledger.ErrRewardNotFound, "reward %s not found", rewardID)
		}
		if err != nil {
			return err
		}

		acct, err := tx.GetAccount(ctx, actor.ID)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.NotFound(err, "account %s not found", actor.ID)
		}
		if err != nil {
			return err
		}

		if err := s.Policy.Authorize(&acct, ledger.OpRedeemReward, reward); err != nil {
			return err
		}
		if reward.PointsCost <= 0 {
			return ledger.FailedPrecondition(nil, "reward %s has no valid cost", rewardID)
		}
		if acct.Balance < reward.PointsCost {
			return ledger.FailedPrecondition(&ledger.InsufficientPointsError{
				AccountID: acct.ID,
				Available: acct.Balance,
				Requested: reward.PointsCost,
			}, "insufficient points: you have %d, this reward costs %d", acct.Balance, reward.PointsCost)
		}

		updated, entry, err := s.Ledger.Post(ctx, tx, ledger.Posting{
			AccountID:   acct.ID,
			Kind:        ledger.KindRewardRedemption,
			Delta:       -reward.PointsCost,
			Description: "Exchanged for: " + reward.Title,
			RelatedID:   string(reward.ID),
			ActorID:     actor.ID,
		})
		if err != nil {
			return err
		}
		res = Result{Reward: reward, Entry: entry, Balance: updated.Balance}
		return nil
	})
	if err != nil {
		return Result{}, ledger.Classify(ctx, s.Logger, op, err)
	}

	s.Logger.InfoContext(ctx, "reward redeemed",
		"reward_id", rewardID, "account_id", actor.ID,
		"cost", res.Reward.PointsCost, "balance", res.Balance)
	events.Emit(ctx, s.Publisher, s.Logger,
		events.RewardRedeemed(res.Reward, res.Entry, res.Balance),
		events.EntryPosted(res.Entry, res.Balance),
	)
	return res, nil
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog returns the active rewards the actor's tier may redeem, cheapest first.
func (s *Service) Catalog(ctx context.Context, actorID ledger.AccountID) ([]CatalogItem, error) {
	actor, err := s.Accounts.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, ledger.Unauthenticated("caller is not authenticated")
	}

	all, err := s.Reader.ListRewards(ctx)
	if err != nil {
		return nil, ledger.Classify(ctx, s.Logger, "listRewards", err)
	}
	items := make([]CatalogItem, 0, len(all))
	for _, r := range all {
		if !r.Active || !s.Policy.Eligible(actor.Tier, r.RequiredTier) {
			continue
		}
		items = append(items, CatalogItem{
			Reward:     r,
			Affordable: actor.Balance >= r.PointsCost,
			Value:      s.Valuation.Value(r.PointsCost),
		})
	}
	return items, nil
}

// Upsert creates or replaces a catalog entry. Admin only.
func (s *Service) Upsert(ctx context.Context, actorID ledger.AccountID, reward ledger.Reward) (ledger.Reward, error) {
	actor, err := s.Accounts.Actor(ctx, actorID)
	if err != nil {
		return ledger.Reward{}, err
	}
	if err := s.Policy.Authorize(actor, ledger.OpManageCatalog, reward); err != nil {
		return ledger.Reward{}, err
	}
	reward, err = normalize(reward)
	if err != nil {
		return ledger.Reward{}, ledger.InvalidArgument("%s", err.Error())
	}
	if err := s.Store.UpsertReward(ctx, reward); err != nil {
		return ledger.Reward{}, ledger.Classify(ctx, s.Logger, string(ledger.OpManageCatalog), err)
	}
	s.Logger.InfoContext(ctx, "catalog entry saved", "reward_id", reward.ID, "actor_id", actorID)
	return reward, nil
}

// Seed writes catalog entries at boot. No actor is involved.
func (s *Service) Seed(ctx context.Context, rewards []ledger.Reward) error {
	for _, r := range rewards {
		if err := s.Store.UpsertReward(ctx, r); err != nil {
			return fmt.Errorf("seed reward %s: %w", r.ID, err)
		}
	}
	s.Logger.InfoContext(ctx, "reward catalog seeded", "count", len(rewards))
	return nil
}
