/*
policy.go - Central authorization and tier eligibility

PURPOSE:
  Every workflow entry point asks the same Policy whether the acting
  account may perform an operation on a resource. No role or tier check
  lives anywhere else.

RULES:
  complete/start service request, list open requests: concierge or admin
  submit service request, redeem reward:              any account
  view ledger of an account:                          owner or staff
  set role, set tier, verify ledger, manage catalog,
  manual adjustment:                                  admin

TIER ELIGIBILITY:
  Which rewards a tier may redeem is configurable because historical
  revisions of the product disagreed:
    at_least (default): privilege members redeem everything, essential
                        members only essential rewards
    exact:              the member tier must equal the reward tier
*/
package ledger

import "fmt"

type Operation string

const (
	OpCompleteServiceRequest Operation = "completeServiceRequest"
	OpStartServiceRequest    Operation = "startServiceRequest"
	OpSubmitServiceRequest   Operation = "submitServiceRequest"
	OpListOpenRequests       Operation = "listOpenServiceRequests"
	OpRedeemReward           Operation = "redeemReward"
	OpViewLedger             Operation = "viewLedger"
	OpVerifyLedger           Operation = "verifyLedger"
	OpSetRole                Operation = "setRole"
	OpSetTier                Operation = "setTier"
	OpManageCatalog          Operation = "manageCatalog"
	OpAdjustBalance          Operation = "adjustBalance"
)

type TierRule string

const (
	TierRuleAtLeast TierRule = "at_least"
	TierRuleExact   TierRule = "exact"
)

// ParseTierRule accepts the configuration spelling of a rule.
func ParseTierRule(s string) (TierRule, error) {
	switch TierRule(s) {
	case "", TierRuleAtLeast:
		return TierRuleAtLeast, nil
	case TierRuleExact:
		return TierRuleExact, nil
	}
	return "", fmt.Errorf("unknown tier rule %q", s)
}

// Policy evaluates (actor, operation, resource).
type Policy struct {
	TierRule TierRule
}

func NewPolicy(rule TierRule) Policy {
	if rule == "" {
		rule = TierRuleAtLeast
	}
	return Policy{TierRule: rule}
}

// Eligible reports whether a member tier may redeem a reward tier.
func (p Policy) Eligible(member, required Tier) bool {
	if p.TierRule == TierRuleExact {
		return member == required
	}
	return member.rank() >= required.rank()
}

// Authorize returns nil when actor may perform op on resource.
// A nil actor is always Unauthenticated.
//
// Recognized resources: Reward (redeemReward tier gate) and AccountID
// (viewLedger ownership). Other operations ignore the resource.
func (p Policy) Authorize(actor *Account, op Operation, resource any) error {
	if actor == nil {
		return Unauthenticated("caller is not authenticated")
	}

	switch op {
	case OpCompleteServiceRequest, OpStartServiceRequest, OpListOpenRequests:
		if !actor.Role.IsStaff() {
			return PermissionDenied("only a concierge can perform %s", op)
		}
		return nil

	case OpSubmitServiceRequest:
		return nil

	case OpRedeemReward:
		reward, ok := resource.(Reward)
		if !ok {
			return nil
		}
		if !p.Eligible(actor.Tier, reward.RequiredTier) {
			return PermissionDenied("reward %q requires the %s tier", reward.Title, reward.RequiredTier)
		}
		return nil

	case OpViewLedger:
		if target, ok := resource.(AccountID); ok && target == actor.ID {
			return nil
		}
		if actor.Role.IsStaff() {
			return nil
		}
		return PermissionDenied("cannot view another member's history")

	case OpVerifyLedger, OpSetRole, OpSetTier, OpManageCatalog, OpAdjustBalance:
		if actor.Role != RoleAdmin {
			return PermissionDenied("only an admin can perform %s", op)
		}
		return nil
	}

	return PermissionDenied("unknown operation %s", op)
}
