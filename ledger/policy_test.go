package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectif/connect-ledger/ledger"
)

func account(id string, role ledger.Role, tier ledger.Tier) *ledger.Account {
	return &ledger.Account{ID: ledger.AccountID(id), Role: role, Tier: tier}
}

func TestPolicy_NilActor_Unauthenticated(t *testing.T) {
	p := ledger.NewPolicy(ledger.TierRuleAtLeast)

	for _, op := range []ledger.Operation{
		ledger.OpCompleteServiceRequest,
		ledger.OpRedeemReward,
		ledger.OpViewLedger,
		ledger.OpSetRole,
	} {
		err := p.Authorize(nil, op, nil)
		assert.Equal(t, ledger.KindUnauthenticated, ledger.KindOf(err), "op %s", op)
	}
}

func TestPolicy_CompleteServiceRequest_StaffOnly(t *testing.T) {
	p := ledger.NewPolicy(ledger.TierRuleAtLeast)

	tests := []struct {
		role    ledger.Role
		allowed bool
	}{
		{ledger.RoleMember, false},
		{ledger.RoleConcierge, true},
		{ledger.RoleAdmin, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			err := p.Authorize(account("a", tt.role, ledger.TierEssential), ledger.OpCompleteServiceRequest, nil)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, ledger.KindPermissionDenied, ledger.KindOf(err))
			}
		})
	}
}

func TestPolicy_RedeemReward_TierRules(t *testing.T) {
	essentialReward := ledger.Reward{ID: "r-ess", Title: "Coffee", RequiredTier: ledger.TierEssential}
	privilegeReward := ledger.Reward{ID: "r-priv", Title: "Spa", RequiredTier: ledger.TierPrivilege}

	tests := []struct {
		name    string
		rule    ledger.TierRule
		member  ledger.Tier
		reward  ledger.Reward
		allowed bool
	}{
		{"at_least essential on essential", ledger.TierRuleAtLeast, ledger.TierEssential, essentialReward, true},
		{"at_least essential on privilege", ledger.TierRuleAtLeast, ledger.TierEssential, privilegeReward, false},
		{"at_least privilege on essential", ledger.TierRuleAtLeast, ledger.TierPrivilege, essentialReward, true},
		{"at_least privilege on privilege", ledger.TierRuleAtLeast, ledger.TierPrivilege, privilegeReward, true},
		{"exact essential on essential", ledger.TierRuleExact, ledger.TierEssential, essentialReward, true},
		{"exact essential on privilege", ledger.TierRuleExact, ledger.TierEssential, privilegeReward, false},
		{"exact privilege on essential", ledger.TierRuleExact, ledger.TierPrivilege, essentialReward, false},
		{"exact privilege on privilege", ledger.TierRuleExact, ledger.TierPrivilege, privilegeReward, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ledger.NewPolicy(tt.rule)
			err := p.Authorize(account("m", ledger.RoleMember, tt.member), ledger.OpRedeemReward, tt.reward)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, ledger.KindPermissionDenied, ledger.KindOf(err))
				assert.Contains(t, ledger.MessageOf(err), tt.reward.Title)
			}
		})
	}
}

func TestPolicy_ViewLedger_OwnerOrStaff(t *testing.T) {
	p := ledger.NewPolicy(ledger.TierRuleAtLeast)
	owner := account("m-1", ledger.RoleMember, ledger.TierEssential)
	other := account("m-2", ledger.RoleMember, ledger.TierEssential)
	concierge := account("c-1", ledger.RoleConcierge, ledger.TierEssential)

	assert.NoError(t, p.Authorize(owner, ledger.OpViewLedger, ledger.AccountID("m-1")))
	assert.NoError(t, p.Authorize(concierge, ledger.OpViewLedger, ledger.AccountID("m-1")))
	err := p.Authorize(other, ledger.OpViewLedger, ledger.AccountID("m-1"))
	assert.Equal(t, ledger.KindPermissionDenied, ledger.KindOf(err))
}

func TestPolicy_AdminOperations(t *testing.T) {
	p := ledger.NewPolicy(ledger.TierRuleAtLeast)
	admin := account("root", ledger.RoleAdmin, ledger.TierEssential)
	concierge := account("c-1", ledger.RoleConcierge, ledger.TierPrivilege)

	for _, op := range []ledger.Operation{
		ledger.OpVerifyLedger, ledger.OpSetRole, ledger.OpSetTier,
		ledger.OpManageCatalog, ledger.OpAdjustBalance,
	} {
		assert.NoError(t, p.Authorize(admin, op, nil), "admin %s", op)
		assert.Equal(t, ledger.KindPermissionDenied, ledger.KindOf(p.Authorize(concierge, op, nil)), "concierge %s", op)
	}
}

func TestParseTierRule(t *testing.T) {
	rule, err := ledger.ParseTierRule("")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierRuleAtLeast, rule)

	rule, err = ledger.ParseTierRule("exact")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierRuleExact, rule)

	_, err = ledger.ParseTierRule("highest")
	assert.Error(t, err)
}
