/*
Package ledger provides the points-accounting engine.

PURPOSE:
  This package owns the records that carry invariants in Collectif Connect:
  member accounts with their point balance, the append-only ledger of every
  point movement, service requests and the reward catalog. Workflows in the
  concierge, rewards and community packages move points exclusively through
  the primitives defined here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: A member or staff identity with tier, role and point balance
  - Entry: An immutable ledger record (award or redemption)
  - ServiceRequest: A member's ask for a partner service
  - Reward: A catalog item redeemable for points

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified or deleted
  2. Conservation: balance == sum(entry deltas) after every commit
  3. Atomicity: balance change and entry are written in the same Tx
  4. Server time: CreatedAt and Seq are assigned by the store

SEE ALSO:
  - store.go: Tx and Store contracts
  - ledger.go: Posting and history
  - accounts.go: Account lifecycle
  - policy.go: Authorization and tier eligibility
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string
type RequestID string
type RewardID string

// =============================================================================
// ENUMS
// =============================================================================

// Tier is the membership level. Changed only by explicit admin action.
type Tier string

const (
	TierEssential Tier = "essential"
	TierPrivilege Tier = "privilege"
)

func (t Tier) Valid() bool {
	return t == TierEssential || t == TierPrivilege
}

// rank orders tiers for the at-least eligibility rule.
func (t Tier) rank() int {
	switch t {
	case TierPrivilege:
		return 2
	case TierEssential:
		return 1
	}
	return 0
}

// Role is the authorization attribute of an account.
type Role string

const (
	RoleMember    Role = "member"
	RoleConcierge Role = "concierge"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleMember || r == RoleConcierge || r == RoleAdmin
}

// IsStaff reports whether the role may operate the concierge back office.
func (r Role) IsStaff() bool {
	return r == RoleConcierge || r == RoleAdmin
}

// EntryKind tags a ledger entry. The set is open: new earning rules add kinds.
type EntryKind string

const (
	KindServiceReward    EntryKind = "service_reward"
	KindRewardRedemption EntryKind = "reward_redemption"
	KindForumPostReward  EntryKind = "forum_post_reward"
	KindAdjustment       EntryKind = "adjustment" // manual admin correction
)

type RequestStatus string

const (
	StatusNew        RequestStatus = "new"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
)

func (s RequestStatus) Valid() bool {
	return s == StatusNew || s == StatusInProgress || s == StatusCompleted
}

// IsOpen reports whether the request still waits for a concierge.
func (s RequestStatus) IsOpen() bool {
	return s == StatusNew || s == StatusInProgress
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Identity is what the identity provider hands over on sign-up.
type Identity struct {
	ID          AccountID
	Email       string
	DisplayName string
}

// DefaultDisplayName is used when the identity provider has no display name.
const DefaultDisplayName = "Nouveau Membre"

type Account struct {
	ID          AccountID
	DisplayName string
	Email       string
	Tier        Tier
	Role        Role
	Balance     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Version is bumped by the store on every write. Engines with optimistic
	// concurrency compare it at commit.
	Version int64
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Entry is one immutable ledger record.
// Positive Delta = award, negative Delta = redemption.
type Entry struct {
	ID             EntryID
	AccountID      AccountID
	Kind           EntryKind
	Delta          int64
	Description    string
	RelatedID      string
	IdempotencyKey string
	ActorID        AccountID

	// Assigned by the store.
	CreatedAt time.Time
	Seq       int64
}

// =============================================================================
// SERVICE REQUEST
// =============================================================================

type ServiceRequest struct {
	ID          RequestID
	MemberID    AccountID
	Description string
	Status      RequestStatus
	ValidatedBy AccountID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Version     int64
}

// =============================================================================
// REWARD
// =============================================================================

// Reward is a catalog entry. Read-only to the redemption workflow.
type Reward struct {
	ID           RewardID
	Title        string
	Description  string
	PointsCost   int64
	RequiredTier Tier
	Active       bool
}
