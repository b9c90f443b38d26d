/**
 * @description
 * This file defines the core domain models for the group-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout
 * the service's business logic, tier clients, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, tier documents, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` to represent the value in gwei (1e-9 native
 *   units), which avoids floating-point inaccuracies with money. The API layer
 *   converts between native-unit decimals and gwei.
 */

package domain

import (
	"math"
	"strings"
	"time"
)

// Limits and reward constants applied by the join and contribution flows.
const (
	MaxMembers             = 10
	InviteCodeLength       = 6
	JoinAuraPoints         = 5
	BaseContributionAura   = 10
	EarlyContributionBonus = 5

	// GweiPerUnit is the number of gwei in one whole native currency unit.
	GweiPerUnit = 1_000_000_000
)

// MemberStatus enumerates the lifecycle states of a group member.
type MemberStatus string

const (
	MemberStatusActive  MemberStatus = "active"
	MemberStatusPending MemberStatus = "pending"
	MemberStatusMissed  MemberStatus = "missed"
)

// MemberRole distinguishes the group creator from ordinary members.
type MemberRole string

const (
	RoleCreator MemberRole = "creator"
	RoleMember  MemberRole = "member"
)

// Tier identifies which storage tier produced a record.
type Tier string

const (
	TierCache   Tier = "cache"
	TierDurable Tier = "durable"
	TierLedger  Tier = "ledger"
)

// Group is the central savings-pool aggregate. It is the record that must stay
// coherent across the cache, durable store, and ledger tiers.
type Group struct {
	ID                  string    `json:"group_id"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	Creator             string    `json:"creator"`
	ContributionAmount  int64     `json:"contribution_amount"` // in gwei
	CurrentAmount       int64     `json:"current_amount"`      // in gwei
	TargetAmount        int64     `json:"target_amount"`       // in gwei
	Duration            string    `json:"duration"`
	WithdrawalDate      time.Time `json:"withdrawal_date"`
	DueDay              int       `json:"due_day"`
	NextContributionDue time.Time `json:"next_contribution_due"`
	InviteCode          string    `json:"invite_code"`
	Members             []Member  `json:"members"`
	IsActive            bool      `json:"is_active"`

	// Revision is an integer revision counter bumped once per successful
	// orchestrated mutation. It replaces the float "version" string the
	// original stored, which had no sound ordering.
	Revision int64 `json:"revision"`

	// MetadataHash is the hex SHA-256 of the canonical serialization of the
	// group, excluding the hash itself and the sync flags below.
	MetadataHash string `json:"metadata_hash"`

	// Sync flags. These are provenance, not group state: they are excluded
	// from canonicalization and never authoritative across tiers.
	PendingSync              bool `json:"pending_sync"`
	PendingChainConfirmation bool `json:"pending_chain_confirmation"`
	LedgerDiverged           bool `json:"ledger_diverged"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is one participant in a group. Addresses are unique within a group,
// compared case-insensitively.
type Member struct {
	Address     string       `json:"address"`
	Nickname    string       `json:"nickname"`
	Email       string       `json:"email,omitempty"`
	Contributed int64        `json:"contributed"` // in gwei, cumulative
	AuraPoints  int64        `json:"aura_points"`
	Status      MemberStatus `json:"status"`
	Role        MemberRole   `json:"role"`
	JoinedAt    time.Time    `json:"joined_at"`
}

// Contribution is one confirmed (or pending) payment into a group.
type Contribution struct {
	ID              string    `json:"id"`
	GroupID         string    `json:"group_id"`
	Contributor     string    `json:"contributor"`
	Amount          int64     `json:"amount"` // in gwei
	Timestamp       time.Time `json:"timestamp"`
	AuraPoints      int64     `json:"aura_points"`
	IsEarly         bool      `json:"is_early"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
}

// StorageRecord wraps a group together with tier provenance. It only travels
// inside the orchestrator and is never persisted as-is.
type StorageRecord struct {
	Group     *Group
	Tier      Tier
	FetchedAt time.Time
}

// Authority reports the reconciliation priority of the record's tier.
// Ledger > durable > cache.
func (r StorageRecord) Authority() int {
	switch r.Tier {
	case TierLedger:
		return 3
	case TierDurable:
		return 2
	default:
		return 1
	}
}

// FindMember returns the member with the given address, matched
// case-insensitively, or nil.
func (g *Group) FindMember(address string) *Member {
	for i := range g.Members {
		if strings.EqualFold(g.Members[i].Address, address) {
			return &g.Members[i]
		}
	}
	return nil
}

// HasMember reports whether the address already belongs to the group.
func (g *Group) HasMember(address string) bool {
	return g.FindMember(address) != nil
}

// GoalReached reports whether the pool has collected its target. Callers that
// gate money decisions on this must use a ledger-reconciled record.
func (g *Group) GoalReached() bool {
	return g.TargetAmount > 0 && g.CurrentAmount >= g.TargetAmount
}

// Clone returns a deep copy of the group. Tier stores hand out copies so that
// callers can never mutate shared state in place.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	clone := *g
	clone.Members = make([]Member, len(g.Members))
	copy(clone.Members, g.Members)
	return &clone
}

// ToGwei converts a native-unit decimal amount to gwei, rounding to the
// nearest integer the way the API accepts it. Callers must validate input
// with ValidAmountUnits first; out-of-range floats overflow int64.
func ToGwei(units float64) int64 {
	return int64(math.Round(units * GweiPerUnit))
}

// ValidAmountUnits reports whether a native-unit amount converts to a
// non-negative gwei value without overflowing int64. NaN and infinities are
// rejected along with anything that rounds to 2^63 or beyond.
func ValidAmountUnits(units float64) bool {
	if math.IsNaN(units) || units < 0 {
		return false
	}
	return math.Round(units*GweiPerUnit) < float64(math.MaxInt64)
}

// FromGwei converts a gwei amount back to native units for responses.
func FromGwei(amount int64) float64 {
	return float64(amount) / GweiPerUnit
}

// NormalizeAddress lowercases a wallet address for comparisons and map keys.
// Stored records keep the address exactly as the caller supplied it.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// CreateGroupRequest is the DTO for incoming group creation API requests.
type CreateGroupRequest struct {
	Name               string  `json:"name"`
	Description        string  `json:"description"`
	Creator            string  `json:"creator"`
	CreatorNickname    string  `json:"creator_nickname"`
	CreatorEmail       string  `json:"creator_email,omitempty"`
	ContributionAmount float64 `json:"contribution_amount"` // native units
	TargetAmount       float64 `json:"target_amount"`       // native units
	Duration           string  `json:"duration"`
	DueDay             int     `json:"due_day"`
}

// UpdateGroupRequest is the DTO for partial group updates. Nil fields are
// left untouched.
type UpdateGroupRequest struct {
	Name         *string  `json:"name,omitempty"`
	Description  *string  `json:"description,omitempty"`
	TargetAmount *float64 `json:"target_amount,omitempty"` // native units
	DueDay       *int     `json:"due_day,omitempty"`
}

// ContributeRequest is the DTO for contribution API requests.
type ContributeRequest struct {
	Contributor string  `json:"contributor"`
	Amount      float64 `json:"amount"` // native units
}

// JoinResult is returned by the join protocol on success.
type JoinResult struct {
	Group  *Group
	Member *Member
}

// GroupStats is the aggregate block returned by the admin listing.
type GroupStats struct {
	TotalGroups       int   `json:"total_groups"`
	ActiveGroups      int   `json:"active_groups"`
	TotalMembers      int   `json:"total_members"`
	TotalPooledAmount int64 `json:"total_pooled_amount"` // in gwei
	PendingSync       int   `json:"pending_sync"`
	PendingChain      int   `json:"pending_chain_confirmation"`
	LedgerDiverged    int   `json:"ledger_diverged"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned        int `json:"scanned"`
	Repaired       int `json:"repaired"`
	SyncCleared    int `json:"sync_cleared"`
	LedgerSkipped  int `json:"ledger_skipped"`
	DurableSkipped int `json:"durable_skipped"`
	Quarantined    int `json:"quarantined"`
}
