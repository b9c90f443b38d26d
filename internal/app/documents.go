/**
 * @description
 * Typed documents for the durable tier. Every object crossing the durable
 * store boundary is parsed into one of these shapes and validated; blobs that
 * fail to decode or whose stored hash disagrees with a recomputed one are
 * quarantined (skipped and logged), never propagated.
 */

package app

import (
	"time"

	"github.com/squadsave/group-service/internal/domain"
	"github.com/squadsave/group-service/internal/integrity"
)

// groupDocument wraps the group record stored at groups/group_{id}.json.
type groupDocument struct {
	Group        *domain.Group `json:"group"`
	MetadataHash string        `json:"metadata_hash"`
	StoredAt     time.Time     `json:"stored_at"`
}

// contributionsDocument is the append-only contribution log stored at
// contributions/group_{id}_contributions.json.
type contributionsDocument struct {
	GroupID       string                `json:"group_id"`
	Contributions []domain.Contribution `json:"contributions"`
	MetadataHash  string                `json:"metadata_hash"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// inviteDocument is the invite index stored at invites/group_{id}_invites.json.
// It lets a cold process rebuild the active invite code set without scanning
// every group document.
type inviteDocument struct {
	GroupID    string    `json:"group_id"`
	InviteCode string    `json:"invite_code"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newGroupDocument(g *domain.Group, now time.Time) groupDocument {
	return groupDocument{Group: g, MetadataHash: g.MetadataHash, StoredAt: now.UTC()}
}

func newInviteDocument(g *domain.Group, now time.Time) inviteDocument {
	return inviteDocument{GroupID: g.ID, InviteCode: g.InviteCode, Active: g.IsActive, UpdatedAt: now.UTC()}
}

// validate checks the envelope against its payload. A nil group, an id-less
// group, or a hash disagreement all disqualify the document.
func (d groupDocument) validate() error {
	if d.Group == nil || d.Group.ID == "" {
		return ErrValidation
	}
	if d.MetadataHash != "" && d.Group.MetadataHash == "" {
		d.Group.MetadataHash = d.MetadataHash
	}
	if !integrity.VerifyGroup(d.Group) {
		return errIntegrity(d.Group.ID)
	}
	return nil
}

func (d *contributionsDocument) stamp() error {
	d.MetadataHash = ""
	digest, err := integrity.HashValue(struct {
		GroupID       string                `json:"group_id"`
		Contributions []domain.Contribution `json:"contributions"`
	}{d.GroupID, d.Contributions})
	if err != nil {
		return err
	}
	d.MetadataHash = digest
	return nil
}

func (d contributionsDocument) verify() bool {
	stored := d.MetadataHash
	if stored == "" {
		return false
	}
	digest, err := integrity.HashValue(struct {
		GroupID       string                `json:"group_id"`
		Contributions []domain.Contribution `json:"contributions"`
	}{d.GroupID, d.Contributions})
	if err != nil {
		return false
	}
	return digest == stored
}
