/**
 * @description
 * Metadata integrity verification for group records. A group's canonical
 * serialization (object keys sorted recursively, compact encoding, hash and
 * sync-provenance fields excluded) is hashed with SHA-256; the hex digest is
 * stored alongside the record in every tier. A recomputed digest that differs
 * from the stored one means the tiers have diverged and reconciliation is due.
 *
 * @dependencies
 * - crypto/sha256, encoding/hex, encoding/json, bytes, sort: Standard Go libraries.
 * - internal/domain: The group model being hashed.
 */

package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/squadsave/group-service/internal/domain"
)

// groupHashView is the projection of a group that participates in hashing.
// MetadataHash, the sync flags, and UpdatedAt are provenance and excluded so
// that stamping a record does not change what the stamp covers.
type groupHashView struct {
	ID                  string          `json:"group_id"`
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	Creator             string          `json:"creator"`
	ContributionAmount  int64           `json:"contribution_amount"`
	CurrentAmount       int64           `json:"current_amount"`
	TargetAmount        int64           `json:"target_amount"`
	Duration            string          `json:"duration"`
	WithdrawalDate      time.Time       `json:"withdrawal_date"`
	DueDay              int             `json:"due_day"`
	NextContributionDue time.Time       `json:"next_contribution_due"`
	InviteCode          string          `json:"invite_code"`
	Members             []domain.Member `json:"members"`
	IsActive            bool            `json:"is_active"`
	Revision            int64           `json:"revision"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Canonicalize produces the deterministic serialization of any JSON-encodable
// value: keys sorted recursively, no extraneous whitespace, numbers preserved
// verbatim via json.Number.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record for canonicalization: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode record for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}

// HashGroup computes the hex-encoded SHA-256 digest of the group's canonical
// serialization.
func HashGroup(g *domain.Group) (string, error) {
	if g == nil {
		return "", fmt.Errorf("cannot hash nil group")
	}

	view := groupHashView{
		ID:                  g.ID,
		Name:                g.Name,
		Description:         g.Description,
		Creator:             g.Creator,
		ContributionAmount:  g.ContributionAmount,
		CurrentAmount:       g.CurrentAmount,
		TargetAmount:        g.TargetAmount,
		Duration:            g.Duration,
		WithdrawalDate:      g.WithdrawalDate.UTC(),
		DueDay:              g.DueDay,
		NextContributionDue: g.NextContributionDue.UTC(),
		InviteCode:          g.InviteCode,
		Members:             g.Members,
		IsActive:            g.IsActive,
		Revision:            g.Revision,
		CreatedAt:           g.CreatedAt.UTC(),
	}
	if view.Members == nil {
		view.Members = []domain.Member{}
	}

	canonical, err := Canonicalize(view)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// HashValue computes the hex-encoded SHA-256 digest of any JSON-encodable
// value's canonical serialization. Used for the durable tier's contribution
// and invite documents.
func HashValue(v interface{}) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// StampGroup recomputes the group's metadata hash in place. Every orchestrated
// write calls this before the record leaves the process.
func StampGroup(g *domain.Group) error {
	digest, err := HashGroup(g)
	if err != nil {
		return err
	}
	g.MetadataHash = digest
	return nil
}

// VerifyGroup recomputes the digest and compares it to the stored one.
// A group without a stored hash never verifies.
func VerifyGroup(g *domain.Group) bool {
	if g == nil || g.MetadataHash == "" {
		return false
	}
	digest, err := HashGroup(g)
	if err != nil {
		return false
	}
	return digest == g.MetadataHash
}
