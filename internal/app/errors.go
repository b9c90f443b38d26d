/**
 * @description
 * Application-level sentinel errors. Together with the store sentinels and the
 * ledger client's *TxError these form the full error taxonomy the API layer
 * translates into HTTP responses: NotFound, Unauthorized, Conflict,
 * RemoteUnavailable, IntegrityMismatch, TransactionFailed.
 */

package app

import (
	"errors"
	"fmt"

	"github.com/squadsave/group-service/internal/store"
)

var (
	// ErrValidation wraps request-shape problems (missing name, bad amount).
	ErrValidation = errors.New("invalid request")

	// ErrUnauthorized means an admin-key or creator-only check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInviteNotFound means no active group holds the invite code.
	ErrInviteNotFound = errors.New("invite code not found")

	// ErrAlreadyMember means the joining address already belongs to the group.
	ErrAlreadyMember = errors.New("already a member")

	// ErrGroupFull means the group reached its member cap.
	ErrGroupFull = errors.New("group is full")

	// ErrGroupClosed means the group is no longer active.
	ErrGroupClosed = errors.New("group is not active")

	// ErrNotMember means the acting address does not belong to the group.
	ErrNotMember = errors.New("not a group member")

	// ErrInviteExhausted means invite code generation kept colliding. With a
	// 36^6 space this only happens when the active-code set is pathological.
	ErrInviteExhausted = errors.New("could not generate a unique invite code")
)

func errIntegrity(groupID string) error {
	return fmt.Errorf("%w: group %s", store.ErrIntegrityMismatch, groupID)
}
