/**
 * @description
 * Sentinel errors shared by the tier stores and clients. Handlers translate
 * these into the API error taxonomy; nothing below this layer surfaces raw
 * transport failures.
 */

package store

import "errors"

var (
	// ErrGroupNotFound means no tier could resolve the group id.
	ErrGroupNotFound = errors.New("group not found")

	// ErrObjectNotFound means the durable store has no object at the key.
	ErrObjectNotFound = errors.New("object not found")

	// ErrRemoteUnavailable means a remote tier timed out or failed at the
	// transport level. Callers degrade; they never abort on it.
	ErrRemoteUnavailable = errors.New("remote tier unavailable")

	// ErrIntegrityMismatch means a recomputed metadata hash disagreed with
	// the stored one. It triggers reconciliation.
	ErrIntegrityMismatch = errors.New("metadata hash mismatch")
)
