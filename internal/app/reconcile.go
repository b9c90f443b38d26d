/**
 * @description
 * Reconciliation: the repair path that drains pending_sync and ledger_diverged
 * flags. The ledger is authoritative for pooled amount, membership, and
 * liveness; the durable store and cache are corrected toward it. Each tier
 * degrades independently: an unreachable ledger skips fact adoption but the
 * durable push still runs, and vice versa. Single-group reconciliation backs
 * cache-served reads; ReconcileAll is the sweep the cron scheduler runs.
 *
 * @dependencies
 * - context, errors, log, strings: Standard Go libraries.
 * - internal/domain, internal/integrity, internal/store: Models, hashing, cache tier.
 * - pkg/objectstore: Durable key layout for the sweep.
 */

package app

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/squadsave/group-service/internal/domain"
	"github.com/squadsave/group-service/internal/integrity"
	"github.com/squadsave/group-service/internal/store"
	"github.com/squadsave/group-service/pkg/objectstore"
)

// ReconcileGroup re-reads one group across all three tiers and converges the
// faster tiers on the ledger's facts. It returns the corrected record.
func (s *Service) ReconcileGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	s.cache.Lock(groupID)
	defer s.cache.Unlock(groupID)
	group, _, err := s.reconcileLocked(ctx, groupID)
	return group, err
}

// reconcileLocked converges one group; callers hold the group lock. The
// second return reports whether the ledger's facts were actually applied.
func (s *Service) reconcileLocked(ctx context.Context, groupID string) (*domain.Group, bool, error) {
	// Base record: cache copy, durable as backstop. This carries the fields
	// the ledger does not hold (description, emails, schedule, invite code).
	now := s.now().UTC()
	adopted := domain.StorageRecord{Tier: domain.TierCache, FetchedAt: now}
	group, cacheErr := s.cache.Get(groupID)
	if cacheErr != nil {
		var durableResult store.TierResult
		group, durableResult = s.readDurable(ctx, groupID)
		if durableResult.Status == store.TierFailed {
			return nil, false, durableResult.Err
		}
		adopted.Tier = domain.TierDurable
	}
	adopted.Group = group

	// A transaction still awaiting confirmation means the ledger lags the
	// local record on purpose; adopting its facts now would roll back the
	// optimistic update. Only the durable drain runs in that window.
	ledgerApplied := false
	if group == nil || !group.PendingChainConfirmation {
		ledgerView, ledgerResult := s.readLedger(ctx, groupID, group)
		switch ledgerResult.Status {
		case store.TierOK:
			candidate := domain.StorageRecord{Group: ledgerView, Tier: domain.TierLedger, FetchedAt: now}
			if candidate.Authority() > adopted.Authority() {
				adopted = candidate
				adopted.Group.LedgerDiverged = false
				ledgerApplied = true
			}
		case store.TierNotFound:
			// Contract does not know the group yet (creation still in
			// flight). Nothing to converge on.
			if group == nil {
				return nil, false, store.ErrGroupNotFound
			}
		default:
			if group == nil {
				return nil, false, ledgerResult.Err
			}
			log.Printf("level=warn component=service flow=reconcile msg=\"ledger unreachable; keeping local facts\" group_id=%s err=%v", groupID, ledgerResult.Err)
		}
	}
	group = adopted.Group

	if err := integrity.StampGroup(group); err != nil {
		return nil, ledgerApplied, err
	}
	s.cache.Put(group)

	if result := s.writeDurable(ctx, group, nil); result.Degraded() {
		group.PendingSync = true
		s.cache.Put(group)
		log.Printf("level=warn component=service flow=reconcile msg=\"durable push degraded; pending_sync retained\" group_id=%s err=%v", groupID, result.Err)
		return group, ledgerApplied, nil
	}

	if group.PendingSync {
		group.PendingSync = false
		if err := integrity.StampGroup(group); err != nil {
			return nil, ledgerApplied, err
		}
		s.cache.Put(group)
		// The flag flip changes the stored document, push once more.
		if result := s.writeDurable(ctx, group, nil); result.Degraded() {
			group.PendingSync = true
			s.cache.Put(group)
			return group, ledgerApplied, nil
		}
		log.Printf("level=info component=service flow=reconcile msg=\"pending sync cleared\" group_id=%s revision=%d", groupID, group.Revision)
	}
	return group, ledgerApplied, nil
}

// ReconcileAll sweeps every known group: the cached set plus whatever the
// durable listing reveals. Unreachable tiers skip a group rather than failing
// the pass.
func (s *Service) ReconcileAll(ctx context.Context) domain.ReconcileReport {
	report := domain.ReconcileReport{}

	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, g := range s.cache.List("") {
		if !seen[g.ID] {
			seen[g.ID] = true
			ids = append(ids, g.ID)
		}
	}

	keys, err := s.objects.ListObjects(ctx, objectstore.GroupsPrefix())
	if err != nil {
		log.Printf("level=warn component=service flow=reconcile msg=\"durable listing unavailable; sweeping cached groups only\" err=%v", err)
	}
	for _, key := range keys {
		if id := groupIDFromKey(key); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		s.cache.Lock(id)
		before, beforeErr := s.cache.Get(id)
		hadPending := beforeErr == nil && before.PendingSync
		hadDiverged := beforeErr == nil && before.LedgerDiverged

		after, ledgerApplied, err := s.reconcileLocked(ctx, id)
		s.cache.Unlock(id)

		switch {
		case err == nil:
		case errors.Is(err, store.ErrIntegrityMismatch):
			report.Quarantined++
			continue
		case errors.Is(err, store.ErrGroupNotFound):
			continue
		default:
			report.LedgerSkipped++
			continue
		}

		if !ledgerApplied {
			report.LedgerSkipped++
		}
		if after.PendingSync {
			report.DurableSkipped++
		} else if hadPending {
			report.SyncCleared++
		}
		if hadDiverged && !after.LedgerDiverged {
			report.Repaired++
		}
	}

	log.Printf("level=info component=service flow=reconcile msg=\"reconcile pass complete\" scanned=%d repaired=%d sync_cleared=%d ledger_skipped=%d durable_skipped=%d quarantined=%d",
		report.Scanned, report.Repaired, report.SyncCleared, report.LedgerSkipped, report.DurableSkipped, report.Quarantined)
	return report
}

// groupIDFromKey recovers the group id from a groups/group_{id}.json key.
func groupIDFromKey(key string) string {
	name := strings.TrimPrefix(key, objectstore.GroupsPrefix())
	name = strings.TrimPrefix(name, "group_")
	return strings.TrimSuffix(name, ".json")
}
