package app

import (
	"context"
	"testing"

	"github.com/squadsave/group-service/internal/domain"
	"github.com/squadsave/group-service/internal/integrity"
	"github.com/squadsave/group-service/pkg/ledgerclient"
	"github.com/squadsave/group-service/pkg/objectstore"
)

func TestReconcileClearsPendingSyncAfterRecovery(t *testing.T) {
	env := newTestEnv()
	env.objects.failPuts = true

	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	cached, _ := env.cache.Get(group.ID)
	if !cached.PendingSync {
		t.Fatal("expected pending_sync=true while the object store is down")
	}

	// The object store recovers; the sweep drains the flag.
	env.objects.mu.Lock()
	env.objects.failPuts = false
	env.objects.mu.Unlock()

	repaired, err := env.service.ReconcileGroup(context.Background(), group.ID)
	if err != nil {
		t.Fatalf("ReconcileGroup returned error: %v", err)
	}
	if repaired.PendingSync {
		t.Fatal("pending_sync should clear once the durable push succeeds")
	}
	if !integrity.VerifyGroup(repaired) {
		t.Fatal("reconciled group failed verification")
	}

	// Cache and durable now agree byte for byte on the hash.
	var doc groupDocument
	if err := env.objects.decode(objectstore.GroupKey(group.ID), &doc); err != nil {
		t.Fatalf("group document missing: %v", err)
	}
	if doc.Group.MetadataHash != repaired.MetadataHash {
		t.Fatalf("tier hashes disagree: durable=%s cache=%s", doc.Group.MetadataHash, repaired.MetadataHash)
	}
}

func TestReconcileAdoptsLedgerFacts(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	// The contract saw contributions this process missed.
	ledgerAmount := group.CurrentAmount + domain.ToGwei(2)
	env.ledger.setDetails(&ledgerclient.GroupDetails{
		GroupID:            group.ID,
		Name:               group.Name,
		Creator:            group.Creator,
		ContributionAmount: group.ContributionAmount,
		CurrentAmount:      ledgerAmount,
		TargetAmount:       group.TargetAmount,
		IsActive:           true,
		Members: []ledgerclient.MemberDetails{{
			Address:     group.Creator,
			Nickname:    group.Members[0].Nickname,
			Contributed: ledgerAmount,
			AuraPoints:  group.Members[0].AuraPoints,
		}},
	})

	repaired, err := env.service.ReconcileGroup(context.Background(), group.ID)
	if err != nil {
		t.Fatalf("ReconcileGroup returned error: %v", err)
	}
	if repaired.CurrentAmount != ledgerAmount {
		t.Fatalf("expected ledger amount %d, got %d", ledgerAmount, repaired.CurrentAmount)
	}
	if repaired.FindMember(group.Creator).Contributed != ledgerAmount {
		t.Fatal("member totals should adopt the ledger's facts")
	}
	// Local-only metadata survives.
	if repaired.Description != group.Description || repaired.InviteCode != group.InviteCode {
		t.Fatal("locally held metadata must survive reconciliation")
	}
	if repaired.FindMember(group.Creator).Role != domain.RoleCreator {
		t.Fatal("creator role must survive reconciliation")
	}
}

func TestReconcileSkipsWhileConfirmationPending(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	// Stale contract view plus a pending watcher: the optimistic local total
	// must not be rolled back mid-flight.
	env.ledger.setDetails(&ledgerclient.GroupDetails{
		GroupID:       group.ID,
		Creator:       group.Creator,
		CurrentAmount: 0,
		IsActive:      true,
	})
	cached, _ := env.cache.Get(group.ID)
	cached.PendingChainConfirmation = true
	env.cache.Put(cached)

	kept, err := env.service.ReconcileGroup(context.Background(), group.ID)
	if err != nil {
		t.Fatalf("ReconcileGroup returned error: %v", err)
	}
	if kept.CurrentAmount != group.CurrentAmount {
		t.Fatalf("pending group was rolled back: %d -> %d", group.CurrentAmount, kept.CurrentAmount)
	}
}

func TestReconcileAllReport(t *testing.T) {
	env := newTestEnv()
	env.objects.failPuts = true

	groupA, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	if _, _, err := env.service.CreateGroup(context.Background(), domain.CreateGroupRequest{
		Name:               "Second Circle",
		Creator:            "0xCreator00000000000000000000000000000002",
		ContributionAmount: 1,
	}); err != nil {
		t.Fatalf("second CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	env.objects.mu.Lock()
	env.objects.failPuts = false
	env.objects.mu.Unlock()

	report := env.service.ReconcileAll(context.Background())
	if report.Scanned != 2 {
		t.Fatalf("expected 2 scanned, got %+v", report)
	}
	if report.SyncCleared != 2 {
		t.Fatalf("expected 2 sync_cleared, got %+v", report)
	}

	repaired, _ := env.cache.Get(groupA.ID)
	if repaired.PendingSync {
		t.Fatal("pending_sync should be drained by the sweep")
	}
}

func TestReconcileAllSkipsUnreachableDurable(t *testing.T) {
	env := newTestEnv()
	if _, _, err := createTestGroup(env); err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	env.objects.mu.Lock()
	env.objects.failPuts = true
	env.objects.failList = true
	env.objects.mu.Unlock()

	report := env.service.ReconcileAll(context.Background())
	if report.Scanned != 1 {
		t.Fatalf("expected the cached group to be scanned, got %+v", report)
	}
	if report.DurableSkipped != 1 {
		t.Fatalf("expected 1 durable_skipped, got %+v", report)
	}
}
