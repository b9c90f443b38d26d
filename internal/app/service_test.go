package app

import (
	"context"
	"errors"
	"testing"

	"github.com/squadsave/group-service/internal/domain"
	"github.com/squadsave/group-service/internal/integrity"
	"github.com/squadsave/group-service/internal/store"
	"github.com/squadsave/group-service/pkg/ledgerclient"
	"github.com/squadsave/group-service/pkg/objectstore"
)

func TestCreateGroupWritesAllTiers(t *testing.T) {
	env := newTestEnv()

	group, txHash, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	if txHash == "" {
		t.Fatal("expected a pending transaction hash")
	}
	if len(group.InviteCode) != domain.InviteCodeLength {
		t.Fatalf("invite code %q has wrong length", group.InviteCode)
	}
	if group.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", group.Revision)
	}
	if group.MetadataHash == "" {
		t.Fatal("group was not stamped")
	}

	// Creator seat: opening contribution counted, creator aura awarded.
	if len(group.Members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(group.Members))
	}
	creator := group.Members[0]
	if creator.Role != domain.RoleCreator {
		t.Fatalf("expected creator role, got %s", creator.Role)
	}
	wantContribution := domain.ToGwei(0.5)
	if creator.Contributed != wantContribution {
		t.Fatalf("expected creator contribution %d, got %d", wantContribution, creator.Contributed)
	}
	if group.CurrentAmount != wantContribution {
		t.Fatalf("expected current amount %d, got %d", wantContribution, group.CurrentAmount)
	}
	wantAura := int64(domain.JoinAuraPoints + domain.BaseContributionAura + domain.EarlyContributionBonus)
	if creator.AuraPoints != wantAura {
		t.Fatalf("expected creator aura %d, got %d", wantAura, creator.AuraPoints)
	}

	// Durable objects written.
	for _, key := range []string{
		objectstore.GroupKey(group.ID),
		objectstore.ContributionsKey(group.ID),
		objectstore.InvitesKey(group.ID),
	} {
		if !env.objects.has(key) {
			t.Fatalf("durable object %s was not written", key)
		}
	}

	// Ledger transaction submitted and created event published.
	methods := env.ledger.submittedMethods()
	if len(methods) != 1 || methods[0] != ledgerclient.MethodCreateGroup {
		t.Fatalf("unexpected ledger submissions: %v", methods)
	}
	if !env.producer.hasRoutingKey(domain.EventGroupCreated) {
		t.Fatalf("expected %s event, got %v", domain.EventGroupCreated, env.producer.routingKeys())
	}

	env.service.WaitForBackground()
	cached, err := env.cache.Get(group.ID)
	if err != nil {
		t.Fatalf("group missing from cache: %v", err)
	}
	if cached.PendingChainConfirmation {
		t.Fatal("pending_chain_confirmation should clear after confirmation")
	}
	if cached.PendingSync {
		t.Fatal("pending_sync should be false when the durable write succeeded")
	}
}

func TestCreateGroupValidation(t *testing.T) {
	env := newTestEnv()

	cases := []domain.CreateGroupRequest{
		{Creator: "0xabc", ContributionAmount: 1},                            // no name
		{Name: "g", ContributionAmount: 1},                                   // no creator
		{Name: "g", Creator: "0xabc"},                                        // no amount
		{Name: "g", Creator: "0xabc", ContributionAmount: -2},                // negative amount
		{Name: "g", Creator: "0xabc", ContributionAmount: 1, TargetAmount: -1}, // negative target
	}
	for i, req := range cases {
		if _, _, err := env.service.CreateGroup(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreateGroupRejectsUnrepresentableAmounts(t *testing.T) {
	env := newTestEnv()

	cases := []domain.CreateGroupRequest{
		{Name: "g", Creator: "0xabc", ContributionAmount: 1e300},
		{Name: "g", Creator: "0xabc", ContributionAmount: 1, TargetAmount: 1e300},
	}
	for i, req := range cases {
		if _, _, err := env.service.CreateGroup(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	env.objects.mu.Lock()
	stored := len(env.objects.objects)
	env.objects.mu.Unlock()
	if stored != 0 {
		t.Fatalf("expected no durable writes, found %d objects", stored)
	}
	env.ledger.mu.Lock()
	submitted := len(env.ledger.submitted)
	env.ledger.mu.Unlock()
	if submitted != 0 {
		t.Fatalf("expected no ledger submissions, found %d", submitted)
	}
}

func TestContributeRejectsUnrepresentableAmount(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	if _, _, err := env.service.Contribute(context.Background(), group.ID, group.Creator, 1e300); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestUpdateGroupRejectsUnrepresentableTarget(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	target := 1e300
	if _, err := env.service.UpdateGroup(context.Background(), group.ID, group.Creator, domain.UpdateGroupRequest{TargetAmount: &target}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateGroupDurableOutageDegrades(t *testing.T) {
	env := newTestEnv()
	env.objects.failPuts = true

	group, txHash, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("create should succeed despite durable outage, got %v", err)
	}
	if txHash == "" {
		t.Fatal("ledger submission should still happen")
	}
	if !group.PendingSync {
		t.Fatal("expected pending_sync=true after durable write failure")
	}
}

func TestCreateGroupLedgerFailureFlagsDivergence(t *testing.T) {
	env := newTestEnv()
	env.ledger.submitErr = &ledgerclient.TxError{Cause: ledgerclient.CauseInsufficientFunds, Message: "insufficient balance"}

	group, txHash, err := createTestGroup(env)
	var txErr *ledgerclient.TxError
	if !errors.As(err, &txErr) {
		t.Fatalf("expected *TxError, got %v", err)
	}
	if txErr.Cause != ledgerclient.CauseInsufficientFunds {
		t.Fatalf("expected insufficient_funds cause, got %s", txErr.Cause)
	}
	if txHash != "" {
		t.Fatal("no transaction hash should be returned on submit failure")
	}
	if group == nil || !group.LedgerDiverged {
		t.Fatal("expected ledger_diverged=true")
	}

	// The optimistic local writes are retained.
	if !env.objects.has(objectstore.GroupKey(group.ID)) {
		t.Fatal("durable record should be retained on ledger failure")
	}
	if _, cacheErr := env.cache.Get(group.ID); cacheErr != nil {
		t.Fatal("cache record should be retained on ledger failure")
	}
	if !env.producer.hasRoutingKey(domain.EventSyncDiverged) {
		t.Fatalf("expected %s event, got %v", domain.EventSyncDiverged, env.producer.routingKeys())
	}
}

func TestGetGroupFallsBackToDurable(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	// Simulate a fresh process: empty cache, durable intact.
	env.cache.Delete(group.ID)

	got, err := env.service.GetGroup(context.Background(), group.ID)
	if err != nil {
		t.Fatalf("GetGroup returned error: %v", err)
	}
	if got.ID != group.ID || got.InviteCode != group.InviteCode {
		t.Fatal("durable read returned a different group")
	}
	if !integrity.VerifyGroup(got) {
		t.Fatal("rehydrated group failed verification")
	}
}

func TestGetGroupUnknownID(t *testing.T) {
	env := newTestEnv()
	if _, err := env.service.GetGroup(context.Background(), "no-such-group"); !errors.Is(err, store.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestUpdateGroupCreatorOnly(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	name := "Renamed Circle"
	if _, err := env.service.UpdateGroup(context.Background(), group.ID, "0xSomeoneElse", domain.UpdateGroupRequest{Name: &name}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for non-creator, got %v", err)
	}

	before, _ := env.cache.Get(group.ID)
	updated, err := env.service.UpdateGroup(context.Background(), group.ID, group.Creator, domain.UpdateGroupRequest{Name: &name})
	if err != nil {
		t.Fatalf("UpdateGroup returned error: %v", err)
	}
	if updated.Name != name {
		t.Fatalf("expected name %q, got %q", name, updated.Name)
	}
	if updated.Revision != before.Revision+1 {
		t.Fatalf("expected revision %d, got %d", before.Revision+1, updated.Revision)
	}
	if updated.MetadataHash == before.MetadataHash {
		t.Fatal("metadata hash should change when the name changes")
	}
	if !integrity.VerifyGroup(updated) {
		t.Fatal("updated group failed verification")
	}
}

func TestUpdateGroupNoChangeKeepsRevision(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	before, _ := env.cache.Get(group.ID)
	updated, err := env.service.UpdateGroup(context.Background(), group.ID, group.Creator, domain.UpdateGroupRequest{})
	if err != nil {
		t.Fatalf("UpdateGroup returned error: %v", err)
	}
	if updated.Revision != before.Revision {
		t.Fatalf("empty update must not bump revision: %d -> %d", before.Revision, updated.Revision)
	}
}

func TestDeleteGroupRemovesDurableRecord(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	if err := env.service.DeleteGroup(context.Background(), group.ID, "0xNotTheCreator", false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if err := env.service.DeleteGroup(context.Background(), group.ID, group.Creator, false); err != nil {
		t.Fatalf("DeleteGroup returned error: %v", err)
	}
	if env.objects.has(objectstore.GroupKey(group.ID)) {
		t.Fatal("group document should be gone from durable tier")
	}
	if _, err := env.cache.Get(group.ID); err == nil {
		t.Fatal("group should be gone from cache")
	}
}

func TestAdminListGroupsStats(t *testing.T) {
	env := newTestEnv()
	if _, _, err := createTestGroup(env); err != nil {
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

	groups, stats, err := env.service.AdminListGroups(context.Background())
	if err != nil {
		t.Fatalf("AdminListGroups returned error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if stats.TotalGroups != 2 || stats.ActiveGroups != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalMembers != 2 {
		t.Fatalf("expected 2 members total, got %d", stats.TotalMembers)
	}
	wantPooled := domain.ToGwei(0.5) + domain.ToGwei(1)
	if stats.TotalPooledAmount != wantPooled {
		t.Fatalf("expected pooled amount %d, got %d", wantPooled, stats.TotalPooledAmount)
	}
}

func TestListGroupsFilterByMember(t *testing.T) {
	env := newTestEnv()
	group, _, err := createTestGroup(env)
	if err != nil {
		t.Fatalf("CreateGroup returned error: %v", err)
	}
	env.service.WaitForBackground()

	mine, err := env.service.ListGroups(context.Background(), group.Creator)
	if err != nil {
		t.Fatalf("ListGroups returned error: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("expected 1 group for creator, got %d", len(mine))
	}

	other, err := env.service.ListGroups(context.Background(), "0xStranger")
	if err != nil {
		t.Fatalf("ListGroups returned error: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no groups for stranger, got %d", len(other))
	}
}
