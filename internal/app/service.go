/**
 * @description
 * This file contains the Synchronization Orchestrator: the core business logic
 * that keeps one group record coherent across the cache, durable store, and
 * ledger tiers. It implements the read policy (cache answers immediately,
 * slower tiers reconcile by ledger > durable > cache priority), the
 * write-through policy with asynchronous propagation and graceful degradation,
 * and the pending/diverged bookkeeping the reconciliation job later drains.
 *
 * The ledger-failure trade-off is deliberate and kept from the original
 * design: when a ledger submission fails, the cache and durable writes stay in
 * place as "what the user intended", the group is flagged ledger_diverged, and
 * the caller receives a TransactionFailed error. There is no two-phase commit.
 *
 * @dependencies
 * - context, errors, fmt, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: Group, contribution, and event identifiers.
 * - internal/domain, internal/integrity, internal/store: Models, hashing, cache tier.
 * - pkg/ledgerclient, pkg/objectstore, pkg/rabbitmq: Tier clients and event producer.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/squadsave/group-service/internal/domain"
	"github.com/squadsave/group-service/internal/integrity"
	"github.com/squadsave/group-service/internal/store"
	"github.com/squadsave/group-service/pkg/ledgerclient"
	"github.com/squadsave/group-service/pkg/objectstore"
	"github.com/squadsave/group-service/pkg/rabbitmq"
)

// ObjectStore is the durable tier contract the orchestrator depends on.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, value interface{}) (*objectstore.ObjectRef, error)
	GetObject(ctx context.Context, key string, out interface{}) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, key string) error
}

// Ledger is the authoritative tier contract the orchestrator depends on.
type Ledger interface {
	GetGroupDetails(ctx context.Context, groupID string) (*ledgerclient.GroupDetails, error)
	GetMemberDetails(ctx context.Context, groupID, address string) (*ledgerclient.MemberDetails, error)
	GetGroupBalance(ctx context.Context, groupID string) (int64, error)
	IsGroupMember(ctx context.Context, groupID, address string) (bool, error)
	CreateGroup(ctx context.Context, params ledgerclient.CreateGroupParams) (*ledgerclient.TxHandle, error)
	JoinGroup(ctx context.Context, groupID, address, nickname string) (*ledgerclient.TxHandle, error)
	Contribute(ctx context.Context, groupID, address string, amount int64) (*ledgerclient.TxHandle, error)
	VoteForWithdrawal(ctx context.Context, groupID, address string) (*ledgerclient.TxHandle, error)
	EmergencyWithdrawal(ctx context.Context, groupID, address string) (*ledgerclient.TxHandle, error)
	WaitForConfirmation(ctx context.Context, txHash string) (*ledgerclient.TxReceipt, error)
}

// RateLimiter is implemented by the redis-backed sliding-window limiter.
// Scope policies live inside the limiter; the service only names the scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfterSeconds int, err error)
}

// ServiceConfig carries the orchestrator's tunables.
type ServiceConfig struct {
	EventExchange       string
	MaxMembers          int
	CreateTimeout       time.Duration
	UpdateTimeout       time.Duration
	ConfirmationTimeout time.Duration
	JoinRateLimit       int
	InviteLookupLimit   int
}

// Service is the synchronization orchestrator. All dependencies are injected
// at construction; there is no hidden shared client state.
type Service struct {
	cache    *store.CacheStore
	objects  ObjectStore
	ledger   Ledger
	producer rabbitmq.Publisher
	limiter  RateLimiter

	exchange          string
	maxMembers        int
	createTimeout     time.Duration
	updateTimeout     time.Duration
	confirmTimeout    time.Duration
	joinRateLimit     int
	inviteLookupLimit int

	nowFn func() time.Time

	confirmations sync.WaitGroup
	background    sync.WaitGroup
}

// NewService creates the orchestrator with its injected tier clients.
func NewService(cache *store.CacheStore, objects ObjectStore, ledger Ledger, producer rabbitmq.Publisher, cfg ServiceConfig) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = domain.MaxMembers
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 10 * time.Second
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 5 * time.Second
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 60 * time.Second
	}
	if cfg.EventExchange == "" {
		cfg.EventExchange = "squadsave.events"
	}

	return &Service{
		cache:             cache,
		objects:           objects,
		ledger:            ledger,
		producer:          producer,
		exchange:          cfg.EventExchange,
		maxMembers:        cfg.MaxMembers,
		createTimeout:     cfg.CreateTimeout,
		updateTimeout:     cfg.UpdateTimeout,
		confirmTimeout:    cfg.ConfirmationTimeout,
		joinRateLimit:     cfg.JoinRateLimit,
		inviteLookupLimit: cfg.InviteLookupLimit,
		nowFn:             time.Now,
	}
}

// SetJoinRateLimiter attaches the distributed limiter guarding the invite
// join and lookup endpoints. Invite codes are guessable public tokens.
func (s *Service) SetJoinRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// WaitForBackground blocks until every in-flight confirmation watcher and
// background reconcile has finished. Called on shutdown and by tests.
func (s *Service) WaitForBackground() {
	s.confirmations.Wait()
	s.background.Wait()
}

func (s *Service) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// CreateGroup runs the orchestrated multi-tier create: cache synchronously,
// durable store and ledger per the write policy. The returned group reflects
// the cache state; txHash is the pending ledger transaction, empty when the
// ledger submission failed.
func (s *Service) CreateGroup(ctx context.Context, req domain.CreateGroupRequest) (*domain.Group, string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(req.Creator) == "" {
		return nil, "", fmt.Errorf("%w: creator address is required", ErrValidation)
	}
	if req.ContributionAmount <= 0 {
		return nil, "", fmt.Errorf("%w: contribution amount must be positive", ErrValidation)
	}
	if req.TargetAmount < 0 {
		return nil, "", fmt.Errorf("%w: target amount cannot be negative", ErrValidation)
	}
	if !domain.ValidAmountUnits(req.ContributionAmount) || !domain.ValidAmountUnits(req.TargetAmount) {
		return nil, "", fmt.Errorf("%w: amount exceeds the representable range", ErrValidation)
	}

	inviteCode, err := s.generateInviteCode(ctx)
	if err != nil {
		return nil, "", err
	}

	now := s.now().UTC()
	contributionGwei := domain.ToGwei(req.ContributionAmount)
	creatorNickname := strings.TrimSpace(req.CreatorNickname)
	if creatorNickname == "" {
		creatorNickname = shortAddress(req.Creator)
	}

	group := &domain.Group{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(req.Name),
		Description:        strings.TrimSpace(req.Description),
		Creator:            strings.TrimSpace(req.Creator),
		ContributionAmount: contributionGwei,
		CurrentAmount:      contributionGwei,
		TargetAmount:       domain.ToGwei(req.TargetAmount),
		Duration:           normalizeDuration(req.Duration),
		DueDay:             req.DueDay,
		InviteCode:         inviteCode,
		IsActive:           true,
		Revision:           1,
		CreatedAt:          now,
		UpdatedAt:          now,
		Members: []domain.Member{{
			Address:  strings.TrimSpace(req.Creator),
			Nickname: creatorNickname,
			Email:    strings.TrimSpace(req.CreatorEmail),
			// The creator's opening contribution is inherently on time.
			Contributed: contributionGwei,
			AuraPoints:  domain.JoinAuraPoints + domain.BaseContributionAura + domain.EarlyContributionBonus,
			Status:      domain.MemberStatusActive,
			Role:        domain.RoleCreator,
			JoinedAt:    now,
		}},
	}
	group.WithdrawalDate = now.AddDate(0, durationMonths(group.Duration), 0)
	group.NextContributionDue = nextContributionDue(now, group.DueDay)

	if err := integrity.StampGroup(group); err != nil {
		return nil, "", fmt.Errorf("failed to stamp new group: %w", err)
	}
	s.cache.Put(group)

	opening := domain.Contribution{
		ID:          uuid.NewString(),
		GroupID:     group.ID,
		Contributor: group.Creator,
		Amount:      contributionGwei,
		Timestamp:   now,
		AuraPoints:  domain.BaseContributionAura + domain.EarlyContributionBonus,
		IsEarly:     true,
	}

	durableCtx, cancel := context.WithTimeout(ctx, s.createTimeout)
	defer cancel()
	result := s.writeDurable(durableCtx, group, []domain.Contribution{opening})
	if result.Degraded() {
		group.PendingSync = true
		s.cache.Put(group)
	}

	handle, submitErr := s.ledger.CreateGroup(ctx, ledgerclient.CreateGroupParams{
		GroupID:            group.ID,
		Name:               group.Name,
		Creator:            group.Creator,
		ContributionAmount: group.ContributionAmount,
		TargetAmount:       group.TargetAmount,
		Duration:           group.Duration,
		InviteCode:         group.InviteCode,
	})
	if submitErr != nil {
		group.LedgerDiverged = true
		s.cache.Put(group)
		s.publish(domain.EventSyncDiverged, group, group.Creator, 0, "", submitErr.Error())
		log.Printf("level=error component=service flow=create_group msg=\"ledger submission failed; cache and durable writes retained\" group_id=%s err=%v", group.ID, submitErr)
		return group, "", submitErr
	}

	group.PendingChainConfirmation = true
	s.cache.Put(group)
	s.trackConfirmation(group.ID, handle.TxHash, nil)
	s.publish(domain.EventGroupCreated, group, group.Creator, contributionGwei, handle.TxHash, "")

	log.Printf("level=info component=service flow=create_group msg=\"group created\" group_id=%s invite_code=%s tx_hash=%s pending_sync=%t", group.ID, group.InviteCode, handle.TxHash, group.PendingSync)
	return group, handle.TxHash, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetGroup implements the read policy: the cache answers immediately when it
// can, and a non-blocking reconcile pass follows behind; otherwise the durable
// store and finally the ledger are consulted and the cache rehydrated.
func (s *Service) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	if g, err := s.cache.Get(groupID); err == nil {
		s.backgroundReconcile(groupID)
		return g, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()

	g, result := s.readDurable(readCtx, groupID)
	if result.OK() {
		s.cache.Put(g)
		return g, nil
	}
	if result.Status == store.TierFailed {
		// Quarantined durable record: the ledger decides what is real.
		log.Printf("level=warn component=service flow=read msg=\"durable record quarantined\" group_id=%s err=%v", groupID, result.Err)
	}

	g, result = s.readLedger(readCtx, groupID, nil)
	if result.OK() {
		s.cache.Put(g)
		return g, nil
	}

	return nil, store.ErrGroupNotFound
}

// ListGroups returns all known groups, optionally filtered to one member
// address. The cache is the fast path; when it is cold the durable listing
// rehydrates it best-effort.
func (s *Service) ListGroups(ctx context.Context, filterAddress string) ([]*domain.Group, error) {
	groups := s.cache.List(filterAddress)
	if len(groups) > 0 {
		return groups, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()
	if err := s.hydrateFromDurable(listCtx); err != nil {
		log.Printf("level=warn component=service flow=list msg=\"durable hydration degraded; serving cache only\" err=%v", err)
	}
	return s.cache.List(filterAddress), nil
}

// AdminListGroups returns the full listing plus aggregate stats.
func (s *Service) AdminListGroups(ctx context.Context) ([]*domain.Group, *domain.GroupStats, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()
	if err := s.hydrateFromDurable(listCtx); err != nil {
		log.Printf("level=warn component=service flow=admin_list msg=\"durable hydration degraded; stats reflect cache only\" err=%v", err)
	}

	groups := s.cache.List("")
	stats := &domain.GroupStats{TotalGroups: len(groups)}
	for _, g := range groups {
		if g.IsActive {
			stats.ActiveGroups++
		}
		stats.TotalMembers += len(g.Members)
		stats.TotalPooledAmount += g.CurrentAmount
		if g.PendingSync {
			stats.PendingSync++
		}
		if g.PendingChainConfirmation {
			stats.PendingChain++
		}
		if g.LedgerDiverged {
			stats.LedgerDiverged++
		}
	}
	return groups, stats, nil
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// UpdateGroup applies a partial metadata update. Financial and membership
// facts are ledger-owned and cannot be edited here. Creator only.
func (s *Service) UpdateGroup(ctx context.Context, groupID, caller string, req domain.UpdateGroupRequest) (*domain.Group, error) {
	s.cache.Lock(groupID)
	defer s.cache.Unlock(groupID)

	group, err := s.loadForUpdate(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(group.Creator, strings.TrimSpace(caller)) {
		return nil, fmt.Errorf("%w: only the creator can update a group", ErrUnauthorized)
	}

	changed := false
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" && strings.TrimSpace(*req.Name) != group.Name {
		group.Name = strings.TrimSpace(*req.Name)
		changed = true
	}
	if req.Description != nil && *req.Description != group.Description {
		group.Description = *req.Description
		changed = true
	}
	if req.TargetAmount != nil {
		if *req.TargetAmount < 0 {
			return nil, fmt.Errorf("%w: target amount cannot be negative", ErrValidation)
		}
		if !domain.ValidAmountUnits(*req.TargetAmount) {
			return nil, fmt.Errorf("%w: target amount exceeds the representable range", ErrValidation)
		}
		target := domain.ToGwei(*req.TargetAmount)
		if target != group.TargetAmount {
			group.TargetAmount = target
			changed = true
		}
	}
	if req.DueDay != nil && *req.DueDay != group.DueDay {
		group.DueDay = *req.DueDay
		group.NextContributionDue = nextContributionDue(s.now().UTC(), group.DueDay)
		changed = true
	}
	if !changed {
		return group, nil
	}

	group.Revision++
	group.UpdatedAt = s.now().UTC()
	if err := integrity.StampGroup(group); err != nil {
		return nil, fmt.Errorf("failed to stamp updated group: %w", err)
	}
	s.cache.Put(group)

	durableCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()
	if result := s.writeDurable(durableCtx, group, nil); result.Degraded() {
		group.PendingSync = true
		s.cache.Put(group)
	}

	log.Printf("level=info component=service flow=update_group msg=\"group updated\" group_id=%s revision=%d pending_sync=%t", group.ID, group.Revision, group.PendingSync)
	return group, nil
}

// DeleteGroup removes the group record from the durable tier and the cache.
// The ledger record is immutable history and is left untouched.
func (s *Service) DeleteGroup(ctx context.Context, groupID, caller string, isAdmin bool) error {
	s.cache.Lock(groupID)
	defer s.cache.Unlock(groupID)

	group, err := s.loadForUpdate(ctx, groupID)
	if err != nil {
		return err
	}
	if !isAdmin && !strings.EqualFold(group.Creator, strings.TrimSpace(caller)) {
		return fmt.Errorf("%w: only the creator or an admin can delete a group", ErrUnauthorized)
	}

	deleteCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()
	for _, key := range []string{
		objectstore.GroupKey(groupID),
		objectstore.ContributionsKey(groupID),
		objectstore.InvitesKey(groupID),
	} {
		if err := s.objects.DeleteObject(deleteCtx, key); err != nil {
			return fmt.Errorf("%w: delete %s", store.ErrRemoteUnavailable, key)
		}
	}

	s.cache.Delete(groupID)
	log.Printf("level=info component=service flow=delete_group msg=\"group deleted\" group_id=%s", groupID)
	return nil
}

// Contribute records a member contribution: contribution accounting in cache,
// durable log append, and the ledger contribute transaction.
func (s *Service) Contribute(ctx context.Context, groupID, contributor string, amountUnits float64) (*domain.Group, *domain.Contribution, error) {
	if amountUnits <= 0 {
		return nil, nil, fmt.Errorf("%w: contribution amount must be positive", ErrValidation)
	}
	if !domain.ValidAmountUnits(amountUnits) {
		return nil, nil, fmt.Errorf("%w: contribution amount exceeds the representable range", ErrValidation)
	}

	s.cache.Lock(groupID)
	defer s.cache.Unlock(groupID)

	group, err := s.loadForUpdate(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if !group.IsActive {
		return nil, nil, ErrGroupClosed
	}
	member := group.FindMember(contributor)
	if member == nil {
		return nil, nil, ErrNotMember
	}

	now := s.now().UTC()
	amount := domain.ToGwei(amountUnits)
	isEarly := now.Before(group.NextContributionDue)
	aura := int64(domain.BaseContributionAura)
	if isEarly {
		aura += domain.EarlyContributionBonus
	}

	member.Contributed += amount
	member.AuraPoints += aura
	if member.Status == domain.MemberStatusMissed || member.Status == domain.MemberStatusPending {
		member.Status = domain.MemberStatusActive
	}
	group.CurrentAmount += amount
	if !now.Before(group.NextContributionDue) {
		group.NextContributionDue = nextContributionDue(now, group.DueDay)
	}
	group.Revision++
	group.UpdatedAt = now

	contribution := &domain.Contribution{
		ID:          uuid.NewString(),
		GroupID:     group.ID,
		Contributor: member.Address,
		Amount:      amount,
		Timestamp:   now,
		AuraPoints:  aura,
		IsEarly:     isEarly,
	}

	if err := integrity.StampGroup(group); err != nil {
		return nil, nil, fmt.Errorf("failed to stamp group after contribution: %w", err)
	}
	s.cache.Put(group)

	durableCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()
	if result := s.writeDurable(durableCtx, group, []domain.Contribution{*contribution}); result.Degraded() {
		group.PendingSync = true
		s.cache.Put(group)
	}

	handle, submitErr := s.ledger.Contribute(ctx, group.ID, member.Address, amount)
	if submitErr != nil {
		group.LedgerDiverged = true
		s.cache.Put(group)
		s.publish(domain.EventSyncDiverged, group, member.Address, amount, "", submitErr.Error())
		log.Printf("level=error component=service flow=contribute msg=\"ledger submission failed; cache and durable writes retained\" group_id=%s contributor=%s err=%v", group.ID, member.Address, submitErr)
		return group, contribution, submitErr
	}

	contribution.TransactionHash = handle.TxHash
	group.PendingChainConfirmation = true
	s.cache.Put(group)
	s.trackConfirmation(group.ID, handle.TxHash, &domain.GroupEvent{
		EventType: domain.EventContributionRecorded,
		GroupID:   group.ID,
		GroupName: group.Name,
		Actor:     member.Address,
		Amount:    amount,
		TxHash:    handle.TxHash,
	})

	log.Printf("level=info component=service flow=contribute msg=\"contribution recorded\" group_id=%s contributor=%s amount_gwei=%d early=%t aura=%d tx_hash=%s", group.ID, member.Address, amount, isEarly, aura, handle.TxHash)
	return group, contribution, nil
}

// VoteForWithdrawal submits the caller's withdrawal vote. Vote admission is a
// membership decision, so the ledger is consulted when reachable.
func (s *Service) VoteForWithdrawal(ctx context.Context, groupID, voter string) (*domain.Group, string, error) {
	s.cache.Lock(groupID)
	defer s.cache.Unlock(groupID)

	group, err := s.loadForUpdate(ctx, groupID)
	if err != nil {
		return nil, "", err
	}
	if !group.IsActive {
		return nil, "", ErrGroupClosed
	}
	isMember, checkResult := s.checkMembership(ctx, group, voter)
	if !isMember {
		return nil, "", ErrNotMember
	}
	if checkResult.Degraded() {
		log.Printf("level=warn component=service flow=vote msg=\"membership verified against cache only; ledger unreachable\" group_id=%s voter=%s", group.ID, voter)
	}

	handle, submitErr := s.ledger.VoteForWithdrawal(ctx, group.ID, strings.TrimSpace(voter))
	if submitErr != nil {
		group.LedgerDiverged = true
		s.cache.Put(group)
		s.publish(domain.EventSyncDiverged, group, voter, 0, "", submitErr.Error())
		return group, "", submitErr
	}

	group.PendingChainConfirmation = true
	group.Revision++
	group.UpdatedAt = s.now().UTC()
	if err := integrity.StampGroup(group); err != nil {
		return nil, "", fmt.Errorf("failed to stamp group after vote: %w", err)
	}
	s.cache.Put(group)
	s.trackConfirmation(group.ID, handle.TxHash, nil)

	log.Printf("level=info component=service flow=vote msg=\"withdrawal vote submitted\" group_id=%s voter=%s tx_hash=%s", group.ID, voter, handle.TxHash)
	return group, handle.TxHash, nil
}

// EmergencyWithdrawal submits the creator's emergency withdrawal. On
// confirmation the contract's post-penalty balance is adopted and the group
// closes; until then the group stays pending_chain_confirmation.
func (s *Service) EmergencyWithdrawal(ctx context.Context, groupID, caller string) (*domain.Group, string, error) {
	s.cache.Lock(groupID)
	defer s.cache.Unlock(groupID)

	group, err := s.loadForUpdate(ctx, groupID)
	if err != nil {
		return nil, "", err
	}
	if !group.IsActive {
		return nil, "", ErrGroupClosed
	}
	if !strings.EqualFold(group.Creator, strings.TrimSpace(caller)) {
		return nil, "", fmt.Errorf("%w: only the creator can trigger an emergency withdrawal", ErrUnauthorized)
	}

	handle, submitErr := s.ledger.EmergencyWithdrawal(ctx, group.ID, strings.TrimSpace(caller))
	if submitErr != nil {
		group.LedgerDiverged = true
		s.cache.Put(group)
		s.publish(domain.EventSyncDiverged, group, caller, 0, "", submitErr.Error())
		return group, "", submitErr
	}

	group.PendingChainConfirmation = true
	group.Revision++
	group.UpdatedAt = s.now().UTC()
	if err := integrity.StampGroup(group); err != nil {
		return nil, "", fmt.Errorf("failed to stamp group after emergency withdrawal: %w", err)
	}
	s.cache.Put(group)
	s.trackConfirmation(group.ID, handle.TxHash, &domain.GroupEvent{
		EventType: domain.EventWithdrawalCompleted,
		GroupID:   group.ID,
		GroupName: group.Name,
		Actor:     strings.TrimSpace(caller),
		TxHash:    handle.TxHash,
		Detail:    "emergency withdrawal",
	})

	log.Printf("level=info component=service flow=emergency_withdrawal msg=\"emergency withdrawal submitted\" group_id=%s caller=%s tx_hash=%s", group.ID, caller, handle.TxHash)
	return group, handle.TxHash, nil
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

// ConsumeJoinLimit charges one join attempt against the subject's budget.
// Returns limited=true with a retry-after hint when the budget is exhausted.
// With no limiter attached everything is allowed.
func (s *Service) ConsumeJoinLimit(ctx context.Context, subject string) (limited bool, retryAfter int) {
	return s.consumeLimit(ctx, RateScopeJoin, subject, s.joinRateLimit)
}

// ConsumeInviteLookupLimit charges one invite resolution attempt.
func (s *Service) ConsumeInviteLookupLimit(ctx context.Context, subject string) (limited bool, retryAfter int) {
	return s.consumeLimit(ctx, RateScopeInviteLookup, subject, s.inviteLookupLimit)
}

func (s *Service) consumeLimit(ctx context.Context, scope, subject string, limit int) (bool, int) {
	if s.limiter == nil || limit <= 0 {
		return false, 0
	}
	allowed, retryAfter, err := s.limiter.Allow(ctx, scope, subject)
	if err != nil {
		// Fail open: losing redis must not take the join path down with it.
		log.Printf("level=warn component=service flow=rate_limit scope=%s msg=\"limiter unavailable; allowing request\" err=%v", scope, err)
		return false, 0
	}
	if !allowed {
		return true, retryAfter
	}
	return false, 0
}

// ---------------------------------------------------------------------------
// Tier plumbing
// ---------------------------------------------------------------------------

// loadForUpdate resolves the freshest locally-known record for a mutation:
// cache first, durable as backstop, ledger as last resort. Callers hold the
// group lock.
func (s *Service) loadForUpdate(ctx context.Context, groupID string) (*domain.Group, error) {
	if g, err := s.cache.Get(groupID); err == nil {
		return g, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()

	if g, result := s.readDurable(readCtx, groupID); result.OK() {
		s.cache.Put(g)
		return g, nil
	}
	if g, result := s.readLedger(readCtx, groupID, nil); result.OK() {
		s.cache.Put(g)
		return g, nil
	}
	return nil, store.ErrGroupNotFound
}

// readDurable fetches and validates the group document from the object store.
func (s *Service) readDurable(ctx context.Context, groupID string) (*domain.Group, store.TierResult) {
	var doc groupDocument
	err := s.objects.GetObject(ctx, objectstore.GroupKey(groupID), &doc)
	switch {
	case err == nil:
	case errors.Is(err, objectstore.ErrNotFound):
		return nil, store.ResultNotFound()
	default:
		return nil, store.ResultDegraded(fmt.Errorf("%w: %v", store.ErrRemoteUnavailable, err))
	}

	if err := doc.validate(); err != nil {
		log.Printf("level=warn component=service flow=read_durable msg=\"integrity mismatch; record quarantined\" group_id=%s err=%v", groupID, err)
		return nil, store.ResultFailed(errIntegrity(groupID))
	}
	return doc.Group, store.ResultOK()
}

// readLedger builds a group view from the contract's authoritative facts.
// When base is non-nil its non-ledger fields (description, emails, schedule)
// are preserved and only the financial/membership facts are overwritten.
func (s *Service) readLedger(ctx context.Context, groupID string, base *domain.Group) (*domain.Group, store.TierResult) {
	details, err := s.ledger.GetGroupDetails(ctx, groupID)
	switch {
	case err == nil:
	case errors.Is(err, ledgerclient.ErrNotFound):
		return nil, store.ResultNotFound()
	default:
		return nil, store.ResultDegraded(fmt.Errorf("%w: %v", store.ErrRemoteUnavailable, err))
	}

	var g *domain.Group
	if base != nil {
		g = base.Clone()
	} else {
		g = &domain.Group{
			ID:        details.GroupID,
			Name:      details.Name,
			Creator:   details.Creator,
			CreatedAt: s.now().UTC(),
		}
	}
	applyLedgerFacts(g, details)
	g.UpdatedAt = s.now().UTC()
	if err := integrity.StampGroup(g); err != nil {
		return nil, store.ResultFailed(err)
	}
	return g, store.ResultOK()
}

// writeDurable pushes the group document, the invite index, and optionally
// appends contributions to the durable log. Any transport failure degrades
// the whole write; partial object writes are safe because each object is an
// idempotent overwrite.
func (s *Service) writeDurable(ctx context.Context, group *domain.Group, newContributions []domain.Contribution) store.TierResult {
	now := s.now()

	if _, err := s.objects.PutObject(ctx, objectstore.GroupKey(group.ID), newGroupDocument(group, now)); err != nil {
		return store.ResultDegraded(err)
	}
	if _, err := s.objects.PutObject(ctx, objectstore.InvitesKey(group.ID), newInviteDocument(group, now)); err != nil {
		return store.ResultDegraded(err)
	}

	if len(newContributions) > 0 {
		if err := s.appendContributions(ctx, group.ID, newContributions, now); err != nil {
			return store.ResultDegraded(err)
		}
	}
	return store.ResultOK()
}

func (s *Service) appendContributions(ctx context.Context, groupID string, newContributions []domain.Contribution, now time.Time) error {
	var doc contributionsDocument
	err := s.objects.GetObject(ctx, objectstore.ContributionsKey(groupID), &doc)
	if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	if err != nil || doc.GroupID == "" {
		doc = contributionsDocument{GroupID: groupID}
	} else if !doc.verify() {
		// The log failed its own hash; rebuild from what we know rather than
		// appending to a corrupt document.
		log.Printf("level=warn component=service flow=write_durable msg=\"contribution log failed verification; rewriting\" group_id=%s", groupID)
		doc = contributionsDocument{GroupID: groupID, Contributions: doc.Contributions}
	}

	doc.Contributions = append(doc.Contributions, newContributions...)
	doc.UpdatedAt = now.UTC()
	if err := doc.stamp(); err != nil {
		return err
	}
	_, err = s.objects.PutObject(ctx, objectstore.ContributionsKey(groupID), doc)
	return err
}

// Contributions returns the durable contribution log for a group.
func (s *Service) Contributions(ctx context.Context, groupID string) ([]domain.Contribution, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()

	var doc contributionsDocument
	err := s.objects.GetObject(readCtx, objectstore.ContributionsKey(groupID), &doc)
	if errors.Is(err, objectstore.ErrNotFound) {
		return []domain.Contribution{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: contribution log for %s", store.ErrRemoteUnavailable, groupID)
	}
	if !doc.verify() {
		return nil, errIntegrity(groupID)
	}
	return doc.Contributions, nil
}

// hydrateFromDurable pulls every group document under groups/ into the cache,
// skipping records that fail validation.
func (s *Service) hydrateFromDurable(ctx context.Context) error {
	keys, err := s.objects.ListObjects(ctx, objectstore.GroupsPrefix())
	if err != nil {
		return err
	}

	for _, key := range keys {
		var doc groupDocument
		if err := s.objects.GetObject(ctx, key, &doc); err != nil {
			log.Printf("level=warn component=service flow=hydrate msg=\"object fetch failed\" key=%s err=%v", key, err)
			continue
		}
		if err := doc.validate(); err != nil {
			log.Printf("level=warn component=service flow=hydrate msg=\"record quarantined\" key=%s err=%v", key, err)
			continue
		}
		if _, cacheErr := s.cache.Get(doc.Group.ID); cacheErr == nil {
			// Cache copy wins between these two tiers; reconciliation decides
			// against the ledger later.
			continue
		}
		s.cache.Put(doc.Group)
	}
	return nil
}

// checkMembership prefers the ledger's answer and falls back to the cached
// member list when the chain is unreachable.
func (s *Service) checkMembership(ctx context.Context, group *domain.Group, address string) (bool, store.TierResult) {
	checkCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()

	isMember, err := s.ledger.IsGroupMember(checkCtx, group.ID, strings.TrimSpace(address))
	if err == nil {
		return isMember, store.ResultOK()
	}
	if errors.Is(err, ledgerclient.ErrNotFound) {
		// The contract does not know the group yet (e.g. creation still
		// pending); the cached list is the best available answer.
		return group.HasMember(address), store.ResultOK()
	}
	return group.HasMember(address), store.ResultDegraded(err)
}

// ---------------------------------------------------------------------------
// Confirmation tracking
// ---------------------------------------------------------------------------

// trackConfirmation watches a submitted transaction and finalizes the group
// when it resolves. Confirmation clears pending_chain_confirmation and adopts
// the ledger's facts; failure flags the group ledger_diverged. Transport
// trouble leaves the pending flag for the reconciliation job to retry.
func (s *Service) trackConfirmation(groupID, txHash string, confirmedEvent *domain.GroupEvent) {
	s.confirmations.Add(1)
	go func() {
		defer s.confirmations.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.confirmTimeout)
		defer cancel()

		receipt, waitErr := s.ledger.WaitForConfirmation(ctx, txHash)

		s.cache.Lock(groupID)
		defer s.cache.Unlock(groupID)

		group, cacheErr := s.cache.Get(groupID)
		if cacheErr != nil {
			log.Printf("level=warn component=service flow=confirmation msg=\"group missing from cache at confirmation\" group_id=%s tx_hash=%s", groupID, txHash)
			return
		}

		if waitErr != nil {
			var txErr *ledgerclient.TxError
			if errors.As(waitErr, &txErr) {
				group.PendingChainConfirmation = false
				group.LedgerDiverged = true
				s.cache.Put(group)
				s.publish(domain.EventSyncDiverged, group, "", 0, txHash, fmt.Sprintf("transaction failed: %s", txErr.Cause))
				log.Printf("level=error component=service flow=confirmation msg=\"transaction failed\" group_id=%s tx_hash=%s cause=%s", groupID, txHash, txErr.Cause)
				return
			}
			// Unreachable relay or timed-out wait: the transaction may still
			// confirm. Reconciliation picks the group up via the pending flag.
			log.Printf("level=warn component=service flow=confirmation msg=\"confirmation wait degraded\" group_id=%s tx_hash=%s err=%v", groupID, txHash, waitErr)
			return
		}

		group.PendingChainConfirmation = false

		ledgerCtx, ledgerCancel := context.WithTimeout(context.Background(), s.updateTimeout)
		defer ledgerCancel()
		if details, err := s.ledger.GetGroupDetails(ledgerCtx, groupID); err == nil {
			applyLedgerFacts(group, details)
			group.LedgerDiverged = false
		} else {
			log.Printf("level=warn component=service flow=confirmation msg=\"post-confirmation ledger read degraded\" group_id=%s err=%v", groupID, err)
		}
		group.UpdatedAt = s.now().UTC()
		if err := integrity.StampGroup(group); err != nil {
			log.Printf("level=error component=service flow=confirmation msg=\"failed to restamp group\" group_id=%s err=%v", groupID, err)
			return
		}
		s.cache.Put(group)

		durableCtx, durableCancel := context.WithTimeout(context.Background(), s.updateTimeout)
		defer durableCancel()
		if result := s.writeDurable(durableCtx, group, nil); result.Degraded() {
			group.PendingSync = true
			s.cache.Put(group)
		}

		if confirmedEvent != nil {
			event := *confirmedEvent
			s.publishEvent(event)
		}
		log.Printf("level=info component=service flow=confirmation msg=\"transaction confirmed\" group_id=%s tx_hash=%s block=%d", groupID, txHash, receipt.BlockNumber)
	}()
}

// backgroundReconcile runs a best-effort reconcile pass behind a cache-served
// read, so the caller never waits on the slower tiers.
func (s *Service) backgroundReconcile(groupID string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.updateTimeout)
		defer cancel()
		if _, err := s.ReconcileGroup(ctx, groupID); err != nil && !errors.Is(err, store.ErrRemoteUnavailable) {
			log.Printf("level=warn component=service flow=read_reconcile msg=\"background reconcile failed\" group_id=%s err=%v", groupID, err)
		}
	}()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (s *Service) publish(eventType string, group *domain.Group, actor string, amount int64, txHash, detail string) {
	s.publishEvent(domain.GroupEvent{
		EventType: eventType,
		GroupID:   group.ID,
		GroupName: group.Name,
		Actor:     strings.TrimSpace(actor),
		Amount:    amount,
		TxHash:    txHash,
		Detail:    detail,
	})
}

func (s *Service) publishEvent(event domain.GroupEvent) {
	event.EventID = uuid.NewString()
	event.OccurredAt = s.now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.producer.Publish(ctx, s.exchange, event.EventType, event); err != nil {
		log.Printf("level=warn component=service flow=events msg=\"event publish failed\" event_type=%s group_id=%s err=%v", event.EventType, event.GroupID, err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// applyLedgerFacts overwrites the fields the contract owns: pooled amount,
// membership, and liveness. Locally-held metadata (emails, statuses kept for
// scheduling, description) survives where addresses match.
func applyLedgerFacts(g *domain.Group, details *ledgerclient.GroupDetails) {
	g.CurrentAmount = details.CurrentAmount
	g.IsActive = details.IsActive
	if details.ContributionAmount > 0 {
		g.ContributionAmount = details.ContributionAmount
	}
	if details.TargetAmount > 0 {
		g.TargetAmount = details.TargetAmount
	}

	members := make([]domain.Member, 0, len(details.Members))
	for _, m := range details.Members {
		member := domain.Member{
			Address:     m.Address,
			Nickname:    m.Nickname,
			Contributed: m.Contributed,
			AuraPoints:  m.AuraPoints,
			Status:      domain.MemberStatusActive,
			Role:        domain.RoleMember,
			JoinedAt:    time.Unix(m.JoinedAt, 0).UTC(),
		}
		if existing := g.FindMember(m.Address); existing != nil {
			member.Email = existing.Email
			member.Status = existing.Status
			member.Role = existing.Role
			if member.Nickname == "" {
				member.Nickname = existing.Nickname
			}
			if m.JoinedAt == 0 {
				member.JoinedAt = existing.JoinedAt
			}
		}
		if strings.EqualFold(member.Address, details.Creator) {
			member.Role = domain.RoleCreator
		}
		members = append(members, member)
	}
	g.Members = members
}

func normalizeDuration(duration string) string {
	trimmed := strings.TrimSpace(strings.ToLower(duration))
	if trimmed == "" {
		return "3-months"
	}
	return trimmed
}

// durationMonths parses labels like "3-months" or "6-months"; anything
// unparsable falls back to three months.
func durationMonths(duration string) int {
	parts := strings.SplitN(duration, "-", 2)
	if len(parts) == 2 {
		if months, err := strconv.Atoi(parts[0]); err == nil && months > 0 {
			return months
		}
	}
	return 3
}

// nextContributionDue returns the next occurrence of dueDay, or thirty days
// out when no usable day is configured. Days above 28 are clamped so every
// month has the date.
func nextContributionDue(now time.Time, dueDay int) time.Time {
	if dueDay < 1 {
		return now.AddDate(0, 0, 30)
	}
	if dueDay > 28 {
		dueDay = 28
	}
	candidate := time.Date(now.Year(), now.Month(), dueDay, 0, 0, 0, 0, time.UTC)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 1, 0)
	}
	return candidate
}

func shortAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if len(trimmed) <= 10 {
		return trimmed
	}
	return trimmed[:6] + "…" + trimmed[len(trimmed)-4:]
}
