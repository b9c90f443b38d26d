/**
 * @description
 * Invite code generation and the join protocol. Codes are six characters from
 * [A-Z0-9] (36^6 possibilities), unique among active groups, normalized to
 * uppercase on both generation and lookup. The join sequence is a
 * check-then-append; it runs entirely under the group's keyed mutex, so two
 * concurrent joins against the same code serialize instead of both passing the
 * membership check against a stale list.
 *
 * @dependencies
 * - context, crypto/rand, fmt, log, strings: Standard Go libraries.
 * - internal/domain, internal/integrity, internal/store: Models, hashing, cache tier.
 */

package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"strings"

	"github.com/squadsave/group-service/internal/domain"
	"github.com/squadsave/group-service/internal/integrity"
)

const inviteCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxInviteAttempts bounds regeneration on collision. With a 2.2 billion code
// space a second attempt is already rare.
const maxInviteAttempts = 10

// generateInviteCode draws codes until one misses every active group's code.
func (s *Service) generateInviteCode(ctx context.Context) (string, error) {
	active := s.cache.ActiveInviteCodes()
	if len(active) == 0 {
		// Cold cache: the durable invite index is the only collision source.
		hydrateCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
		defer cancel()
		if err := s.hydrateFromDurable(hydrateCtx); err != nil {
			log.Printf("level=warn component=service flow=invite_generate msg=\"durable hydration degraded; collision check limited to cache\" err=%v", err)
		}
		active = s.cache.ActiveInviteCodes()
	}

	for attempt := 0; attempt < maxInviteAttempts; attempt++ {
		code, err := randomInviteCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate invite code: %w", err)
		}
		if _, taken := active[code]; !taken {
			return code, nil
		}
		log.Printf("level=info component=service flow=invite_generate msg=\"invite code collision; regenerating\" attempt=%d", attempt+1)
	}
	return "", ErrInviteExhausted
}

// randomInviteCode draws each character uniformly from the alphabet. Bytes at
// or above the largest multiple of 36 below 256 are redrawn; taking them
// modulo 36 would over-represent the first four characters.
func randomInviteCode() (string, error) {
	const rejectAbove = byte(256 - 256%len(inviteCodeAlphabet))
	code := make([]byte, 0, domain.InviteCodeLength)
	buf := make([]byte, 2*domain.InviteCodeLength)
	for len(code) < domain.InviteCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= rejectAbove {
				continue
			}
			code = append(code, inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)])
			if len(code) == domain.InviteCodeLength {
				break
			}
		}
	}
	return string(code), nil
}

// ResolveInviteCode maps an invite code to the active group holding it.
func (s *Service) ResolveInviteCode(ctx context.Context, code string) (*domain.Group, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if len(normalized) != domain.InviteCodeLength {
		return nil, fmt.Errorf("%w: invite codes are %d characters", ErrValidation, domain.InviteCodeLength)
	}

	if g, err := s.cache.FindByInviteCode(normalized); err == nil {
		return g, nil
	}

	// The group may exist only durably (fresh process, another writer).
	hydrateCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()
	if err := s.hydrateFromDurable(hydrateCtx); err != nil {
		log.Printf("level=warn component=service flow=invite_resolve msg=\"durable hydration degraded\" err=%v", err)
	}
	if g, err := s.cache.FindByInviteCode(normalized); err == nil {
		return g, nil
	}
	return nil, ErrInviteNotFound
}

// JoinGroup executes the join sequence: resolve the code, verify membership
// and capacity, append the member, and propagate per the write policy.
func (s *Service) JoinGroup(ctx context.Context, inviteCode, address, nickname, email string) (*domain.JoinResult, string, error) {
	joiner := strings.TrimSpace(address)
	if joiner == "" {
		return nil, "", fmt.Errorf("%w: joining address is required", ErrValidation)
	}

	resolved, err := s.ResolveInviteCode(ctx, inviteCode)
	if err != nil {
		return nil, "", err
	}

	s.cache.Lock(resolved.ID)
	defer s.cache.Unlock(resolved.ID)

	group, err := s.loadForUpdate(ctx, resolved.ID)
	if err != nil {
		return nil, "", err
	}
	if !group.IsActive {
		return nil, "", ErrInviteNotFound
	}

	// Membership is a money-adjacent fact: ask the ledger when it is
	// reachable, fall back to the serialized local list otherwise.
	isMember, checkResult := s.checkMembership(ctx, group, joiner)
	if isMember || group.HasMember(joiner) {
		return nil, "", ErrAlreadyMember
	}
	if checkResult.Degraded() {
		log.Printf("level=warn component=service flow=join msg=\"membership verified against cache only; ledger unreachable\" group_id=%s address=%s", group.ID, joiner)
	}
	if len(group.Members) >= s.maxMembers {
		return nil, "", ErrGroupFull
	}

	now := s.now().UTC()
	memberNickname := strings.TrimSpace(nickname)
	if memberNickname == "" {
		memberNickname = shortAddress(joiner)
	}
	member := domain.Member{
		Address:     joiner,
		Nickname:    memberNickname,
		Email:       strings.TrimSpace(email),
		Contributed: 0,
		AuraPoints:  domain.JoinAuraPoints,
		Status:      domain.MemberStatusActive,
		Role:        domain.RoleMember,
		JoinedAt:    now,
	}
	group.Members = append(group.Members, member)
	group.Revision++
	group.UpdatedAt = now
	if err := integrity.StampGroup(group); err != nil {
		return nil, "", fmt.Errorf("failed to stamp group after join: %w", err)
	}
	s.cache.Put(group)

	durableCtx, cancel := context.WithTimeout(ctx, s.updateTimeout)
	defer cancel()
	if result := s.writeDurable(durableCtx, group, nil); result.Degraded() {
		group.PendingSync = true
		s.cache.Put(group)
	}

	handle, submitErr := s.ledger.JoinGroup(ctx, group.ID, joiner, memberNickname)
	if submitErr != nil {
		group.LedgerDiverged = true
		s.cache.Put(group)
		s.publish(domain.EventSyncDiverged, group, joiner, 0, "", submitErr.Error())
		log.Printf("level=error component=service flow=join msg=\"ledger submission failed; cache and durable writes retained\" group_id=%s address=%s err=%v", group.ID, joiner, submitErr)
		return &domain.JoinResult{Group: group, Member: group.FindMember(joiner)}, "", submitErr
	}

	group.PendingChainConfirmation = true
	s.cache.Put(group)
	s.trackConfirmation(group.ID, handle.TxHash, nil)
	s.publish(domain.EventMemberJoined, group, joiner, 0, handle.TxHash, "")

	log.Printf("level=info component=service flow=join msg=\"member joined\" group_id=%s address=%s members=%d tx_hash=%s", group.ID, joiner, len(group.Members), handle.TxHash)
	return &domain.JoinResult{Group: group, Member: group.FindMember(joiner)}, handle.TxHash, nil
}
