package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/squadsave/group-service/internal/domain"
	"github.com/squadsave/group-service/internal/store"
	"github.com/squadsave/group-service/pkg/ledgerclient"
	"github.com/squadsave/group-service/pkg/objectstore"
)

// objectStoreStub is an in-memory durable tier with failure injection.
type objectStoreStub struct {
	mu      sync.Mutex
	objects map[string][]byte

	failPuts bool
	failGets bool
	failList bool

	putCalls    int
	deleteCalls int
}

func newObjectStoreStub() *objectStoreStub {
	return &objectStoreStub{objects: make(map[string][]byte)}
}

func (s *objectStoreStub) PutObject(ctx context.Context, key string, value interface{}) (*objectstore.ObjectRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.failPuts {
		return nil, fmt.Errorf("%w: put %s", objectstore.ErrUnavailable, key)
	}
	body, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	s.objects[key] = body
	return &objectstore.ObjectRef{Key: key, Bucket: "test-bucket", Size: int64(len(body)), UpdatedAt: time.Now().UTC()}, nil
}

func (s *objectStoreStub) GetObject(ctx context.Context, key string, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGets {
		return fmt.Errorf("%w: get %s", objectstore.ErrUnavailable, key)
	}
	body, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("%w: %s", objectstore.ErrNotFound, key)
	}
	return json.Unmarshal(body, out)
}

func (s *objectStoreStub) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList {
		return nil, fmt.Errorf("%w: list %s", objectstore.ErrUnavailable, prefix)
	}
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *objectStoreStub) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if s.failPuts {
		return fmt.Errorf("%w: delete %s", objectstore.ErrUnavailable, key)
	}
	delete(s.objects, key)
	return nil
}

func (s *objectStoreStub) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *objectStoreStub) decode(key string, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("missing object %s", key)
	}
	return json.Unmarshal(body, out)
}

// ledgerStub is a scriptable contract relay.
type ledgerStub struct {
	mu sync.Mutex

	details    map[string]*ledgerclient.GroupDetails
	detailsErr error

	members   map[string]bool
	memberErr error

	submitErr error
	waitErr   error

	txCounter int
	submitted []string
}

func newLedgerStub() *ledgerStub {
	return &ledgerStub{
		details: make(map[string]*ledgerclient.GroupDetails),
		members: make(map[string]bool),
		// Post-confirmation reads fall back to local facts unless a test
		// scripts the contract's view explicitly.
		detailsErr: fmt.Errorf("%w: no scripted details", ledgerclient.ErrUnavailable),
	}
}

func memberKey(groupID, address string) string {
	return groupID + "|" + strings.ToLower(strings.TrimSpace(address))
}

func (s *ledgerStub) setDetails(d *ledgerclient.GroupDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[d.GroupID] = d
	s.detailsErr = nil
}

func (s *ledgerStub) GetGroupDetails(ctx context.Context, groupID string) (*ledgerclient.GroupDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detailsErr != nil {
		return nil, s.detailsErr
	}
	d, ok := s.details[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ledgerclient.ErrNotFound, groupID)
	}
	return d, nil
}

func (s *ledgerStub) GetMemberDetails(ctx context.Context, groupID, address string) (*ledgerclient.MemberDetails, error) {
	return nil, fmt.Errorf("%w: member details", ledgerclient.ErrNotFound)
}

func (s *ledgerStub) GetGroupBalance(ctx context.Context, groupID string) (int64, error) {
	d, err := s.GetGroupDetails(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return d.CurrentAmount, nil
}

func (s *ledgerStub) IsGroupMember(ctx context.Context, groupID, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberErr != nil {
		return false, s.memberErr
	}
	return s.members[memberKey(groupID, address)], nil
}

func (s *ledgerStub) submit(method string) (*ledgerclient.TxHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	s.txCounter++
	s.submitted = append(s.submitted, method)
	return &ledgerclient.TxHandle{
		TxHash: fmt.Sprintf("0xtx%04d", s.txCounter),
		Status: ledgerclient.TxStatusPending,
	}, nil
}

func (s *ledgerStub) CreateGroup(ctx context.Context, params ledgerclient.CreateGroupParams) (*ledgerclient.TxHandle, error) {
	handle, err := s.submit(ledgerclient.MethodCreateGroup)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.members[memberKey(params.GroupID, params.Creator)] = true
	s.mu.Unlock()
	return handle, nil
}

func (s *ledgerStub) JoinGroup(ctx context.Context, groupID, address, nickname string) (*ledgerclient.TxHandle, error) {
	handle, err := s.submit(ledgerclient.MethodJoinGroup)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.members[memberKey(groupID, address)] = true
	s.mu.Unlock()
	return handle, nil
}

func (s *ledgerStub) Contribute(ctx context.Context, groupID, address string, amount int64) (*ledgerclient.TxHandle, error) {
	return s.submit(ledgerclient.MethodContribute)
}

func (s *ledgerStub) VoteForWithdrawal(ctx context.Context, groupID, address string) (*ledgerclient.TxHandle, error) {
	return s.submit(ledgerclient.MethodVoteForWithdrawal)
}

func (s *ledgerStub) EmergencyWithdrawal(ctx context.Context, groupID, address string) (*ledgerclient.TxHandle, error) {
	return s.submit(ledgerclient.MethodEmergencyWithdrawal)
}

func (s *ledgerStub) WaitForConfirmation(ctx context.Context, txHash string) (*ledgerclient.TxReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitErr != nil {
		return nil, s.waitErr
	}
	return &ledgerclient.TxReceipt{TxHash: txHash, Status: ledgerclient.TxStatusConfirmed, BlockNumber: 42}, nil
}

func (s *ledgerStub) submittedMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// producerStub records published events.
type producerStub struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Exchange   string
	RoutingKey string
	Event      domain.GroupEvent
}

func (p *producerStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	event, _ := body.(domain.GroupEvent)
	p.events = append(p.events, publishedEvent{Exchange: exchange, RoutingKey: routingKey, Event: event})
	return nil
}

func (p *producerStub) Close() {}

func (p *producerStub) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.RoutingKey)
	}
	return keys
}

func (p *producerStub) hasRoutingKey(key string) bool {
	for _, k := range p.routingKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// rateLimiterStub admits a fixed number of attempts, then rejects with the
// configured retry-after hint.
type rateLimiterStub struct {
	remaining  int
	retryAfter int
	err        error
	scopes     []string
}

func (r *rateLimiterStub) Allow(ctx context.Context, scope, subject string) (bool, int, error) {
	if r.err != nil {
		return false, 0, r.err
	}
	r.scopes = append(r.scopes, scope)
	if r.remaining > 0 {
		r.remaining--
		return true, 0, nil
	}
	return false, r.retryAfter, nil
}

type testEnv struct {
	service  *Service
	cache    *store.CacheStore
	objects  *objectStoreStub
	ledger   *ledgerStub
	producer *producerStub
}

func newTestEnv() *testEnv {
	cache := store.NewCacheStore()
	objects := newObjectStoreStub()
	ledger := newLedgerStub()
	producer := &producerStub{}

	service := NewService(cache, objects, ledger, producer, ServiceConfig{
		EventExchange:       "squadsave.events",
		MaxMembers:          domain.MaxMembers,
		CreateTimeout:       time.Second,
		UpdateTimeout:       time.Second,
		ConfirmationTimeout: time.Second,
	})
	return &testEnv{service: service, cache: cache, objects: objects, ledger: ledger, producer: producer}
}

func createTestGroup(env *testEnv) (*domain.Group, string, error) {
	return env.service.CreateGroup(context.Background(), domain.CreateGroupRequest{
		Name:               "Lagos Savers",
		Description:        "Monthly savings circle",
		Creator:            "0xCreator00000000000000000000000000000001",
		CreatorNickname:    "Ada",
		ContributionAmount: 0.5,
		TargetAmount:       5,
		Duration:           "3-months",
		DueDay:             15,
	})
}
