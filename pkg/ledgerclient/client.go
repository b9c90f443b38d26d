/**
 * @description
 * This package provides a client for the authoritative ledger: the savings
 * smart contract, reached through an opaque HTTP relay in front of the chain
 * RPC endpoint. Read queries are synchronous and side-effect free; mutating
 * calls submit a transaction and return a pending handle that later resolves
 * to confirmed or failed. A mutating call is never authoritative until its
 * transaction confirms.
 *
 * Failures are classified into the causes callers surface to users: rejected
 * by the signer, insufficient funds, contract revert, or plain network
 * trouble. Raw transport errors never escape this package.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Contract method names, called by signature through the relay.
const (
	MethodCreateGroup         = "createGroup"
	MethodJoinGroup           = "joinGroup"
	MethodContribute          = "contribute"
	MethodVoteForWithdrawal   = "voteForWithdrawal"
	MethodEmergencyWithdrawal = "emergencyWithdrawal"
	MethodGetGroupDetails     = "getGroupDetails"
	MethodGetMemberDetails    = "getMemberDetails"
	MethodGetGroupBalance     = "getGroupBalance"
	MethodIsGroupMember       = "isGroupMember"
)

// Transaction states reported by the relay.
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
)

// Cause categories for a failed or rejected transaction.
type Cause string

const (
	CauseUserRejected      Cause = "user_rejected"
	CauseInsufficientFunds Cause = "insufficient_funds"
	CauseContractRevert    Cause = "contract_revert"
	CauseNetwork           Cause = "network"
)

// ErrUnavailable means the relay could not be reached at all.
var ErrUnavailable = errors.New("ledger: unavailable")

// ErrNotFound means the contract has no record for the query.
var ErrNotFound = errors.New("ledger: not found")

// TxError is a classified transaction failure.
type TxError struct {
	Cause   Cause
	TxHash  string
	Message string
}

func (e *TxError) Error() string {
	return fmt.Sprintf("ledger transaction failed (%s): %s", e.Cause, e.Message)
}

// Client is a client for the contract relay.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	// PollInterval controls confirmation polling cadence.
	PollInterval time.Duration
}

// NewClient creates a new ledger client. Call budgets come from ctx deadlines.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		HTTPClient:   &http.Client{},
		PollInterval: 1500 * time.Millisecond,
	}
}

// GroupDetails is the contract's view of a group.
type GroupDetails struct {
	GroupID            string          `json:"group_id"`
	Name               string          `json:"name"`
	Creator            string          `json:"creator"`
	ContributionAmount int64           `json:"contribution_amount"` // in gwei
	CurrentAmount      int64           `json:"current_amount"`      // in gwei
	TargetAmount       int64           `json:"target_amount"`       // in gwei
	IsActive           bool            `json:"is_active"`
	Members            []MemberDetails `json:"members"`
	BlockNumber        uint64          `json:"block_number"`
}

// MemberDetails is the contract's view of one member.
type MemberDetails struct {
	Address     string `json:"address"`
	Nickname    string `json:"nickname"`
	Contributed int64  `json:"contributed"` // in gwei
	AuraPoints  int64  `json:"aura_points"`
	JoinedAt    int64  `json:"joined_at"` // unix seconds
}

// TxHandle is the pending handle returned by every mutating call.
type TxHandle struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

// TxReceipt is the resolved state of a submitted transaction.
type TxReceipt struct {
	TxHash       string `json:"tx_hash"`
	Status       string `json:"status"`
	BlockNumber  uint64 `json:"block_number"`
	RevertReason string `json:"revert_reason,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// CreateGroupParams carries the createGroup call arguments.
type CreateGroupParams struct {
	GroupID            string `json:"group_id"`
	Name               string `json:"name"`
	Creator            string `json:"creator"`
	ContributionAmount int64  `json:"contribution_amount"` // in gwei
	TargetAmount       int64  `json:"target_amount"`       // in gwei
	Duration           string `json:"duration"`
	InviteCode         string `json:"invite_code"`
}

type callRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type callResponse struct {
	Result json.RawMessage `json:"result"`
}

type relayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GetGroupDetails reads the authoritative group record.
func (c *Client) GetGroupDetails(ctx context.Context, groupID string) (*GroupDetails, error) {
	var details GroupDetails
	err := c.call(ctx, MethodGetGroupDetails, map[string]string{"group_id": groupID}, &details)
	if err != nil {
		return nil, err
	}
	return &details, nil
}

// GetMemberDetails reads one member's on-chain state.
func (c *Client) GetMemberDetails(ctx context.Context, groupID, address string) (*MemberDetails, error) {
	var details MemberDetails
	err := c.call(ctx, MethodGetMemberDetails, map[string]string{"group_id": groupID, "address": address}, &details)
	if err != nil {
		return nil, err
	}
	return &details, nil
}

// GetGroupBalance reads the pooled balance in gwei.
func (c *Client) GetGroupBalance(ctx context.Context, groupID string) (int64, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	if err := c.call(ctx, MethodGetGroupBalance, map[string]string{"group_id": groupID}, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// IsGroupMember reports whether the address belongs to the group on chain.
func (c *Client) IsGroupMember(ctx context.Context, groupID, address string) (bool, error) {
	var result struct {
		IsMember bool `json:"is_member"`
	}
	if err := c.call(ctx, MethodIsGroupMember, map[string]string{"group_id": groupID, "address": address}, &result); err != nil {
		return false, err
	}
	return result.IsMember, nil
}

// CreateGroup submits the createGroup transaction.
func (c *Client) CreateGroup(ctx context.Context, params CreateGroupParams) (*TxHandle, error) {
	return c.submit(ctx, MethodCreateGroup, params)
}

// JoinGroup submits the joinGroup transaction for the caller address.
func (c *Client) JoinGroup(ctx context.Context, groupID, address, nickname string) (*TxHandle, error) {
	return c.submit(ctx, MethodJoinGroup, map[string]string{
		"group_id": groupID,
		"address":  address,
		"nickname": nickname,
	})
}

// Contribute submits a contribution transaction carrying its value in gwei.
func (c *Client) Contribute(ctx context.Context, groupID, address string, amount int64) (*TxHandle, error) {
	return c.submit(ctx, MethodContribute, map[string]interface{}{
		"group_id": groupID,
		"address":  address,
		"amount":   amount,
	})
}

// VoteForWithdrawal submits the caller's withdrawal vote.
func (c *Client) VoteForWithdrawal(ctx context.Context, groupID, address string) (*TxHandle, error) {
	return c.submit(ctx, MethodVoteForWithdrawal, map[string]string{
		"group_id": groupID,
		"address":  address,
	})
}

// EmergencyWithdrawal submits the emergency withdrawal transaction. Penalty
// rules are contract-defined; the caller adopts the post-penalty balance on
// confirmation.
func (c *Client) EmergencyWithdrawal(ctx context.Context, groupID, address string) (*TxHandle, error) {
	return c.submit(ctx, MethodEmergencyWithdrawal, map[string]string{
		"group_id": groupID,
		"address":  address,
	})
}

// GetTransaction fetches the current state of a submitted transaction.
func (c *Client) GetTransaction(ctx context.Context, txHash string) (*TxReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/contract/transactions/"+txHash, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-relay-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %v", ErrUnavailable, txHash, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: read response: %v", ErrUnavailable, txHash, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, txHash)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: receipt %s returned status %d", ErrUnavailable, txHash, resp.StatusCode)
	}

	var receipt TxReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return &receipt, nil
}

// WaitForConfirmation polls the transaction until it confirms, fails, or the
// context expires. A failed transaction returns a classified *TxError.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string) (*TxReceipt, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetTransaction(ctx, txHash)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// The relay may not index the tx immediately after submission.
				log.Printf("level=info component=ledger_client op=wait_confirmation tx_hash=%s msg=\"transaction not indexed yet\"", txHash)
			} else {
				return nil, err
			}
		} else {
			switch receipt.Status {
			case TxStatusConfirmed:
				return receipt, nil
			case TxStatusFailed:
				return receipt, &TxError{
					Cause:   classifyCause(receipt.ErrorCode, receipt.RevertReason),
					TxHash:  txHash,
					Message: failureMessage(receipt),
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: confirmation wait for %s: %v", ErrUnavailable, txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(callRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s call: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/contract/call", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-relay-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=ledger_client op=%s msg=\"transport failure\" err=%v", method, err)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %v", ErrUnavailable, method, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, method)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := relayErrorDetail(respBody)
		log.Printf("level=warn component=ledger_client op=%s status=%d detail=%q", method, resp.StatusCode, detail)
		return fmt.Errorf("%w: %s returned status %d", ErrUnavailable, method, resp.StatusCode)
	}

	var parsed callResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(parsed.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) submit(ctx context.Context, method string, params interface{}) (*TxHandle, error) {
	body, err := json.Marshal(callRequest{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s transaction: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/contract/transactions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transaction request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-relay-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=ledger_client op=%s msg=\"submit transport failure\" err=%v", method, err)
		return nil, &TxError{Cause: CauseNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TxError{Cause: CauseNetwork, Message: fmt.Sprintf("read submit response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var relayErr relayError
		if decodeErr := json.Unmarshal(respBody, &relayErr); decodeErr != nil {
			log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx submit (unparsable error body)\"", method, resp.StatusCode)
			return nil, &TxError{Cause: CauseNetwork, Message: fmt.Sprintf("submit returned status %d", resp.StatusCode)}
		}
		log.Printf("level=warn component=ledger_client op=%s status=%d code=%q detail=%q", method, resp.StatusCode, relayErr.Code, relayErr.Message)
		return nil, &TxError{
			Cause:   classifyCause(relayErr.Code, relayErr.Message),
			Message: relayErr.Message,
		}
	}

	var handle TxHandle
	if err := json.Unmarshal(respBody, &handle); err != nil {
		return nil, &TxError{Cause: CauseNetwork, Message: fmt.Sprintf("decode submit response: %v", err)}
	}
	if handle.Status == "" {
		handle.Status = TxStatusPending
	}
	return &handle, nil
}

func classifyCause(code, message string) Cause {
	normalized := strings.ToLower(strings.TrimSpace(code))
	switch normalized {
	case "user_rejected", "rejected_by_signer", "signature_denied":
		return CauseUserRejected
	case "insufficient_funds", "insufficient_balance":
		return CauseInsufficientFunds
	case "revert", "contract_revert", "execution_reverted":
		return CauseContractRevert
	}

	lowered := strings.ToLower(message)
	switch {
	case strings.Contains(lowered, "rejected"):
		return CauseUserRejected
	case strings.Contains(lowered, "insufficient"):
		return CauseInsufficientFunds
	case strings.Contains(lowered, "revert"):
		return CauseContractRevert
	default:
		return CauseNetwork
	}
}

func failureMessage(receipt *TxReceipt) string {
	if receipt.RevertReason != "" {
		return receipt.RevertReason
	}
	if receipt.ErrorCode != "" {
		return receipt.ErrorCode
	}
	return "transaction failed"
}

func relayErrorDetail(body []byte) string {
	var parsed relayError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	return parsed.Code
}
