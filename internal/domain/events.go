/**
 * @description
 * Event payloads published to RabbitMQ for the notification collaborator.
 * The group-service only publishes; rendering emails or push messages from
 * these events happens downstream.
 */

package domain

import "time"

// Routing keys on the group events exchange.
const (
	EventGroupCreated         = "group.created"
	EventMemberJoined         = "group.member.joined"
	EventContributionRecorded = "group.contribution.recorded"
	EventWithdrawalCompleted  = "group.withdrawal.completed"
	EventSyncDiverged         = "group.sync.diverged"
)

// GroupEvent is the envelope for every group lifecycle message.
type GroupEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	GroupID    string    `json:"group_id"`
	GroupName  string    `json:"group_name"`
	Actor      string    `json:"actor,omitempty"`  // wallet address that caused the event
	Amount     int64     `json:"amount,omitempty"` // in gwei, when money moved
	TxHash     string    `json:"tx_hash,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
