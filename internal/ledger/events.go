package ledger

import "context"

// Event types pushed to the sink after an operation commits.
const (
	EventProviderRegistered   = "provider_registered"
	EventProviderDeleted      = "provider_deleted"
	EventSubscriberRegistered = "subscriber_registered"
	EventSubscriptionAdded    = "subscription_added"
	EventSubscriptionRemoved  = "subscription_removed"
	EventSubscriberPaused     = "subscriber_paused"
	EventEarningsClaimed      = "earnings_claimed"
	EventEarningsWithdrawn    = "earnings_withdrawn"
	EventDeposited            = "deposited"
)

// Event is the ledger's outbound notification. Fields not relevant to a
// given type are left at their zero value and omitted from JSON.
type Event struct {
	Type        string `json:"type"`
	Provider    uint64 `json:"provider,omitempty"`
	Subscriber  uint64 `json:"subscriber,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
	At          int64  `json:"at,omitempty"`
	NextClaimAt int64  `json:"next_claim_at,omitempty"`
}

// EventSink receives committed events. Sink failures are logged, never
// propagated: events are advisory, the books are authoritative.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}
