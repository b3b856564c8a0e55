package ledger

import "github.com/ethereum/go-ethereum/common"

// ProviderStatus mirrors the on-disk ordinal values; a record exists only
// while its status is not ProviderNonexistent.
type ProviderStatus uint8

const (
	ProviderNonexistent ProviderStatus = iota
	ProviderInactive
	ProviderActive
)

func (s ProviderStatus) String() string {
	switch s {
	case ProviderNonexistent:
		return "NONEXISTENT"
	case ProviderInactive:
		return "INACTIVE"
	case ProviderActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

type SubscriberStatus uint8

const (
	SubscriberNonexistent SubscriberStatus = iota
	SubscriberActive
	SubscriberPaused
)

func (s SubscriberStatus) String() string {
	switch s {
	case SubscriberNonexistent:
		return "NONEXISTENT"
	case SubscriberActive:
		return "ACTIVE"
	case SubscriberPaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Provider is a registered service offering a recurring fee. The fee and
// period are fixed at registration; Balance accumulates claimed earnings
// until withdrawal.
type Provider struct {
	ID            uint64
	Owner         common.Address
	Balance       uint64
	FeePerPeriod  uint64
	PeriodSeconds int64
	Status        ProviderStatus
}

// Subscriber holds deposited funds and a set of active subscriptions
// (kept separately, keyed by subscriber id).
type Subscriber struct {
	ID      uint64
	Owner   common.Address
	Balance uint64
	Status  SubscriberStatus
}

// Pair keys the per-subscription claim timestamp.
type Pair struct {
	Provider   uint64
	Subscriber uint64
}

// ClaimTime records when a provider last claimed from a subscriber.
type ClaimTime struct {
	Pair
	At int64
}

// State is a full snapshot of the persisted ledger, as loaded from the
// store at boot. MaxProviders is nil when the admin never set a limit;
// an explicit zero is a valid persisted value.
type State struct {
	Providers    []Provider
	Subscribers  []Subscriber
	Memberships  []Pair
	ClaimTimes   []ClaimTime
	UsedPermits  []common.Hash
	MaxProviders *uint64
	Paused       bool
}
