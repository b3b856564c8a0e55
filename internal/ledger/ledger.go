// Package ledger is the subscription-billing accounting state machine:
// providers, subscribers, subscription memberships and per-pair claim
// timestamps, with every mutation applied all-or-nothing.
package ledger

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-ledger/internal/oracle"
	"github.com/0gfoundation/0g-subscription-ledger/internal/permit"
)

// Vault moves funds between participant accounts and the ledger's
// custody. Both calls must be atomic with the surrounding operation;
// failure aborts it.
type Vault interface {
	TransferIn(ctx context.Context, from common.Address, amount uint64) error
	TransferOut(ctx context.Context, to common.Address, amount uint64) error
}

// Store persists one operation's changeset atomically.
type Store interface {
	Apply(ctx context.Context, cs *Changeset) error
}

// Params are the fixed configuration of the ledger.
type Params struct {
	Admin        common.Address
	NetworkID    uint64
	MaxProviders uint64 // default, overridden by restored state

	// Minimum thresholds in reference-currency units.
	MinProviderFee       uint64
	MinSubscriberDeposit uint64
}

// Deps are the external collaborators. Clock defaults to the wall clock;
// Store, Events and Log may be nil (no persistence / no sink / no-op log).
type Deps struct {
	Store    Store
	Vault    Vault
	Valuator *oracle.Valuator
	Events   EventSink
	Clock    func() int64
	Log      *zap.Logger
}

// Ledger owns all entity state. A single mutex serializes every mutating
// operation, standing in for the host substrate's one-at-a-time
// execution guarantee.
type Ledger struct {
	mu sync.Mutex

	params Params

	providers    map[uint64]*Provider
	subscribers  map[uint64]*Subscriber
	members      map[uint64]map[uint64]struct{} // subscriber id -> provider ids
	lastClaim    map[Pair]int64
	usedPermits  map[UsedPermit]struct{}
	maxProviders uint64
	paused       bool

	store Store
	vault Vault
	val   *oracle.Valuator
	sink  EventSink
	now   func() int64
	log   *zap.Logger
}

func New(params Params, state *State, deps Deps) *Ledger {
	l := &Ledger{
		params:       params,
		providers:    make(map[uint64]*Provider),
		subscribers:  make(map[uint64]*Subscriber),
		members:      make(map[uint64]map[uint64]struct{}),
		lastClaim:    make(map[Pair]int64),
		usedPermits:  make(map[UsedPermit]struct{}),
		maxProviders: params.MaxProviders,
		store:        deps.Store,
		vault:        deps.Vault,
		val:          deps.Valuator,
		sink:         deps.Events,
		now:          deps.Clock,
		log:          deps.Log,
	}
	if l.store == nil {
		l.store = noopStore{}
	}
	if l.now == nil {
		l.now = func() int64 { return time.Now().Unix() }
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if state != nil {
		l.restore(state)
	}
	return l
}

func (l *Ledger) restore(st *State) {
	for i := range st.Providers {
		p := st.Providers[i]
		l.providers[p.ID] = &p
	}
	for i := range st.Subscribers {
		s := st.Subscribers[i]
		l.subscribers[s.ID] = &s
	}
	for _, pair := range st.Memberships {
		l.addLiveMember(pair)
	}
	for _, ct := range st.ClaimTimes {
		l.lastClaim[ct.Pair] = ct.At
	}
	for _, fp := range st.UsedPermits {
		l.usedPermits[UsedPermit(fp)] = struct{}{}
	}
	if st.MaxProviders != nil {
		l.maxProviders = *st.MaxProviders
	}
	l.paused = st.Paused
}

type noopStore struct{}

func (noopStore) Apply(ctx context.Context, cs *Changeset) error { return nil }

// ── Provider lifecycle ───────────────────────────────────────────────────────

// RegisterProvider onboards a provider under an admin-signed permit. The
// permit's signature fingerprint is consumed and can never be replayed.
func (l *Ledger) RegisterProvider(ctx context.Context, caller common.Address, providerID, feePerPeriod uint64, periodSeconds int64, networkID uint64, sig []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	if uint64(len(l.providers)) >= l.maxProviders {
		return ErrProviderLimitReached
	}
	fp := UsedPermit(permit.Fingerprint(sig))
	if _, used := l.usedPermits[fp]; used {
		return ErrPermitAlreadyUsed
	}
	if networkID != l.params.NetworkID {
		return ErrWrongNetwork
	}
	if !permit.Verify(l.params.Admin, caller, providerID, feePerPeriod, periodSeconds, networkID, sig) {
		return ErrInvalidPermit
	}
	if err := l.checkMinimum(ctx, feePerPeriod, l.params.MinProviderFee, ErrFeeBelowMinimum); err != nil {
		return err
	}

	c := l.stage()
	if c.provider(providerID).Status != ProviderNonexistent {
		return ErrProviderAlreadyRegistered
	}

	*c.provider(providerID) = Provider{
		ID:            providerID,
		Owner:         caller,
		FeePerPeriod:  feePerPeriod,
		PeriodSeconds: periodSeconds,
		Status:        ProviderActive,
	}
	c.usePermit(fp)
	c.emit(Event{Type: EventProviderRegistered, Provider: providerID, Owner: caller.Hex(), At: l.now()})
	return c.commit(ctx)
}

// DeleteProvider pays out the remaining balance to the owner and fully
// clears the record, its memberships and its claim timestamps.
func (l *Ledger) DeleteProvider(ctx context.Context, caller common.Address, providerID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	c := l.stage()
	p := c.provider(providerID)
	if p.Status == ProviderNonexistent {
		return ErrInvalidProviderID
	}
	if p.Owner != caller {
		return ErrUnauthorized
	}

	payout := p.Balance
	if payout > 0 && l.vault != nil {
		if err := l.vault.TransferOut(ctx, p.Owner, payout); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	for sid, set := range l.members {
		if _, ok := set[providerID]; ok {
			pair := Pair{Provider: providerID, Subscriber: sid}
			c.removeMember(pair)
			c.clearLastClaim(pair)
		}
	}
	c.deleteProvider(providerID)
	c.emit(Event{Type: EventProviderDeleted, Provider: providerID, Owner: caller.Hex(), Amount: payout, At: l.now()})
	return c.commit(ctx)
}

// UpdateProviderStatus toggles a provider between Active and Inactive.
// Administrator only.
func (l *Ledger) UpdateProviderStatus(ctx context.Context, caller common.Address, providerID uint64, status ProviderStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.params.Admin {
		return ErrUnauthorized
	}
	if status != ProviderActive && status != ProviderInactive {
		return ErrInvalidStatus
	}

	c := l.stage()
	p := c.provider(providerID)
	if p.Status == ProviderNonexistent {
		return ErrInvalidProviderID
	}
	p.Status = status
	return c.commit(ctx)
}

// SetMaxProviders adjusts the provider capacity. Administrator only; the
// new limit may not undercut the current population.
func (l *Ledger) SetMaxProviders(ctx context.Context, caller common.Address, n uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.params.Admin {
		return ErrUnauthorized
	}
	if n < uint64(len(l.providers)) {
		return ErrInvalidMaxProviders
	}

	c := l.stage()
	c.maxProviders = &n
	return c.commit(ctx)
}

// ── Subscriber lifecycle and subscriptions ───────────────────────────────────

// RegisterSubscriber creates a subscriber funded with startingDeposit,
// pulled from the caller into custody.
func (l *Ledger) RegisterSubscriber(ctx context.Context, caller common.Address, subscriberID, startingDeposit uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	c := l.stage()
	if c.subscriber(subscriberID).Status != SubscriberNonexistent {
		return ErrSubscriberAlreadyRegistered
	}
	if err := l.checkMinimum(ctx, startingDeposit, l.params.MinSubscriberDeposit, ErrDepositBelowMinimum); err != nil {
		return err
	}

	if l.vault != nil {
		if err := l.vault.TransferIn(ctx, caller, startingDeposit); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	*c.subscriber(subscriberID) = Subscriber{
		ID:      subscriberID,
		Owner:   caller,
		Balance: startingDeposit,
		Status:  SubscriberActive,
	}
	c.emit(Event{Type: EventSubscriberRegistered, Subscriber: subscriberID, Owner: caller.Hex(), Amount: startingDeposit, At: l.now()})
	return c.commit(ctx)
}

// AddSubscription subscribes to one provider, prepaying the first period
// out of the subscriber's balance. The claim window for the pair starts
// now: the provider's first claim becomes eligible one period later.
func (l *Ledger) AddSubscription(ctx context.Context, caller common.Address, subscriberID, providerID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	c := l.stage()
	if err := l.stageSubscription(c, caller, subscriberID, providerID); err != nil {
		return err
	}
	return c.commit(ctx)
}

// AddSubscriptions is the batch form: all memberships are added and all
// first periods prepaid, or nothing changes at all.
func (l *Ledger) AddSubscriptions(ctx context.Context, caller common.Address, subscriberID uint64, providerIDs []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	c := l.stage()
	for _, pid := range providerIDs {
		if err := l.stageSubscription(c, caller, subscriberID, pid); err != nil {
			return err
		}
	}
	return c.commit(ctx)
}

// stageSubscription runs the per-element checks against the staged view,
// so a batch observes its own earlier elements (running balance,
// duplicate provider ids).
func (l *Ledger) stageSubscription(c *changes, caller common.Address, subscriberID, providerID uint64) error {
	s := c.subscriber(subscriberID)
	if s.Status != SubscriberActive {
		return ErrInvalidSubscriberID
	}
	if s.Owner != caller {
		return ErrUnauthorized
	}
	pair := Pair{Provider: providerID, Subscriber: subscriberID}
	if c.subscribed(pair) {
		return ErrSubscriptionAlreadyActive
	}
	p := c.provider(providerID)
	if p.Status != ProviderActive {
		return ErrProviderInactive
	}
	if s.Balance < p.FeePerPeriod {
		return ErrInsufficientBalance
	}
	if p.Balance > math.MaxUint64-p.FeePerPeriod {
		return ErrAmountOverflow
	}

	now := l.now()
	s.Balance -= p.FeePerPeriod
	p.Balance += p.FeePerPeriod
	c.addMember(pair)
	c.setLastClaim(pair, now)
	c.emit(Event{
		Type:        EventSubscriptionAdded,
		Provider:    providerID,
		Subscriber:  subscriberID,
		Amount:      p.FeePerPeriod,
		At:          now,
		NextClaimAt: now + p.PeriodSeconds,
	})
	return nil
}

// DeleteSubscription removes an active membership. A missing membership
// fails with ErrInactiveSubscription; membership existence is the sole
// authority on the relation.
func (l *Ledger) DeleteSubscription(ctx context.Context, caller common.Address, subscriberID, providerID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	c := l.stage()
	s := c.subscriber(subscriberID)
	if s.Status != SubscriberActive {
		return ErrInvalidSubscriberID
	}
	if s.Owner != caller {
		return ErrUnauthorized
	}
	pair := Pair{Provider: providerID, Subscriber: subscriberID}
	if !c.subscribed(pair) {
		return ErrInactiveSubscription
	}

	c.removeMember(pair)
	c.clearLastClaim(pair)
	c.emit(Event{Type: EventSubscriptionRemoved, Provider: providerID, Subscriber: subscriberID, At: l.now()})
	return c.commit(ctx)
}

// SupplySubscriber tops up the balance from the caller's account. A
// Paused subscriber becomes Active again once replenished.
func (l *Ledger) SupplySubscriber(ctx context.Context, caller common.Address, subscriberID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	c := l.stage()
	s := c.subscriber(subscriberID)
	if s.Status == SubscriberNonexistent {
		return ErrInvalidSubscriberID
	}
	if s.Owner != caller {
		return ErrUnauthorized
	}
	if s.Balance > math.MaxUint64-amount {
		return ErrAmountOverflow
	}

	if l.vault != nil {
		if err := l.vault.TransferIn(ctx, caller, amount); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	s.Balance += amount
	if s.Status == SubscriberPaused {
		s.Status = SubscriberActive
	}
	c.emit(Event{Type: EventDeposited, Subscriber: subscriberID, Owner: caller.Hex(), Amount: amount, At: l.now()})
	return c.commit(ctx)
}

// ── Claims and withdrawal ────────────────────────────────────────────────────

// ClaimEarnings collects one period's fee from each listed subscriber.
//
// A subscriber outside the membership or still inside its claim window
// fails the whole batch; callers partition their batches by eligibility.
// A subscriber that cannot cover the fee is paused and dropped from the
// membership instead, with no value moved. The accumulated total lands
// on the provider balance in a single write after the loop.
func (l *Ledger) ClaimEarnings(ctx context.Context, caller common.Address, providerID uint64, subscriberIDs []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	c := l.stage()
	p := c.provider(providerID)
	if p.Status != ProviderActive {
		return ErrInvalidProviderID
	}
	if p.Owner != caller {
		return ErrUnauthorized
	}

	now := l.now()
	var total uint64
	for _, sid := range subscriberIDs {
		pair := Pair{Provider: providerID, Subscriber: sid}
		if !c.subscribed(pair) {
			return ErrInactiveSubscription
		}
		if now-c.lastClaimAt(pair) < p.PeriodSeconds {
			return ErrEarlyClaim
		}

		s := c.subscriber(sid)
		if s.Balance < p.FeePerPeriod {
			s.Status = SubscriberPaused
			c.removeMember(pair)
			c.clearLastClaim(pair)
			c.emit(Event{Type: EventSubscriberPaused, Provider: providerID, Subscriber: sid, At: now})
			continue
		}

		if total > math.MaxUint64-p.FeePerPeriod {
			return ErrAmountOverflow
		}
		s.Balance -= p.FeePerPeriod
		total += p.FeePerPeriod
		c.setLastClaim(pair, now)
		c.emit(Event{
			Type:        EventEarningsClaimed,
			Provider:    providerID,
			Subscriber:  sid,
			Amount:      p.FeePerPeriod,
			At:          now,
			NextClaimAt: now + p.PeriodSeconds,
		})
	}

	if p.Balance > math.MaxUint64-total {
		return ErrAmountOverflow
	}
	p.Balance += total
	return c.commit(ctx)
}

// WithdrawEarnings zeroes the provider balance and pays it out to the
// owner. Permitted while Inactive; only existence and ownership matter.
func (l *Ledger) WithdrawEarnings(ctx context.Context, caller common.Address, providerID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.gate(caller); err != nil {
		return err
	}

	c := l.stage()
	p := c.provider(providerID)
	if p.Status == ProviderNonexistent {
		return ErrInvalidProviderID
	}
	if p.Owner != caller {
		return ErrUnauthorized
	}

	amount := p.Balance
	if amount > 0 && l.vault != nil {
		if err := l.vault.TransferOut(ctx, p.Owner, amount); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	p.Balance = 0
	c.emit(Event{Type: EventEarningsWithdrawn, Provider: providerID, Owner: caller.Hex(), Amount: amount, At: l.now()})
	return c.commit(ctx)
}

// ── Administrative pause switch ──────────────────────────────────────────────

func (l *Ledger) SetPaused(ctx context.Context, caller common.Address, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.params.Admin {
		return ErrUnauthorized
	}
	c := l.stage()
	c.paused = &paused
	return c.commit(ctx)
}

// gate rejects non-admin mutations while the ledger is paused.
func (l *Ledger) gate(caller common.Address) error {
	if l.paused && caller != l.params.Admin {
		return ErrLedgerPaused
	}
	return nil
}

// ── Read-only projections ────────────────────────────────────────────────────

// FreeBalance projects the subscriber balance minus every fee that is
// claimable right now. Derivable purely from current entities; mutates
// nothing.
func (l *Ledger) FreeBalance(subscriberID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.subscribers[subscriberID]
	if !ok {
		return 0, ErrInvalidSubscriberID
	}

	now := l.now()
	var debt uint64
	for pid := range l.members[subscriberID] {
		p, ok := l.providers[pid]
		if !ok {
			continue
		}
		pair := Pair{Provider: pid, Subscriber: subscriberID}
		if now >= l.lastClaim[pair]+p.PeriodSeconds {
			if debt > math.MaxUint64-p.FeePerPeriod {
				return 0, ErrAmountOverflow
			}
			debt += p.FeePerPeriod
		}
	}
	if debt >= s.Balance {
		return 0, nil
	}
	return s.Balance - debt, nil
}

// GetProvider returns a copy of the record, or false when Nonexistent.
func (l *Ledger) GetProvider(id uint64) (Provider, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.providers[id]
	if !ok {
		return Provider{}, false
	}
	return *p, true
}

func (l *Ledger) GetSubscriber(id uint64) (Subscriber, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.subscribers[id]
	if !ok {
		return Subscriber{}, false
	}
	return *s, true
}

// Subscriptions lists the subscriber's active provider ids, sorted for
// stable output; iteration order carries no meaning.
func (l *Ledger) Subscriptions(subscriberID uint64) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.members[subscriberID]
	out := make([]uint64, 0, len(set))
	for pid := range set {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LastClaimAt returns the last successful claim timestamp for a pair,
// zero when never claimed.
func (l *Ledger) LastClaimAt(providerID, subscriberID uint64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastClaim[Pair{Provider: providerID, Subscriber: subscriberID}]
}

func (l *Ledger) ProviderCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.providers))
}

func (l *Ledger) MaxProviders() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxProviders
}

func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// ── Internals ────────────────────────────────────────────────────────────────

func (l *Ledger) checkMinimum(ctx context.Context, amount, minimum uint64, below error) error {
	if l.val == nil {
		return nil
	}
	ref, err := l.val.ToReference(ctx, amount)
	if err != nil {
		return err
	}
	if ref.Cmp(new(big.Int).SetUint64(minimum)) < 0 {
		return below
	}
	return nil
}

func (l *Ledger) liveMember(pair Pair) bool {
	set, ok := l.members[pair.Subscriber]
	if !ok {
		return false
	}
	_, ok = set[pair.Provider]
	return ok
}

func (l *Ledger) addLiveMember(pair Pair) {
	set, ok := l.members[pair.Subscriber]
	if !ok {
		set = make(map[uint64]struct{})
		l.members[pair.Subscriber] = set
	}
	set[pair.Provider] = struct{}{}
}

// apply folds a committed changeset into the live maps.
func (l *Ledger) apply(cs *Changeset) {
	for i := range cs.Providers {
		p := cs.Providers[i]
		l.providers[p.ID] = &p
	}
	for _, id := range cs.DeletedProviders {
		delete(l.providers, id)
	}
	for i := range cs.Subscribers {
		s := cs.Subscribers[i]
		l.subscribers[s.ID] = &s
	}
	for _, pair := range cs.AddedMemberships {
		l.addLiveMember(pair)
	}
	for _, pair := range cs.RemovedMemberships {
		if set, ok := l.members[pair.Subscriber]; ok {
			delete(set, pair.Provider)
			if len(set) == 0 {
				delete(l.members, pair.Subscriber)
			}
		}
	}
	for _, ct := range cs.ClaimTimes {
		l.lastClaim[ct.Pair] = ct.At
	}
	for _, pair := range cs.RemovedClaimTimes {
		delete(l.lastClaim, pair)
	}
	for _, fp := range cs.UsedPermits {
		l.usedPermits[fp] = struct{}{}
	}
	if cs.MaxProviders != nil {
		l.maxProviders = *cs.MaxProviders
	}
	if cs.Paused != nil {
		l.paused = *cs.Paused
	}
}

func (l *Ledger) publish(ctx context.Context, ev Event) {
	if l.sink != nil {
		if err := l.sink.Emit(ctx, ev); err != nil {
			l.log.Warn("event sink emit failed", zap.String("type", ev.Type), zap.Error(err))
		}
	}
	l.log.Info("ledger event",
		zap.String("type", ev.Type),
		zap.Uint64("provider", ev.Provider),
		zap.Uint64("subscriber", ev.Subscriber),
		zap.Uint64("amount", ev.Amount),
	)
}
