package ledger

import "context"

// Changeset is the exported, serializable form of one operation's
// mutations. The store applies it atomically (one MULTI/EXEC); the ledger
// then folds it into memory. Deletes are listed separately from upserts.
type Changeset struct {
	Providers          []Provider
	DeletedProviders   []uint64
	Subscribers        []Subscriber
	AddedMemberships   []Pair
	RemovedMemberships []Pair
	ClaimTimes         []ClaimTime
	RemovedClaimTimes  []Pair
	UsedPermits        []UsedPermit
	MaxProviders       *uint64
	Paused             *bool
}

// UsedPermit is a consumed signature fingerprint (keccak of the 65-byte
// signature), stored append-only.
type UsedPermit [32]byte

// Empty reports whether the changeset carries no mutations at all.
func (cs *Changeset) Empty() bool {
	return len(cs.Providers) == 0 && len(cs.DeletedProviders) == 0 &&
		len(cs.Subscribers) == 0 &&
		len(cs.AddedMemberships) == 0 && len(cs.RemovedMemberships) == 0 &&
		len(cs.ClaimTimes) == 0 && len(cs.RemovedClaimTimes) == 0 &&
		len(cs.UsedPermits) == 0 &&
		cs.MaxProviders == nil && cs.Paused == nil
}

// changes stages one operation's view of the ledger. Reads go through the
// staged copies so that later checks in a batch observe earlier staged
// effects; nothing touches the live maps until commit.
type changes struct {
	l *Ledger

	providers   map[uint64]*Provider   // staged copy, nil entry = deleted
	subscribers map[uint64]*Subscriber // staged copy
	members     map[Pair]bool          // staged membership override
	lastClaim   map[Pair]*int64        // staged timestamp, nil entry = removed
	permits     []UsedPermit

	maxProviders *uint64
	paused       *bool

	events []Event
}

func (l *Ledger) stage() *changes {
	return &changes{
		l:           l,
		providers:   make(map[uint64]*Provider),
		subscribers: make(map[uint64]*Subscriber),
		members:     make(map[Pair]bool),
		lastClaim:   make(map[Pair]*int64),
	}
}

// provider returns a mutable staged copy; absent records come back as a
// zeroed Nonexistent record so status checks read naturally.
func (c *changes) provider(id uint64) *Provider {
	if p, ok := c.providers[id]; ok {
		if p == nil {
			return &Provider{ID: id}
		}
		return p
	}
	p := &Provider{ID: id}
	if live, ok := c.l.providers[id]; ok {
		cp := *live
		p = &cp
	}
	c.providers[id] = p
	return p
}

func (c *changes) subscriber(id uint64) *Subscriber {
	if s, ok := c.subscribers[id]; ok {
		return s
	}
	s := &Subscriber{ID: id}
	if live, ok := c.l.subscribers[id]; ok {
		cp := *live
		s = &cp
	}
	c.subscribers[id] = s
	return s
}

func (c *changes) deleteProvider(id uint64) {
	c.providers[id] = nil
}

func (c *changes) subscribed(pair Pair) bool {
	if v, ok := c.members[pair]; ok {
		return v
	}
	set, ok := c.l.members[pair.Subscriber]
	if !ok {
		return false
	}
	_, ok = set[pair.Provider]
	return ok
}

func (c *changes) addMember(pair Pair) {
	c.members[pair] = true
}

func (c *changes) removeMember(pair Pair) {
	c.members[pair] = false
}

// lastClaimAt returns the staged-or-live last claim timestamp, zero when
// the pair was never claimed.
func (c *changes) lastClaimAt(pair Pair) int64 {
	if ts, ok := c.lastClaim[pair]; ok {
		if ts == nil {
			return 0
		}
		return *ts
	}
	return c.l.lastClaim[pair]
}

func (c *changes) setLastClaim(pair Pair, at int64) {
	c.lastClaim[pair] = &at
}

func (c *changes) clearLastClaim(pair Pair) {
	c.lastClaim[pair] = nil
}

func (c *changes) usePermit(fp UsedPermit) {
	c.permits = append(c.permits, fp)
}

func (c *changes) emit(ev Event) {
	c.events = append(c.events, ev)
}

// changeset flattens the staged maps into the serializable form.
func (c *changes) changeset() *Changeset {
	cs := &Changeset{
		UsedPermits:  c.permits,
		MaxProviders: c.maxProviders,
		Paused:       c.paused,
	}
	for id, p := range c.providers {
		if p == nil {
			cs.DeletedProviders = append(cs.DeletedProviders, id)
			continue
		}
		if live, ok := c.l.providers[id]; ok && *live == *p {
			continue // read-only touch
		}
		if _, ok := c.l.providers[id]; !ok && p.Status == ProviderNonexistent {
			continue // absent record read but never created
		}
		cs.Providers = append(cs.Providers, *p)
	}
	for id, s := range c.subscribers {
		if live, ok := c.l.subscribers[id]; ok && *live == *s {
			continue
		}
		if _, ok := c.l.subscribers[id]; !ok && s.Status == SubscriberNonexistent {
			continue
		}
		cs.Subscribers = append(cs.Subscribers, *s)
	}
	for pair, present := range c.members {
		if present {
			if !c.l.liveMember(pair) {
				cs.AddedMemberships = append(cs.AddedMemberships, pair)
			}
		} else if c.l.liveMember(pair) {
			cs.RemovedMemberships = append(cs.RemovedMemberships, pair)
		}
	}
	for pair, ts := range c.lastClaim {
		if ts == nil {
			if _, ok := c.l.lastClaim[pair]; ok {
				cs.RemovedClaimTimes = append(cs.RemovedClaimTimes, pair)
			}
			continue
		}
		cs.ClaimTimes = append(cs.ClaimTimes, ClaimTime{Pair: pair, At: *ts})
	}
	return cs
}

// commit persists the changeset, then applies it to memory and emits the
// staged events. Persist failure discards everything.
func (c *changes) commit(ctx context.Context) error {
	cs := c.changeset()
	if !cs.Empty() {
		if err := c.l.store.Apply(ctx, cs); err != nil {
			return err
		}
	}
	c.l.apply(cs)
	for _, ev := range c.events {
		c.l.publish(ctx, ev)
	}
	return nil
}
