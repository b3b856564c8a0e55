// Package store persists the ledger in Redis. One operation's changeset
// is applied in a single MULTI/EXEC pipeline; the full state is scanned
// back into memory at boot.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-subscription-ledger/internal/ledger"
)

const (
	providerKeyPrefix   = "ledger:provider:"
	subscriberKeyPrefix = "ledger:subscriber:"
	membersKeyPrefix    = "ledger:subs:"
	lastClaimKey        = "ledger:lastclaim"
	permitsKey          = "ledger:permits"
	maxProvidersKey     = "ledger:maxproviders"
	pausedKey           = "ledger:paused"
)

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func providerKey(id uint64) string {
	return providerKeyPrefix + strconv.FormatUint(id, 10)
}

func subscriberKey(id uint64) string {
	return subscriberKeyPrefix + strconv.FormatUint(id, 10)
}

func membersKey(subscriberID uint64) string {
	return membersKeyPrefix + strconv.FormatUint(subscriberID, 10)
}

func pairField(p ledger.Pair) string {
	return strconv.FormatUint(p.Provider, 10) + ":" + strconv.FormatUint(p.Subscriber, 10)
}

// Apply writes one changeset atomically.
func (s *Store) Apply(ctx context.Context, cs *ledger.Changeset) error {
	pipe := s.rdb.TxPipeline()

	for _, p := range cs.Providers {
		pipe.HSet(ctx, providerKey(p.ID),
			"owner", p.Owner.Hex(),
			"balance", p.Balance,
			"fee_per_period", p.FeePerPeriod,
			"period_seconds", p.PeriodSeconds,
			"status", uint8(p.Status),
		)
	}
	for _, id := range cs.DeletedProviders {
		pipe.Del(ctx, providerKey(id))
	}
	for _, sub := range cs.Subscribers {
		pipe.HSet(ctx, subscriberKey(sub.ID),
			"owner", sub.Owner.Hex(),
			"balance", sub.Balance,
			"status", uint8(sub.Status),
		)
	}
	for _, pair := range cs.AddedMemberships {
		pipe.SAdd(ctx, membersKey(pair.Subscriber), pair.Provider)
	}
	for _, pair := range cs.RemovedMemberships {
		pipe.SRem(ctx, membersKey(pair.Subscriber), pair.Provider)
	}
	for _, ct := range cs.ClaimTimes {
		pipe.HSet(ctx, lastClaimKey, pairField(ct.Pair), ct.At)
	}
	for _, pair := range cs.RemovedClaimTimes {
		pipe.HDel(ctx, lastClaimKey, pairField(pair))
	}
	for _, fp := range cs.UsedPermits {
		pipe.SAdd(ctx, permitsKey, common.Hash(fp).Hex())
	}
	if cs.MaxProviders != nil {
		pipe.Set(ctx, maxProvidersKey, *cs.MaxProviders, 0)
	}
	if cs.Paused != nil {
		pipe.Set(ctx, pausedKey, boolVal(*cs.Paused), 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply changeset: %w", err)
	}
	return nil
}

func boolVal(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Load rebuilds the full ledger state.
func (s *Store) Load(ctx context.Context) (*ledger.State, error) {
	st := &ledger.State{}

	if err := s.scan(ctx, providerKeyPrefix+"*", func(key string) error {
		vals, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil || len(vals) == 0 {
			return err
		}
		id, err := strconv.ParseUint(key[len(providerKeyPrefix):], 10, 64)
		if err != nil {
			return fmt.Errorf("provider key %q: %w", key, err)
		}
		p, err := providerFromMap(id, vals)
		if err != nil {
			return err
		}
		st.Providers = append(st.Providers, p)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(ctx, subscriberKeyPrefix+"*", func(key string) error {
		vals, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil || len(vals) == 0 {
			return err
		}
		id, err := strconv.ParseUint(key[len(subscriberKeyPrefix):], 10, 64)
		if err != nil {
			return fmt.Errorf("subscriber key %q: %w", key, err)
		}
		sub, err := subscriberFromMap(id, vals)
		if err != nil {
			return err
		}
		st.Subscribers = append(st.Subscribers, sub)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(ctx, membersKeyPrefix+"*", func(key string) error {
		sid, err := strconv.ParseUint(key[len(membersKeyPrefix):], 10, 64)
		if err != nil {
			return fmt.Errorf("members key %q: %w", key, err)
		}
		members, err := s.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		for _, m := range members {
			pid, err := strconv.ParseUint(m, 10, 64)
			if err != nil {
				return fmt.Errorf("member %q of subscriber %d: %w", m, sid, err)
			}
			st.Memberships = append(st.Memberships, ledger.Pair{Provider: pid, Subscriber: sid})
		}
		return nil
	}); err != nil {
		return nil, err
	}

	claims, err := s.rdb.HGetAll(ctx, lastClaimKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load claim times: %w", err)
	}
	for field, raw := range claims {
		pid, sid, ok := strings.Cut(field, ":")
		if !ok {
			return nil, fmt.Errorf("malformed claim field %q", field)
		}
		p, err1 := strconv.ParseUint(pid, 10, 64)
		sub, err2 := strconv.ParseUint(sid, 10, 64)
		at, err3 := strconv.ParseInt(raw, 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("malformed claim entry %q=%q", field, raw)
		}
		st.ClaimTimes = append(st.ClaimTimes, ledger.ClaimTime{
			Pair: ledger.Pair{Provider: p, Subscriber: sub},
			At:   at,
		})
	}

	permits, err := s.rdb.SMembers(ctx, permitsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load permits: %w", err)
	}
	for _, raw := range permits {
		st.UsedPermits = append(st.UsedPermits, common.HexToHash(raw))
	}

	if raw, err := s.rdb.Get(ctx, maxProvidersKey).Result(); err == nil {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed max providers %q", raw)
		}
		st.MaxProviders = &n
	} else if err != redis.Nil {
		return nil, fmt.Errorf("load max providers: %w", err)
	}

	if raw, err := s.rdb.Get(ctx, pausedKey).Result(); err == nil {
		st.Paused = raw == "1"
	} else if err != redis.Nil {
		return nil, fmt.Errorf("load paused flag: %w", err)
	}

	return st, nil
}

func (s *Store) scan(ctx context.Context, pattern string, visit func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, key := range keys {
			if err := visit(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func providerFromMap(id uint64, m map[string]string) (ledger.Provider, error) {
	balance, err := strconv.ParseUint(m["balance"], 10, 64)
	if err != nil {
		return ledger.Provider{}, fmt.Errorf("provider %d balance: %w", id, err)
	}
	fee, err := strconv.ParseUint(m["fee_per_period"], 10, 64)
	if err != nil {
		return ledger.Provider{}, fmt.Errorf("provider %d fee: %w", id, err)
	}
	period, err := strconv.ParseInt(m["period_seconds"], 10, 64)
	if err != nil {
		return ledger.Provider{}, fmt.Errorf("provider %d period: %w", id, err)
	}
	status, err := strconv.ParseUint(m["status"], 10, 8)
	if err != nil {
		return ledger.Provider{}, fmt.Errorf("provider %d status: %w", id, err)
	}
	return ledger.Provider{
		ID:            id,
		Owner:         common.HexToAddress(m["owner"]),
		Balance:       balance,
		FeePerPeriod:  fee,
		PeriodSeconds: period,
		Status:        ledger.ProviderStatus(status),
	}, nil
}

func subscriberFromMap(id uint64, m map[string]string) (ledger.Subscriber, error) {
	balance, err := strconv.ParseUint(m["balance"], 10, 64)
	if err != nil {
		return ledger.Subscriber{}, fmt.Errorf("subscriber %d balance: %w", id, err)
	}
	status, err := strconv.ParseUint(m["status"], 10, 8)
	if err != nil {
		return ledger.Subscriber{}, fmt.Errorf("subscriber %d status: %w", id, err)
	}
	return ledger.Subscriber{
		ID:      id,
		Owner:   common.HexToAddress(m["owner"]),
		Balance: balance,
		Status:  ledger.SubscriberStatus(status),
	}, nil
}
