package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-subscription-ledger/internal/ledger"
	"github.com/0gfoundation/0g-subscription-ledger/internal/permit"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, mr
}

var (
	testOwner = common.HexToAddress("0xABCDEF1234567890ABCDEF1234567890ABCDEF12")
	testFp    = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
)

func uptr(v uint64) *uint64 { return &v }
func bptr(v bool) *bool     { return &v }

func TestApply_Load_Roundtrip(t *testing.T) {
	rdb, _ := newTestRedis(t)
	s := New(rdb)
	ctx := context.Background()

	cs := &ledger.Changeset{
		Providers: []ledger.Provider{{
			ID:            1,
			Owner:         testOwner,
			Balance:       250,
			FeePerPeriod:  100,
			PeriodSeconds: 3600,
			Status:        ledger.ProviderActive,
		}},
		Subscribers: []ledger.Subscriber{{
			ID:      10,
			Owner:   testOwner,
			Balance: 400,
			Status:  ledger.SubscriberActive,
		}},
		AddedMemberships: []ledger.Pair{{Provider: 1, Subscriber: 10}},
		ClaimTimes: []ledger.ClaimTime{{
			Pair: ledger.Pair{Provider: 1, Subscriber: 10},
			At:   1_700_000_000,
		}},
		UsedPermits:  []ledger.UsedPermit{ledger.UsedPermit(testFp)},
		MaxProviders: uptr(32),
		Paused:       bptr(true),
	}
	if err := s.Apply(ctx, cs); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	st, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(st.Providers) != 1 {
		t.Fatalf("providers: got %d want 1", len(st.Providers))
	}
	if st.Providers[0] != cs.Providers[0] {
		t.Errorf("provider roundtrip: got %+v want %+v", st.Providers[0], cs.Providers[0])
	}
	if len(st.Subscribers) != 1 || st.Subscribers[0] != cs.Subscribers[0] {
		t.Errorf("subscriber roundtrip: got %+v", st.Subscribers)
	}
	if len(st.Memberships) != 1 || st.Memberships[0] != (ledger.Pair{Provider: 1, Subscriber: 10}) {
		t.Errorf("memberships: got %v", st.Memberships)
	}
	if len(st.ClaimTimes) != 1 || st.ClaimTimes[0].At != 1_700_000_000 {
		t.Errorf("claim times: got %v", st.ClaimTimes)
	}
	if len(st.UsedPermits) != 1 || st.UsedPermits[0] != testFp {
		t.Errorf("permits: got %v", st.UsedPermits)
	}
	if st.MaxProviders == nil || *st.MaxProviders != 32 {
		t.Errorf("max providers: got %v want 32", st.MaxProviders)
	}
	if !st.Paused {
		t.Error("paused flag lost")
	}
}

func TestApply_Deletes(t *testing.T) {
	rdb, _ := newTestRedis(t)
	s := New(rdb)
	ctx := context.Background()

	seed := &ledger.Changeset{
		Providers: []ledger.Provider{{ID: 1, Owner: testOwner, FeePerPeriod: 100, PeriodSeconds: 60, Status: ledger.ProviderActive}},
		Subscribers: []ledger.Subscriber{{
			ID: 10, Owner: testOwner, Balance: 100, Status: ledger.SubscriberActive,
		}},
		AddedMemberships: []ledger.Pair{{Provider: 1, Subscriber: 10}},
		ClaimTimes:       []ledger.ClaimTime{{Pair: ledger.Pair{Provider: 1, Subscriber: 10}, At: 42}},
	}
	if err := s.Apply(ctx, seed); err != nil {
		t.Fatal(err)
	}

	wipe := &ledger.Changeset{
		DeletedProviders:   []uint64{1},
		RemovedMemberships: []ledger.Pair{{Provider: 1, Subscriber: 10}},
		RemovedClaimTimes:  []ledger.Pair{{Provider: 1, Subscriber: 10}},
	}
	if err := s.Apply(ctx, wipe); err != nil {
		t.Fatal(err)
	}

	st, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Providers) != 0 {
		t.Errorf("provider survives delete: %v", st.Providers)
	}
	if len(st.Memberships) != 0 {
		t.Errorf("membership survives delete: %v", st.Memberships)
	}
	if len(st.ClaimTimes) != 0 {
		t.Errorf("claim time survives delete: %v", st.ClaimTimes)
	}
	// Subscriber untouched by the wipe
	if len(st.Subscribers) != 1 {
		t.Errorf("subscriber lost: %v", st.Subscribers)
	}
}

func TestLoad_EmptyDatabase(t *testing.T) {
	rdb, _ := newTestRedis(t)
	s := New(rdb)

	st, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Providers) != 0 || len(st.Subscribers) != 0 || st.MaxProviders != nil || st.Paused {
		t.Errorf("unexpected state from empty db: %+v", st)
	}
}

// TestZeroMaxProvidersSurvivesRestart: an explicit limit of zero is a
// valid persisted value and must not revert to the config default.
func TestZeroMaxProvidersSurvivesRestart(t *testing.T) {
	rdb, _ := newTestRedis(t)
	s := New(rdb)
	ctx := context.Background()

	admin := common.HexToAddress("0x1111111111111111111111111111111111111111")
	params := ledger.Params{Admin: admin, NetworkID: 16600, MaxProviders: 10}

	led := ledger.New(params, nil, ledger.Deps{Store: s})
	if err := led.SetMaxProviders(ctx, admin, 0); err != nil {
		t.Fatal(err)
	}

	st, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	revived := ledger.New(params, st, ledger.Deps{Store: s})
	if revived.MaxProviders() != 0 {
		t.Fatalf("max providers after restart: got %d want 0", revived.MaxProviders())
	}
}

// TestRestartRecovery drives the ledger with this store attached, then
// rebuilds a second ledger from Redis and checks the books match.
func TestRestartRecovery(t *testing.T) {
	rdb, _ := newTestRedis(t)
	s := New(rdb)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	admin := crypto.PubkeyToAddress(key.PublicKey)
	params := ledger.Params{Admin: admin, NetworkID: 16600, MaxProviders: 10}

	led := ledger.New(params, nil, ledger.Deps{Store: s})

	sig, err := permit.Sign(key, testOwner, 1, 100, 3600, 16600)
	if err != nil {
		t.Fatal(err)
	}
	if err := led.RegisterProvider(ctx, testOwner, 1, 100, 3600, 16600, sig); err != nil {
		t.Fatal(err)
	}
	if err := led.RegisterSubscriber(ctx, testOwner, 10, 500); err != nil {
		t.Fatal(err)
	}
	if err := led.AddSubscription(ctx, testOwner, 10, 1); err != nil {
		t.Fatal(err)
	}

	st, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	revived := ledger.New(params, st, ledger.Deps{Store: s})

	p, ok := revived.GetProvider(1)
	if !ok || p.Balance != 100 || p.Status != ledger.ProviderActive {
		t.Errorf("provider after restart: %+v", p)
	}
	sub, ok := revived.GetSubscriber(10)
	if !ok || sub.Balance != 400 {
		t.Errorf("subscriber after restart: %+v", sub)
	}
	if subs := revived.Subscriptions(10); len(subs) != 1 || subs[0] != 1 {
		t.Errorf("memberships after restart: %v", subs)
	}
	if revived.LastClaimAt(1, 10) == 0 {
		t.Error("claim timestamp lost across restart")
	}

	// The used-permit set survives too: replaying the same signature on
	// the revived ledger must fail.
	if err := revived.DeleteProvider(ctx, testOwner, 1); err != nil {
		t.Fatal(err)
	}
	err = revived.RegisterProvider(ctx, testOwner, 1, 100, 3600, 16600, sig)
	if !errors.Is(err, ledger.ErrPermitAlreadyUsed) {
		t.Fatalf("got %v want ErrPermitAlreadyUsed", err)
	}
}

func TestEventQueue_Emit(t *testing.T) {
	rdb, mr := newTestRedis(t)
	q := NewEventQueue(rdb)
	ctx := context.Background()

	ev := ledger.Event{
		Type:        ledger.EventEarningsClaimed,
		Provider:    1,
		Subscriber:  10,
		Amount:      100,
		At:          1_700_000_000,
		NextClaimAt: 1_700_003_600,
	}
	if err := q.Emit(ctx, ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	raw, err := mr.Lpop(eventQueueKey)
	if err != nil {
		t.Fatalf("queue empty: %v", err)
	}
	var got ledger.Event
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != ev {
		t.Errorf("got %+v want %+v", got, ev)
	}
}
