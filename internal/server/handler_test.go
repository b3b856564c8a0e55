package server

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-ledger/internal/ledger"
	"github.com/0gfoundation/0g-subscription-ledger/internal/oracle"
	"github.com/0gfoundation/0g-subscription-ledger/internal/permit"
)

const testNetworkID = 16600

type testServer struct {
	t        *testing.T
	r        *gin.Engine
	led      *ledger.Ledger
	adminKey *ecdsa.PrivateKey
	nonce    int
	now      int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	adminKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	ts := &testServer{t: t, adminKey: adminKey, now: 1_700_000_000}
	ts.led = ledger.New(ledger.Params{
		Admin:                crypto.PubkeyToAddress(adminKey.PublicKey),
		NetworkID:            testNetworkID,
		MaxProviders:         10,
		MinProviderFee:       50,
		MinSubscriberDeposit: 100,
	}, nil, ledger.Deps{
		Valuator: oracle.NewValuator(oracle.Static{Price: big.NewInt(1), Decimals: 0}),
		Clock:    func() int64 { return ts.now },
	})

	ts.r = gin.New()
	h := NewHandler(ts.led, zap.NewNop())
	h.Register(ts.r.Group("/api", Auth(rdb)))

	return ts
}

// do sends a signed request as the wallet behind key and returns the recorder.
func (ts *testServer) do(key *ecdsa.PrivateKey, method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	ts.nonce++

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ts.t.Fatal(err)
		}
	}

	sr := SignedRequest{
		Action:     method + " " + path,
		ExpiresAt:  time.Now().Add(2 * time.Minute).Unix(),
		Nonce:      fmt.Sprintf("nonce-%d", ts.nonce),
		Payload:    json.RawMessage(`{}`),
		ResourceID: path,
	}
	msgBytes, _ := json.Marshal(sr)

	sig, err := crypto.Sign(hashMessage(msgBytes), key)
	if err != nil {
		ts.t.Fatal(err)
	}
	sig[64] += 27

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wallet-Address", crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set("X-Signed-Message", base64.StdEncoding.EncodeToString(msgBytes))
	req.Header.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))

	w := httptest.NewRecorder()
	ts.r.ServeHTTP(w, req)
	return w
}

func (ts *testServer) permitFor(key *ecdsa.PrivateKey, providerID, fee uint64, period int64) string {
	ts.t.Helper()
	sig, err := permit.Sign(ts.adminKey, crypto.PubkeyToAddress(key.PublicKey), providerID, fee, period, testNetworkID)
	if err != nil {
		ts.t.Fatal(err)
	}
	return "0x" + hex.EncodeToString(sig)
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid response JSON: %v: %s", err, w.Body.String())
	}
	return m
}

func TestProviderLifecycle(t *testing.T) {
	ts := newTestServer(t)
	provKey := genKey(t)

	w := ts.do(provKey, http.MethodPost, "/api/providers", gin.H{
		"id":             uint64(1),
		"fee_per_period": uint64(100),
		"period_seconds": int64(3600),
		"network_id":     uint64(testNetworkID),
		"permit":         ts.permitFor(provKey, 1, 100, 3600),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(provKey, http.MethodGet, "/api/providers/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != "ACTIVE" {
		t.Errorf("expected ACTIVE, got %v", resp["status"])
	}
	if resp["fee_per_period"] != float64(100) {
		t.Errorf("expected fee 100, got %v", resp["fee_per_period"])
	}

	w = ts.do(provKey, http.MethodDelete, "/api/providers/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(provKey, http.MethodGet, "/api/providers/1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestRegisterProvider_BadPermit(t *testing.T) {
	ts := newTestServer(t)
	provKey := genKey(t)

	// Permit issued for a different fee
	w := ts.do(provKey, http.MethodPost, "/api/providers", gin.H{
		"id":             uint64(1),
		"fee_per_period": uint64(100),
		"period_seconds": int64(3600),
		"network_id":     uint64(testNetworkID),
		"permit":         ts.permitFor(provKey, 1, 200, 3600),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["error"] != ledger.ErrInvalidPermit.Error() {
		t.Errorf("unexpected error: %v", resp["error"])
	}
}

func TestRegisterProvider_PermitReplay(t *testing.T) {
	ts := newTestServer(t)
	provKey := genKey(t)
	sig := ts.permitFor(provKey, 1, 100, 3600)

	body := gin.H{
		"id":             uint64(1),
		"fee_per_period": uint64(100),
		"period_seconds": int64(3600),
		"network_id":     uint64(testNetworkID),
		"permit":         sig,
	}
	if w := ts.do(provKey, http.MethodPost, "/api/providers", body); w.Code != http.StatusCreated {
		t.Fatalf("first register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w := ts.do(provKey, http.MethodPost, "/api/providers", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubscriberFlow(t *testing.T) {
	ts := newTestServer(t)
	provKey := genKey(t)
	subKey := genKey(t)

	w := ts.do(provKey, http.MethodPost, "/api/providers", gin.H{
		"id":             uint64(1),
		"fee_per_period": uint64(100),
		"period_seconds": int64(3600),
		"network_id":     uint64(testNetworkID),
		"permit":         ts.permitFor(provKey, 1, 100, 3600),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register provider: %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(subKey, http.MethodPost, "/api/subscribers", gin.H{"id": uint64(7), "deposit": uint64(500)})
	if w.Code != http.StatusCreated {
		t.Fatalf("register subscriber: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(subKey, http.MethodPost, "/api/subscribers/7/subscriptions", gin.H{"provider_ids": []uint64{1}})
	if w.Code != http.StatusOK {
		t.Fatalf("subscribe: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The first period is prepaid at subscribe time
	w = ts.do(subKey, http.MethodGet, "/api/subscribers/7", nil)
	resp := decode(t, w)
	if resp["balance"] != float64(400) {
		t.Errorf("expected balance 400, got %v", resp["balance"])
	}

	w = ts.do(subKey, http.MethodGet, "/api/subscribers/7/free-balance", nil)
	resp = decode(t, w)
	if resp["free_balance"] != float64(400) {
		t.Errorf("expected free balance 400, got %v", resp["free_balance"])
	}

	w = ts.do(subKey, http.MethodPost, "/api/subscribers/7/fund", gin.H{"amount": uint64(250)})
	if w.Code != http.StatusOK {
		t.Fatalf("fund: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp = decode(t, w)
	if resp["balance"] != float64(650) {
		t.Errorf("expected balance 650, got %v", resp["balance"])
	}

	w = ts.do(subKey, http.MethodDelete, "/api/subscribers/7/subscriptions/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unsubscribe: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubscribe_WrongOwner(t *testing.T) {
	ts := newTestServer(t)
	provKey := genKey(t)
	subKey := genKey(t)
	strangerKey := genKey(t)

	ts.do(provKey, http.MethodPost, "/api/providers", gin.H{
		"id":             uint64(1),
		"fee_per_period": uint64(100),
		"period_seconds": int64(3600),
		"network_id":     uint64(testNetworkID),
		"permit":         ts.permitFor(provKey, 1, 100, 3600),
	})
	ts.do(subKey, http.MethodPost, "/api/subscribers", gin.H{"id": uint64(7), "deposit": uint64(500)})

	w := ts.do(strangerKey, http.MethodPost, "/api/subscribers/7/subscriptions", gin.H{"provider_ids": []uint64{1}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestClaimAndWithdraw(t *testing.T) {
	ts := newTestServer(t)
	provKey := genKey(t)
	subKey := genKey(t)

	ts.do(provKey, http.MethodPost, "/api/providers", gin.H{
		"id":             uint64(1),
		"fee_per_period": uint64(100),
		"period_seconds": int64(3600),
		"network_id":     uint64(testNetworkID),
		"permit":         ts.permitFor(provKey, 1, 100, 3600),
	})
	ts.do(subKey, http.MethodPost, "/api/subscribers", gin.H{"id": uint64(7), "deposit": uint64(500)})
	ts.do(subKey, http.MethodPost, "/api/subscribers/7/subscriptions", gin.H{"provider_ids": []uint64{1}})

	// Claiming before a full period has elapsed fails the whole batch
	ts.now += 3599
	w := ts.do(provKey, http.MethodPost, "/api/providers/1/claim", gin.H{"subscriber_ids": []uint64{7}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("early claim: expected 422, got %d: %s", w.Code, w.Body.String())
	}

	ts.now++

	w = ts.do(provKey, http.MethodPost, "/api/providers/1/claim", gin.H{"subscriber_ids": []uint64{7}})
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["balance"] != float64(200) {
		t.Errorf("expected provider balance 200, got %v", resp["balance"])
	}

	w = ts.do(provKey, http.MethodPost, "/api/providers/1/withdraw", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = ts.do(provKey, http.MethodGet, "/api/providers/1", nil)
	resp = decode(t, w)
	if resp["balance"] != float64(0) {
		t.Errorf("expected zero balance after withdraw, got %v", resp["balance"])
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)
	strangerKey := genKey(t)

	w := ts.do(strangerKey, http.MethodPost, "/api/admin/max-providers", gin.H{"amount": uint64(5)})
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(ts.adminKey, http.MethodPost, "/api/admin/max-providers", gin.H{"amount": uint64(5)})
	if w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := ts.led.MaxProviders(); got != 5 {
		t.Errorf("expected max providers 5, got %d", got)
	}

	w = ts.do(ts.adminKey, http.MethodPost, "/api/admin/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Mutations are rejected while paused
	subKey := genKey(t)
	w = ts.do(subKey, http.MethodPost, "/api/subscribers", gin.H{"id": uint64(7), "deposit": uint64(500)})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("paused register: expected 422, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(ts.adminKey, http.MethodPost, "/api/admin/unpause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unpause: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = ts.do(subKey, http.MethodPost, "/api/subscribers", gin.H{"id": uint64(7), "deposit": uint64(500)})
	if w.Code != http.StatusCreated {
		t.Fatalf("register after unpause: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBadPathID(t *testing.T) {
	ts := newTestServer(t)
	key := genKey(t)

	w := ts.do(key, http.MethodGet, "/api/providers/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}
