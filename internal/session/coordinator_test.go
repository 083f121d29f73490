package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Fmsticks2/SealGuard-sub002/internal/auth"
	"github.com/Fmsticks2/SealGuard-sub002/internal/bridge"
	"github.com/Fmsticks2/SealGuard-sub002/internal/chain"
	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
	"github.com/Fmsticks2/SealGuard-sub002/internal/subscription"
	"github.com/Fmsticks2/SealGuard-sub002/internal/wallet"
)

const testContract = "0x00000000000000000000000000000000000aaa01"

// fakeNode answers the two contract reads, routing by selector. The
// expiry value is mutable so tests can simulate settlement.
type fakeNode struct {
	mu         sync.Mutex
	plan       []int64 // price, duration, exists
	expiry     int64
	expiryGate chan struct{}
}

func (n *fakeNode) setExpiry(v int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiry = v
}

// holdExpiry parks subscriptionExpires replies until gate is closed.
func (n *fakeNode) holdExpiry(gate chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiryGate = gate
}

func (n *fakeNode) handler() http.HandlerFunc {
	selPlans := chain.EncodeHex(chain.Selector("plans(uint256)"))
	selExpires := chain.EncodeHex(chain.Selector("subscriptionExpires(address)"))

	return func(w http.ResponseWriter, r *http.Request) {
		var req chain.RPCRequest
		json.NewDecoder(r.Body).Decode(&req)

		call, _ := req.Params[0].(map[string]any)
		data, _ := call["data"].(string)

		n.mu.Lock()
		var values []int64
		var gate chan struct{}
		switch {
		case strings.HasPrefix(data, selPlans):
			values = n.plan
		case strings.HasPrefix(data, selExpires):
			values = []int64{n.expiry}
			gate = n.expiryGate
		}
		n.mu.Unlock()

		if gate != nil {
			<-gate
		}

		var result []byte
		for _, v := range values {
			word, _ := chain.EncodeUint256(big.NewInt(v))
			result = append(result, word...)
		}
		json.NewEncoder(w).Encode(chain.RPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`"` + chain.EncodeHex(result) + `"`),
		})
	}
}

// fakeBridge implements the auth bridge with fresh nonces.
type fakeBridge struct {
	mu    sync.Mutex
	seq   int
	token string
}

func (b *fakeBridge) RequestChallenge(ctx context.Context, address string) (bridge.Challenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return bridge.Challenge{Nonce: fmt.Sprintf("nonce-%d", b.seq), IssuedAt: time.Now().Unix()}, nil
}

func (b *fakeBridge) Verify(ctx context.Context, ticket bridge.Ticket) (string, error) {
	return b.token, nil
}

// scriptedSigner wraps a connector signer with an optional hook run
// before signing.
type scriptedSigner struct {
	sign func(ctx context.Context, message []byte) (string, error)
	err  error
	hook func()
}

func (s *scriptedSigner) Sign(ctx context.Context, message []byte) (string, error) {
	if s.hook != nil {
		s.hook()
	}
	if s.err != nil {
		return "", s.err
	}
	return s.sign(ctx, message)
}

type harness struct {
	coordinator *Coordinator
	provider    *wallet.LocalProvider
	connector   *wallet.Connector
	node        *fakeNode
	signer      *scriptedSigner
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	node := &fakeNode{plan: []int64{1_000_000, 2592000, 1}}
	srv := httptest.NewServer(node.handler())
	t.Cleanup(srv.Close)

	rpc, err := chain.NewClient(chain.Config{RPCURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("chain.NewClient: %v", err)
	}
	contract, err := chain.NewSubscriptionContract(rpc, testContract)
	if err != nil {
		t.Fatalf("NewSubscriptionContract: %v", err)
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	provider := wallet.NewLocalProvider(key, 1, func(ctx context.Context, from string, call wallet.Call) (string, error) {
		return "0xsubmitted", nil
	})
	connector := wallet.NewConnector(wallet.ConnectorConfig{
		Providers: map[wallet.Kind]wallet.Provider{wallet.KindInjected: provider},
	})

	signer := &scriptedSigner{sign: connector.Sign}
	manager, err := auth.NewManager(auth.Config{
		Bridge: &fakeBridge{token: "session-token"},
		Signer: signer,
		Domain: "sealguard.app",
	})
	if err != nil {
		t.Fatalf("auth.NewManager: %v", err)
	}

	subs, err := subscription.NewClient(subscription.Config{
		Contract:    contract,
		Sender:      connector,
		Decimals:    6,
		ReadBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("subscription.NewClient: %v", err)
	}

	coordinator, err := New(Config{
		Connector:       connector,
		Auth:            manager,
		Subscription:    subs,
		ConfirmAttempts: 5,
		ConfirmInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		coordinator.Close()
		connector.Disconnect()
	})

	return &harness{
		coordinator: coordinator,
		provider:    provider,
		connector:   connector,
		node:        node,
		signer:      signer,
	}
}

func (h *harness) waitFor(t *testing.T, cond func(State) bool) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s := h.coordinator.State(); cond(s) {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("condition never held; last state %+v", h.coordinator.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFullSignInFlow(t *testing.T) {
	h := newHarness(t)
	h.node.setExpiry(1756652400)
	ctx := context.Background()

	if err := h.coordinator.Connect(ctx, wallet.KindInjected); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s := h.coordinator.State()
	if s.Wallet == nil || s.AuthPhase != auth.PhaseConnected {
		t.Fatalf("state after connect = %+v", s)
	}

	if err := h.coordinator.RequestChallenge(ctx); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if h.coordinator.State().AuthPhase != auth.PhaseChallenged {
		t.Fatalf("phase = %v, want challenged", h.coordinator.State().AuthPhase)
	}

	if err := h.coordinator.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if h.coordinator.State().AuthPhase != auth.PhaseAuthenticated {
		t.Fatalf("phase = %v, want authenticated", h.coordinator.State().AuthPhase)
	}

	// Authentication triggers a background entitlement read.
	s = h.waitFor(t, func(s State) bool { return s.Subscription != nil })
	if s.Subscription.ExpiresAt != 1756652400 {
		t.Fatalf("subscription = %+v", s.Subscription)
	}
	if s.Subscription.Address != h.provider.Address() {
		t.Fatalf("subscription address = %s, want %s", s.Subscription.Address, h.provider.Address())
	}
}

func TestDisconnectResetsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Connect(ctx, wallet.KindInjected); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.coordinator.Disconnect()

	s := h.waitFor(t, func(s State) bool { return s.Wallet == nil })
	if s.AuthPhase != auth.PhaseDisconnected || s.Subscription != nil || s.Pending != nil {
		t.Fatalf("state after disconnect = %+v", s)
	}
}

func TestDeclinedSignatureIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Connect(ctx, wallet.KindInjected); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.coordinator.RequestChallenge(ctx); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}

	h.signer.err = errclass.New(errclass.SignatureRejected, "user denied message signature")
	err := h.coordinator.Authenticate(ctx)
	if errclass.KindOf(err) != errclass.SignatureRejected {
		t.Fatalf("kind = %v, want SignatureRejected", errclass.KindOf(err))
	}

	s := h.coordinator.State()
	if s.AuthPhase != auth.PhaseConnected {
		t.Fatalf("phase = %v, want connected; the wallet stays connected after a decline", s.AuthPhase)
	}
	if s.LastError == nil || s.LastError.Severity != errclass.SeverityInfo {
		t.Fatalf("last error = %+v, want info severity", s.LastError)
	}

	// The flow restarts from a fresh challenge.
	h.signer.err = nil
	if err := h.coordinator.RequestChallenge(ctx); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if err := h.coordinator.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate after decline: %v", err)
	}
	if h.coordinator.State().AuthPhase != auth.PhaseAuthenticated {
		t.Fatalf("phase = %v, want authenticated", h.coordinator.State().AuthPhase)
	}
}

func TestAccountChangeDiscardsInFlightAuthentication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Connect(ctx, wallet.KindInjected); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.coordinator.RequestChallenge(ctx); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	epoch := h.connector.Epoch()

	// An account switch lands while the signing prompt is up.
	h.signer.hook = func() {
		h.provider.Emit(wallet.Event{
			Type:    wallet.EventAccountChanged,
			Address: "0x00000000000000000000000000000000000bbb02",
		})
		deadline := time.After(2 * time.Second)
		for h.connector.Epoch() == epoch {
			select {
			case <-deadline:
				t.Error("account change never processed")
				return
			case <-time.After(time.Millisecond):
			}
		}
	}

	if err := h.coordinator.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v; stale results are discarded, not surfaced", err)
	}

	s := h.coordinator.State()
	if s.AuthPhase == auth.PhaseAuthenticated {
		t.Fatal("authentication for a superseded wallet must not stick")
	}
	if _, ok := h.coordinator.auth.Token(); ok {
		t.Fatal("no token may survive the account change")
	}
}

func TestAccountChangeDiscardsInFlightSubscriptionRead(t *testing.T) {
	h := newHarness(t)
	h.node.setExpiry(1756652400)
	ctx := context.Background()

	// Park the entitlement read triggered by authentication on the node.
	gate := make(chan struct{})
	h.node.holdExpiry(gate)

	authenticate(t, h, ctx)
	oldAddress := h.provider.Address()

	// The account switches while the read is still in flight.
	h.provider.Emit(wallet.Event{
		Type:    wallet.EventAccountChanged,
		Address: "0x00000000000000000000000000000000000bbb02",
	})
	h.waitFor(t, func(s State) bool {
		return s.Wallet != nil && s.Wallet.Address != oldAddress
	})

	// Releasing the node lets the old account's result arrive; it
	// belongs to a superseded session and must not land.
	close(gate)

	deadline := time.After(200 * time.Millisecond)
	for {
		if s := h.coordinator.State(); s.Subscription != nil {
			t.Fatalf("stale subscription applied: %+v", s.Subscription)
		}
		select {
		case <-deadline:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStaleEpochMutationDiscarded(t *testing.T) {
	h := newHarness(t)
	h.node.setExpiry(500)
	ctx := context.Background()

	authenticate(t, h, ctx)
	h.waitFor(t, func(s State) bool { return s.Subscription != nil })

	var mu sync.Mutex
	notifies := 0
	h.coordinator.Observe(func(State) {
		mu.Lock()
		notifies++
		mu.Unlock()
	})

	applied := h.coordinator.transitionIfEpoch(h.connector.Epoch()-1, func(s *State) {
		s.AuthPhase = auth.PhaseAuthenticated
		s.Wallet = nil
	})
	if applied {
		t.Fatal("mutation for a superseded epoch must not apply")
	}
	if s := h.coordinator.State(); s.Wallet == nil {
		t.Fatal("discarded mutation leaked into state")
	}
	mu.Lock()
	if notifies != 0 {
		t.Fatalf("notifies = %d; observers must not see discarded results", notifies)
	}
	mu.Unlock()

	if !h.coordinator.transitionIfEpoch(h.connector.Epoch(), func(s *State) {}) {
		t.Fatal("mutation for the live epoch must apply")
	}
	mu.Lock()
	if notifies != 1 {
		t.Fatalf("notifies = %d, want 1", notifies)
	}
	mu.Unlock()
}

func TestSubscribeConfirms(t *testing.T) {
	h := newHarness(t)
	h.node.setExpiry(100)
	ctx := context.Background()

	authenticate(t, h, ctx)
	h.waitFor(t, func(s State) bool { return s.Subscription != nil })

	if err := h.coordinator.Subscribe(ctx, 3); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	s := h.coordinator.State()
	if s.Pending == nil || s.Pending.Status != subscription.StatusSubmitted {
		t.Fatalf("pending = %+v, want submitted", s.Pending)
	}

	// The chain reflects the purchase on a later read.
	h.node.setExpiry(2692100)

	s = h.waitFor(t, func(s State) bool {
		return s.Pending != nil && s.Pending.Status == subscription.StatusConfirmed
	})
	if s.Subscription == nil || s.Subscription.ExpiresAt != 2692100 {
		t.Fatalf("subscription = %+v", s.Subscription)
	}
	if s.ConfirmationTimedOut {
		t.Fatal("confirmed transaction must not be marked timed out")
	}
}

func TestSubscribeConfirmationTimeout(t *testing.T) {
	h := newHarness(t)
	h.node.setExpiry(100)
	ctx := context.Background()

	authenticate(t, h, ctx)
	h.waitFor(t, func(s State) bool { return s.Subscription != nil })

	if err := h.coordinator.Subscribe(ctx, 3); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// The expiry never moves; the attempt budget runs out.
	s := h.waitFor(t, func(s State) bool { return s.ConfirmationTimedOut })
	if s.Pending == nil || s.Pending.Status != subscription.StatusSubmitted {
		t.Fatalf("pending = %+v; an unconfirmed transaction is not silently dropped", s.Pending)
	}
	if s.LastError == nil || s.LastError.Kind != errclass.ConfirmationTimeout {
		t.Fatalf("last error = %+v, want ConfirmationTimeout", s.LastError)
	}
}

func TestSubmitRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Connect(ctx, wallet.KindInjected); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.coordinator.Subscribe(ctx, 3); err == nil {
		t.Fatal("subscribe before authentication should fail")
	}
	if err := h.coordinator.Pay(ctx, big.NewInt(100)); err == nil {
		t.Fatal("pay before authentication should fail")
	}
}

func TestRefreshSubscription(t *testing.T) {
	h := newHarness(t)
	h.node.setExpiry(500)
	ctx := context.Background()

	authenticate(t, h, ctx)
	h.waitFor(t, func(s State) bool { return s.Subscription != nil })

	h.node.setExpiry(900)
	if err := h.coordinator.RefreshSubscription(ctx); err != nil {
		t.Fatalf("RefreshSubscription: %v", err)
	}
	if got := h.coordinator.State().Subscription.ExpiresAt; got != 900 {
		t.Fatalf("expiry = %d, want 900", got)
	}
}

func TestObserverReceivesSnapshots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	var phases []auth.Phase
	h.coordinator.Observe(func(s State) {
		mu.Lock()
		phases = append(phases, s.AuthPhase)
		mu.Unlock()
	})

	if err := h.coordinator.Connect(ctx, wallet.KindInjected); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.coordinator.RequestChallenge(ctx); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if err := h.coordinator.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	mu.Lock()
	got := append([]auth.Phase{}, phases...)
	mu.Unlock()

	want := []auth.Phase{auth.PhaseConnected, auth.PhaseChallenged, auth.PhaseAuthenticated}
	if len(got) < len(want) {
		t.Fatalf("observed %d transitions, want at least %d", len(got), len(want))
	}
	for i, phase := range want {
		if got[i] != phase {
			t.Fatalf("transition %d = %v, want %v", i, got[i], phase)
		}
	}
}

func authenticate(t *testing.T, h *harness, ctx context.Context) {
	t.Helper()
	if err := h.coordinator.Connect(ctx, wallet.KindInjected); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.coordinator.RequestChallenge(ctx); err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if err := h.coordinator.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}
