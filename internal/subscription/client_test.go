package subscription

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Fmsticks2/SealGuard-sub002/internal/chain"
	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
	"github.com/Fmsticks2/SealGuard-sub002/internal/wallet"
)

const (
	testContract = "0x00000000000000000000000000000000000aaa01"
	testAddress  = "0x00000000000000000000000000000000000bbb02"
)

// fakeNode answers eth_call with a scripted result and can fail the first
// N requests at the transport level.
type fakeNode struct {
	mu       sync.Mutex
	result   string
	rpcError *chain.RPCError
	failures int
	calls    int
}

func (n *fakeNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		n.calls++
		fail := n.failures > 0
		if fail {
			n.failures--
		}
		result, rpcErr := n.result, n.rpcError
		n.mu.Unlock()

		if fail {
			// Drop the connection to simulate a transport failure.
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("response writer must support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}

		var req chain.RPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := chain.RPCResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = json.RawMessage(result)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func (n *fakeNode) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// fakeSender records submitted calls.
type fakeSender struct {
	mu     sync.Mutex
	hash   string
	err    error
	calls  []wallet.Call
	signal chan struct{}
}

func (s *fakeSender) SendTransaction(ctx context.Context, call wallet.Call) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.signal != nil {
		<-s.signal
	}
	if s.err != nil {
		return "", s.err
	}
	return s.hash, nil
}

func (s *fakeSender) sent() []wallet.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wallet.Call{}, s.calls...)
}

func planResult(t *testing.T, price, duration, exists int64) string {
	t.Helper()
	var data []byte
	for _, v := range []int64{price, duration, exists} {
		word, err := chain.EncodeUint256(big.NewInt(v))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		data = append(data, word...)
	}
	return `"` + chain.EncodeHex(data) + `"`
}

func wordResult(t *testing.T, v int64) string {
	t.Helper()
	word, err := chain.EncodeUint256(big.NewInt(v))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return `"` + chain.EncodeHex(word) + `"`
}

func newTestClient(t *testing.T, node *fakeNode, sender *fakeSender) *Client {
	t.Helper()
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

	client, err := NewClient(Config{
		Contract:    contract,
		Sender:      sender,
		Decimals:    6,
		ReadBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestGetPlan(t *testing.T) {
	node := &fakeNode{result: planResult(t, 1_000_000, 2592000, 1)}
	client := newTestClient(t, node, &fakeSender{})

	plan, err := client.GetPlan(context.Background(), 3)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if plan.PlanID != 3 || plan.Price.Int64() != 1_000_000 || plan.DurationSeconds != 2592000 {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	node := &fakeNode{result: planResult(t, 0, 0, 0)}
	client := newTestClient(t, node, &fakeSender{})

	_, err := client.GetPlan(context.Background(), 9)
	if errclass.KindOf(err) != errclass.PlanNotFound {
		t.Fatalf("kind = %v, want PlanNotFound", errclass.KindOf(err))
	}
}

func TestGetPlanRetriesTransportFailure(t *testing.T) {
	node := &fakeNode{result: planResult(t, 5, 60, 1), failures: 2}
	client := newTestClient(t, node, &fakeSender{})

	plan, err := client.GetPlan(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetPlan after transient failures: %v", err)
	}
	if plan.Price.Int64() != 5 {
		t.Fatalf("plan = %+v", plan)
	}
	if node.callCount() != 3 {
		t.Fatalf("node saw %d calls, want 3", node.callCount())
	}
}

func TestGetPlanExhaustedRetriesClassifyNetwork(t *testing.T) {
	node := &fakeNode{failures: 10}
	client := newTestClient(t, node, &fakeSender{})

	_, err := client.GetPlan(context.Background(), 1)
	if errclass.KindOf(err) != errclass.NetworkError {
		t.Fatalf("kind = %v, want NetworkError", errclass.KindOf(err))
	}
	if node.callCount() != 3 {
		t.Fatalf("node saw %d calls, want 3", node.callCount())
	}
}

func TestGetPlanRPCErrorNotRetried(t *testing.T) {
	node := &fakeNode{rpcError: &chain.RPCError{Code: -32000, Message: "execution reverted"}}
	client := newTestClient(t, node, &fakeSender{})

	_, err := client.GetPlan(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if node.callCount() != 1 {
		t.Fatalf("node saw %d calls, want 1; node-reported errors are deterministic", node.callCount())
	}
}

func TestGetExpiry(t *testing.T) {
	node := &fakeNode{result: wordResult(t, 1756652400)}
	client := newTestClient(t, node, &fakeSender{})

	sub, err := client.GetExpiry(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("GetExpiry: %v", err)
	}
	if sub.Address != testAddress || sub.ExpiresAt != 1756652400 {
		t.Fatalf("subscription = %+v", sub)
	}
}

func TestSubscribe(t *testing.T) {
	node := &fakeNode{result: planResult(t, 1_000_000, 2592000, 1)}
	sender := &fakeSender{hash: "0xfeed"}
	client := newTestClient(t, node, sender)

	pending, err := client.Subscribe(context.Background(), 3)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if pending.Hash != "0xfeed" || pending.Kind != TxSubscribe || pending.Status != StatusSubmitted {
		t.Fatalf("pending = %+v", pending)
	}

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sender saw %d calls, want 1", len(calls))
	}
	if calls[0].To != testContract {
		t.Fatalf("call to = %s, want %s", calls[0].To, testContract)
	}
	// The transaction value is exactly the on-chain price.
	if calls[0].Value.Int64() != 1_000_000 {
		t.Fatalf("value = %s, want 1000000", calls[0].Value)
	}
}

func TestSubscribeUnconfiguredPlan(t *testing.T) {
	for _, tc := range []struct {
		name   string
		price  int64
		exists int64
	}{
		{"plan absent", 1_000_000, 0},
		{"zero price", 0, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			node := &fakeNode{result: planResult(t, tc.price, 60, tc.exists)}
			sender := &fakeSender{hash: "0xfeed"}
			client := newTestClient(t, node, sender)

			_, err := client.Subscribe(context.Background(), 3)
			if errclass.KindOf(err) != errclass.PlanNotConfigured {
				t.Fatalf("kind = %v, want PlanNotConfigured", errclass.KindOf(err))
			}
			if len(sender.sent()) != 0 {
				t.Fatal("validation failures must surface before the wallet prompt")
			}
		})
	}
}

func TestSubscribeInflightGuard(t *testing.T) {
	node := &fakeNode{result: planResult(t, 100, 60, 1)}
	sender := &fakeSender{hash: "0xfeed", signal: make(chan struct{})}
	client := newTestClient(t, node, sender)

	done := make(chan error, 1)
	go func() {
		_, err := client.Subscribe(context.Background(), 3)
		done <- err
	}()

	// Wait until the first submission is blocked inside the sender.
	deadline := time.After(2 * time.Second)
	for {
		if len(sender.sent()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first subscribe never reached the sender")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := client.Subscribe(context.Background(), 3); err == nil {
		t.Fatal("second subscribe should be rejected while one is in flight")
	}

	close(sender.signal)
	if err := <-done; err != nil {
		t.Fatalf("first subscribe: %v", err)
	}

	// The guard releases once the submission settles.
	sender.signal = nil
	if _, err := client.Subscribe(context.Background(), 3); err != nil {
		t.Fatalf("subscribe after release: %v", err)
	}
}

func TestPay(t *testing.T) {
	node := &fakeNode{}
	sender := &fakeSender{hash: "0xbeef"}
	client := newTestClient(t, node, sender)

	amount, err := ParseAmount("2.5", client.Decimals())
	if err != nil {
		t.Fatalf("ParseAmount: %v", err)
	}

	pending, err := client.Pay(context.Background(), amount)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if pending.Kind != TxPay || pending.Status != StatusSubmitted {
		t.Fatalf("pending = %+v", pending)
	}

	calls := sender.sent()
	if len(calls) != 1 || calls[0].Value.String() != "2500000" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestPayRejectsNonPositive(t *testing.T) {
	client := newTestClient(t, &fakeNode{}, &fakeSender{})

	if _, err := client.Pay(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil amount")
	}
	if _, err := client.Pay(context.Background(), big.NewInt(0)); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := client.Pay(context.Background(), big.NewInt(-5)); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestSendFailureNotRetried(t *testing.T) {
	node := &fakeNode{result: planResult(t, 100, 60, 1)}
	sender := &fakeSender{err: errclass.New(errclass.UserRejected, "user rejected the request")}
	client := newTestClient(t, node, sender)

	_, err := client.Subscribe(context.Background(), 3)
	if errclass.KindOf(err) != errclass.UserRejected {
		t.Fatalf("kind = %v, want UserRejected", errclass.KindOf(err))
	}
	if len(sender.sent()) != 1 {
		t.Fatalf("sender saw %d calls, want 1; writes are never auto-retried", len(sender.sent()))
	}
}
