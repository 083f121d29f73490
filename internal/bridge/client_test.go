package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
)

const testAddress = "0x00000000000000000000000000000000000aaa01"

func newTestBridge(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestRequestChallenge(t *testing.T) {
	var gotAddress string
	client := newTestBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/challenge" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotAddress = body["address"]
		json.NewEncoder(w).Encode(Challenge{Nonce: "deadbeef", IssuedAt: 1756600000})
	}))

	challenge, err := client.RequestChallenge(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("RequestChallenge: %v", err)
	}
	if challenge.Nonce != "deadbeef" || challenge.IssuedAt != 1756600000 {
		t.Fatalf("challenge = %+v", challenge)
	}
	if gotAddress != testAddress {
		t.Fatalf("posted address = %s", gotAddress)
	}
}

func TestRequestChallengeEmptyNonce(t *testing.T) {
	client := newTestBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Challenge{})
	}))

	_, err := client.RequestChallenge(context.Background(), testAddress)
	if errclass.KindOf(err) != errclass.SessionRejected {
		t.Fatalf("kind = %v, want SessionRejected", errclass.KindOf(err))
	}
}

func TestVerify(t *testing.T) {
	var got Ticket
	client := newTestBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/verify" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"sessionToken": "tok-1"})
	}))

	ticket := Ticket{Address: testAddress, Signature: "0xsig", Nonce: "deadbeef"}
	token, err := client.Verify(context.Background(), ticket)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("token = %s", token)
	}
	if got != ticket {
		t.Fatalf("posted ticket = %+v", got)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   errclass.Kind
	}{
		{http.StatusConflict, errclass.ChallengeExpired},
		{http.StatusGone, errclass.ChallengeExpired},
		{http.StatusUnauthorized, errclass.SessionRejected},
		{http.StatusForbidden, errclass.SessionRejected},
		{http.StatusTooManyRequests, errclass.NetworkError},
		{http.StatusBadGateway, errclass.NetworkError},
		{http.StatusBadRequest, errclass.SessionRejected},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			client := newTestBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "rejected"})
			}))

			_, err := client.Verify(context.Background(), Ticket{Address: testAddress})
			if errclass.KindOf(err) != tc.want {
				t.Fatalf("status %d: kind = %v, want %v", tc.status, errclass.KindOf(err), tc.want)
			}
		})
	}
}

func TestVerifyTransportError(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Verify(context.Background(), Ticket{Address: testAddress})
	if errclass.KindOf(err) != errclass.NetworkError {
		t.Fatalf("kind = %v, want NetworkError", errclass.KindOf(err))
	}
}

func TestVerifySingleRequest(t *testing.T) {
	calls := 0
	client := newTestBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.Verify(context.Background(), Ticket{Address: testAddress})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("bridge saw %d requests, want 1; verify must never retry", calls)
	}
}
