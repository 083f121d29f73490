// Package wallet owns the lifecycle of a connection to a wallet provider
// and exposes the signing and transaction-submission capability the rest
// of the session core consumes.
package wallet

import (
	"context"
	"math/big"
	"time"
)

// Kind selects which provider implementation a connect attempt uses.
type Kind string

const (
	// KindInjected is an in-process provider holding its own key, used in
	// embedded and development setups.
	KindInjected Kind = "injected"
	// KindRemote is a provider reached over a WebSocket transport, with
	// the wallet application on the far end.
	KindRemote Kind = "remote"
)

// Call is a contract call submitted through the wallet. Value may be nil
// for non-payable calls.
type Call struct {
	To    string
	Data  []byte
	Value *big.Int
}

// EventType enumerates provider-emitted lifecycle events.
type EventType string

const (
	EventAccountChanged EventType = "account_changed"
	EventChainChanged   EventType = "chain_changed"
	EventDisconnected   EventType = "disconnected"
)

// Event is an asynchronous provider notification. Address and ChainID
// carry the new values for account and chain changes.
type Event struct {
	Type    EventType
	Address string
	ChainID uint64
}

// Provider is the capability a wallet implementation must supply. It is
// injected into the Connector; business logic never reaches for an
// ambient provider object.
type Provider interface {
	// RequestAccounts asks the wallet for access and returns the
	// accounts the user approved.
	RequestAccounts(ctx context.Context) ([]string, error)

	// ChainID returns the chain the wallet is currently on.
	ChainID(ctx context.Context) (uint64, error)

	// Sign requests a signature over the exact message bytes.
	Sign(ctx context.Context, address string, message []byte) (string, error)

	// SendTransaction submits a contract call and returns the
	// transaction hash without waiting for confirmation.
	SendTransaction(ctx context.Context, from string, call Call) (string, error)

	// Events returns the channel carrying provider notifications in
	// emission order. The channel closes when the provider closes.
	Events() <-chan Event

	// Close releases the provider. Idempotent.
	Close() error
}

// Session describes a live wallet connection. Exactly one session is live
// per connector.
type Session struct {
	Address     string
	ChainID     uint64
	ConnectedAt time.Time
}
