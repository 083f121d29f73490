package wallet

import (
	"context"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
	"github.com/Fmsticks2/SealGuard-sub002/internal/ethsign"
)

// TransactionSender submits a signed-intent call for a local provider.
// Embedders supply one bound to their node or test double.
type TransactionSender func(ctx context.Context, from string, call Call) (string, error)

// LocalProvider is an in-process provider holding its own secp256k1 key.
// It backs the injected kind in embedded and development setups and is
// the provider test suites drive.
type LocalProvider struct {
	mu      sync.Mutex
	key     *secp256k1.PrivateKey
	address string
	chainID uint64
	sender  TransactionSender
	events  chan Event
	done    chan struct{}
	closed  bool
}

// NewLocalProvider creates a provider over a private key. sender may be
// nil, in which case transaction submission fails with ProviderError.
func NewLocalProvider(key *secp256k1.PrivateKey, chainID uint64, sender TransactionSender) *LocalProvider {
	return &LocalProvider{
		key:     key,
		address: ethsign.PubKeyAddress(key.PubKey()),
		chainID: chainID,
		sender:  sender,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
}

// Address returns the provider's account address.
func (p *LocalProvider) Address() string { return p.address }

// RequestAccounts grants access to the single local account.
func (p *LocalProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	return []string{p.address}, nil
}

// ChainID returns the configured chain.
func (p *LocalProvider) ChainID(ctx context.Context) (uint64, error) {
	return p.chainID, nil
}

// Sign signs the message with the local key under the personal-sign
// envelope.
func (p *LocalProvider) Sign(ctx context.Context, address string, message []byte) (string, error) {
	if !ethsign.EqualAddress(address, p.address) {
		return "", errclass.Newf(errclass.ProviderError, "provider error: unknown account %s", address)
	}
	return ethsign.Sign(p.key, message)
}

// SendTransaction delegates to the configured sender.
func (p *LocalProvider) SendTransaction(ctx context.Context, from string, call Call) (string, error) {
	if p.sender == nil {
		return "", errclass.New(errclass.ProviderError, "provider error: no transaction sender configured")
	}
	return p.sender(ctx, from, call)
}

// Events returns the provider event channel.
func (p *LocalProvider) Events() <-chan Event { return p.events }

// Emit injects a provider event, preserving emission order. Used by
// embedders to simulate account and chain changes. After Close the
// event is dropped, even if Emit was already blocked on a full buffer.
func (p *LocalProvider) Emit(ev Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// Close releases the provider. Idempotent. The events channel stays
// open; consumers stop through their own teardown.
func (p *LocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	return nil
}
