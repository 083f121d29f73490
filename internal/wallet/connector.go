package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
	"github.com/Fmsticks2/SealGuard-sub002/pkg/logger"
)

// Connector manages the single live wallet session. It owns the provider
// handle, relays provider events to subscribers in emission order, and
// stamps every connection with an epoch so in-flight work keyed to a
// superseded session can be recognized and discarded.
type Connector struct {
	mu            sync.Mutex
	providers     map[Kind]Provider
	allowedChains map[uint64]bool

	provider Provider
	session  *Session
	epoch    uint64
	stop     chan struct{}
	dispatch sync.WaitGroup

	subscribers []func(Event)
	log         *logger.Logger
}

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	// Providers maps each supported kind to its implementation.
	Providers map[Kind]Provider
	// AllowedChains lists chain IDs a connection may be on. Empty means
	// any chain is accepted.
	AllowedChains []uint64
	Logger        *logger.Logger
}

// NewConnector creates a connector over the given providers.
func NewConnector(cfg ConnectorConfig) *Connector {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("wallet")
	}

	allowed := make(map[uint64]bool, len(cfg.AllowedChains))
	for _, id := range cfg.AllowedChains {
		allowed[id] = true
	}

	return &Connector{
		providers:     cfg.Providers,
		allowedChains: allowed,
		log:           log,
	}
}

// OnEvent registers a subscriber for provider events. Subscribers are
// invoked on a single dispatch goroutine in emission order. Register
// before connecting.
func (c *Connector) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Connect requests access from the provider of the preferred kind and
// establishes a session. A previous session, if any, is released first.
func (c *Connector) Connect(ctx context.Context, preferred Kind) (Session, error) {
	c.mu.Lock()
	provider, ok := c.providers[preferred]
	c.mu.Unlock()
	if !ok || provider == nil {
		return Session{}, errclass.Newf(errclass.NoProvider, "no provider registered for kind %q", preferred)
	}

	accounts, err := provider.RequestAccounts(ctx)
	if err != nil {
		return Session{}, c.wrapProviderErr(err, errclass.ProviderError)
	}
	if len(accounts) == 0 {
		return Session{}, errclass.New(errclass.UserRejected, "user rejected: no accounts granted")
	}

	chainID, err := provider.ChainID(ctx)
	if err != nil {
		return Session{}, c.wrapProviderErr(err, errclass.ProviderError)
	}
	if len(c.allowedChains) > 0 && !c.allowedChains[chainID] {
		return Session{}, errclass.Newf(errclass.UnsupportedChain, "unsupported chain %d", chainID)
	}

	c.Disconnect()

	session := Session{
		Address:     accounts[0],
		ChainID:     chainID,
		ConnectedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.provider = provider
	c.session = &session
	c.epoch++
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.dispatch.Add(1)
	go c.dispatchLoop(provider, stop)

	c.log.WithField("address", session.Address).
		WithField("chain_id", session.ChainID).
		WithField("kind", string(preferred)).
		Info("wallet connected")
	return session, nil
}

// Disconnect releases the provider handle and clears the session.
// Idempotent; safe to call with no live session.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	provider := c.provider
	stop := c.stop
	hadSession := c.session != nil
	c.provider = nil
	c.session = nil
	c.stop = nil
	if hadSession {
		c.epoch++
	}
	subscribers := append([]func(Event){}, c.subscribers...)
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.dispatch.Wait()
	if provider != nil {
		_ = provider.Close()
	}

	if hadSession {
		c.log.Info("wallet disconnected")
		for _, fn := range subscribers {
			fn(Event{Type: EventDisconnected})
		}
	}
}

// Session returns the live session, if any.
func (c *Connector) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Epoch returns the connection epoch. It increments on every connect,
// disconnect, and account or chain change; callers tag in-flight work
// with it and drop results whose epoch no longer matches.
func (c *Connector) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Sign requests a signature over the exact message bytes from the live
// session's account.
func (c *Connector) Sign(ctx context.Context, message []byte) (string, error) {
	c.mu.Lock()
	provider, session := c.provider, c.session
	c.mu.Unlock()
	if provider == nil || session == nil {
		return "", errclass.New(errclass.NoProvider, "no provider connected")
	}

	sig, err := provider.Sign(ctx, session.Address, message)
	if err != nil {
		return "", c.wrapProviderErr(err, errclass.ProviderError)
	}
	return sig, nil
}

// SendTransaction submits a contract call from the live session's account
// and returns the transaction hash immediately.
func (c *Connector) SendTransaction(ctx context.Context, call Call) (string, error) {
	c.mu.Lock()
	provider, session := c.provider, c.session
	c.mu.Unlock()
	if provider == nil || session == nil {
		return "", errclass.New(errclass.NoProvider, "no provider connected")
	}

	hash, err := provider.SendTransaction(ctx, session.Address, call)
	if err != nil {
		return "", c.wrapProviderErr(err, errclass.ProviderError)
	}

	c.log.WithField("tx_hash", hash).Debug("transaction submitted")
	return hash, nil
}

func (c *Connector) dispatchLoop(provider Provider, stop <-chan struct{}) {
	defer c.dispatch.Done()
	events := provider.Events()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

// handleEvent updates the session before notifying subscribers, so by the
// time any subscriber observes the event the stale session is already
// superseded.
func (c *Connector) handleEvent(ev Event) {
	c.mu.Lock()
	switch ev.Type {
	case EventAccountChanged:
		if c.session != nil {
			c.epoch++
			c.session = &Session{
				Address:     ev.Address,
				ChainID:     c.session.ChainID,
				ConnectedAt: time.Now().UTC(),
			}
		}
	case EventChainChanged:
		if c.session != nil {
			c.epoch++
			c.session = &Session{
				Address:     c.session.Address,
				ChainID:     ev.ChainID,
				ConnectedAt: time.Now().UTC(),
			}
		}
	case EventDisconnected:
		if c.session != nil {
			c.epoch++
			c.session = nil
			c.provider = nil
		}
	}
	subscribers := append([]func(Event){}, c.subscribers...)
	c.mu.Unlock()

	c.log.WithField("event", string(ev.Type)).Debug("provider event")
	for _, fn := range subscribers {
		fn(ev)
	}
}

// wrapProviderErr keeps the kind a provider failure classifies to when it
// is one the wallet contract names, and falls back otherwise.
func (c *Connector) wrapProviderErr(err error, fallback errclass.Kind) error {
	switch kind := errclass.Classify(err).Kind; kind {
	case errclass.UserRejected, errclass.InsufficientFunds, errclass.UnsupportedChain,
		errclass.NoProvider, errclass.NetworkError, errclass.SignatureRejected:
		return errclass.Wrap(kind, err)
	default:
		return errclass.Wrap(fallback, err)
	}
}
