// Package session exposes the single observable state machine for the
// wallet session core. The coordinator composes the wallet connector, the
// auth manager, and the subscription client, reconciles their outcomes
// into one owned state value, and discards results that arrive for a
// wallet session that no longer exists.
package session

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Fmsticks2/SealGuard-sub002/internal/auth"
	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
	"github.com/Fmsticks2/SealGuard-sub002/internal/subscription"
	"github.com/Fmsticks2/SealGuard-sub002/internal/wallet"
	"github.com/Fmsticks2/SealGuard-sub002/pkg/logger"
)

// State is the single source of truth observers consume. All mutation
// happens inside the coordinator; observers receive snapshots.
type State struct {
	Wallet       *wallet.Session
	AuthPhase    auth.Phase
	Subscription *subscription.Subscription
	Pending      *subscription.Pending

	// ConfirmationTimedOut is set when a submitted transaction was not
	// observed to settle within the bounded re-read attempts. The
	// transaction may still confirm; the pre-transaction value is not
	// silently restored.
	ConfirmationTimedOut bool

	// LastError carries classified guidance for the most recent failure.
	LastError *errclass.Classified
}

// Coordinator drives the session state machine.
type Coordinator struct {
	mu sync.Mutex

	connector *wallet.Connector
	auth      *auth.Manager
	subs      *subscription.Client

	state     State
	observers []func(State)

	confirmAttempts int
	confirmInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logger.Logger
}

// Config configures a Coordinator.
type Config struct {
	Connector    *wallet.Connector
	Auth         *auth.Manager
	Subscription *subscription.Client
	// ConfirmAttempts bounds re-reads while waiting for a submitted
	// transaction to settle. Zero means 10.
	ConfirmAttempts int
	// ConfirmInterval is the delay between confirmation re-reads. Zero
	// means 3 seconds.
	ConfirmInterval time.Duration
	Logger          *logger.Logger
}

// New creates a coordinator and subscribes it to wallet events.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Connector == nil || cfg.Auth == nil || cfg.Subscription == nil {
		return nil, fmt.Errorf("connector, auth, and subscription are required")
	}

	attempts := cfg.ConfirmAttempts
	if attempts <= 0 {
		attempts = 10
	}
	interval := cfg.ConfirmInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		connector:       cfg.Connector,
		auth:            cfg.Auth,
		subs:            cfg.Subscription,
		state:           State{AuthPhase: auth.PhaseDisconnected},
		confirmAttempts: attempts,
		confirmInterval: interval,
		ctx:             ctx,
		cancel:          cancel,
		log:             log,
	}
	cfg.Connector.OnEvent(c.onWalletEvent)
	return c, nil
}

// Close cancels interest in all in-flight work and waits for background
// reads to finish. Already-submitted transactions are unaffected.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// Observe registers an observer invoked with a state snapshot after every
// transition.
func (c *Coordinator) Observe(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns a snapshot of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes a wallet session of the preferred kind and moves
// the auth phase to Connected.
func (c *Coordinator) Connect(ctx context.Context, kind wallet.Kind) error {
	session, err := c.connector.Connect(ctx, kind)
	if err != nil {
		c.fail(err)
		return err
	}

	c.auth.Connected(session.Address, session.ChainID)

	c.transition(func(s *State) {
		s.Wallet = &session
		s.AuthPhase = auth.PhaseConnected
		s.Subscription = nil
		s.Pending = nil
		s.ConfirmationTimedOut = false
		s.LastError = nil
	})
	return nil
}

// Disconnect releases the wallet session. The connector's disconnect
// event resets the rest of the state.
func (c *Coordinator) Disconnect() {
	c.connector.Disconnect()
}

// RequestChallenge obtains a sign-in challenge for the connected wallet.
func (c *Coordinator) RequestChallenge(ctx context.Context) error {
	c.mu.Lock()
	w := c.state.Wallet
	c.mu.Unlock()
	if w == nil {
		err := errclass.New(errclass.NoProvider, "no provider connected")
		c.fail(err)
		return err
	}

	if _, err := c.auth.RequestChallenge(ctx, w.Address); err != nil {
		c.fail(err)
		return err
	}

	c.transition(func(s *State) {
		s.AuthPhase = auth.PhaseChallenged
		s.LastError = nil
	})
	return nil
}

// Authenticate signs the pending challenge and exchanges it for a
// session. On success a subscription read is triggered for the
// authenticated address.
func (c *Coordinator) Authenticate(ctx context.Context) error {
	epoch := c.connector.Epoch()

	_, err := c.auth.Authenticate(ctx)

	if c.connector.Epoch() != epoch {
		// Wallet changed while the prompt was up; whatever the outcome,
		// it belongs to a superseded session.
		c.log.Debug("discarding authenticate result for stale session")
		return nil
	}

	if err != nil {
		c.mu.Lock()
		classified := errclass.Classify(err)
		c.state.AuthPhase = c.auth.Phase()
		c.state.LastError = &classified
		c.mu.Unlock()
		c.notify()
		return err
	}

	if !c.transitionIfEpoch(epoch, func(s *State) {
		s.AuthPhase = auth.PhaseAuthenticated
		s.LastError = nil
	}) {
		c.log.Debug("discarding authenticate result for stale session")
		return nil
	}

	c.spawnRead(epoch)
	return nil
}

// RefreshSubscription re-reads the entitlement for the connected wallet.
func (c *Coordinator) RefreshSubscription(ctx context.Context) error {
	c.mu.Lock()
	w := c.state.Wallet
	c.mu.Unlock()
	if w == nil {
		return fmt.Errorf("no wallet connected")
	}

	epoch := c.connector.Epoch()
	sub, err := c.subs.GetExpiry(ctx, w.Address)
	if err != nil {
		c.fail(err)
		return err
	}

	c.applySubscription(epoch, sub)
	return nil
}

// Subscribe purchases a plan. The submitted transaction enters pending
// confirmation; the coordinator polls for settlement in the background.
func (c *Coordinator) Subscribe(ctx context.Context, planID uint64) error {
	return c.submit(ctx, func() (subscription.Pending, error) {
		return c.subs.Subscribe(ctx, planID)
	})
}

// Pay submits an open-ended top-up for an explicit amount in smallest
// units.
func (c *Coordinator) Pay(ctx context.Context, amountUnits *big.Int) error {
	return c.submit(ctx, func() (subscription.Pending, error) {
		return c.subs.Pay(ctx, amountUnits)
	})
}

func (c *Coordinator) submit(ctx context.Context, send func() (subscription.Pending, error)) error {
	c.mu.Lock()
	if c.state.AuthPhase != auth.PhaseAuthenticated || c.state.Wallet == nil {
		c.mu.Unlock()
		return fmt.Errorf("not authenticated")
	}
	var prior int64
	if c.state.Subscription != nil {
		prior = c.state.Subscription.ExpiresAt
	}
	address := c.state.Wallet.Address
	c.mu.Unlock()

	epoch := c.connector.Epoch()

	pending, err := send()
	if err != nil {
		if c.connector.Epoch() == epoch {
			c.fail(err)
		}
		return err
	}

	if !c.transitionIfEpoch(epoch, func(s *State) {
		p := pending
		s.Pending = &p
		s.ConfirmationTimedOut = false
		s.LastError = nil
	}) {
		// The session changed between submission and now. The chain
		// transaction stands; only this state stops tracking it.
		c.log.WithField("tx_hash", pending.Hash).Warn("submitted transaction belongs to a superseded session")
		return nil
	}

	c.spawnConfirm(epoch, address, prior, pending)
	return nil
}

// spawnRead reads the entitlement in the background, tagged with the
// epoch it was issued for.
func (c *Coordinator) spawnRead(epoch uint64) {
	c.mu.Lock()
	w := c.state.Wallet
	c.mu.Unlock()
	if w == nil {
		return
	}
	address := w.Address

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sub, err := c.subs.GetExpiry(c.ctx, address)
		if err != nil {
			if c.connector.Epoch() == epoch {
				c.fail(err)
			}
			return
		}
		c.applySubscription(epoch, sub)
	}()
}

// spawnConfirm polls the entitlement until it reflects the submitted
// transaction or the attempt budget runs out.
func (c *Coordinator) spawnConfirm(epoch uint64, address string, priorExpiry int64, pending subscription.Pending) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for attempt := 0; attempt < c.confirmAttempts; attempt++ {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.confirmInterval):
			}

			if c.connector.Epoch() != epoch {
				c.log.WithField("tx_hash", pending.Hash).Debug("confirmation polling abandoned for stale session")
				return
			}

			sub, err := c.subs.GetExpiry(c.ctx, address)
			if err != nil {
				c.log.WithError(err).Debug("confirmation re-read failed")
				continue
			}

			if sub.ExpiresAt > priorExpiry {
				if c.transitionIfEpoch(epoch, func(s *State) {
					settled := pending
					settled.Status = subscription.StatusConfirmed
					s.Pending = &settled
					read := sub
					s.Subscription = &read
					s.ConfirmationTimedOut = false
				}) {
					c.log.WithField("tx_hash", pending.Hash).Info("transaction confirmed")
				}
				return
			}
		}

		classified := errclass.Classify(errclass.New(errclass.ConfirmationTimeout, "confirmation attempts exhausted"))
		if c.transitionIfEpoch(epoch, func(s *State) {
			s.ConfirmationTimedOut = true
			s.LastError = &classified
		}) {
			c.log.WithField("tx_hash", pending.Hash).Warn("confirmation timed out; transaction may still settle")
		}
	}()
}

// applySubscription installs a read result unless it was issued for a
// wallet session that has since been superseded.
func (c *Coordinator) applySubscription(epoch uint64, sub subscription.Subscription) {
	c.mu.Lock()
	if c.connector.Epoch() != epoch || c.state.Wallet == nil || c.state.Wallet.Address != sub.Address {
		c.mu.Unlock()
		c.log.WithField("address", sub.Address).Debug("discarding stale subscription read")
		return
	}
	s := sub
	c.state.Subscription = &s
	c.mu.Unlock()
	c.notify()
}

// onWalletEvent handles provider events. Events are delivered in emission
// order ahead of any continuation that depended on the prior session, so
// the reset here lands before stale results try to apply.
func (c *Coordinator) onWalletEvent(ev wallet.Event) {
	switch ev.Type {
	case wallet.EventAccountChanged, wallet.EventChainChanged:
		c.auth.Disconnected()
		c.transition(func(s *State) {
			if session, ok := c.connector.Session(); ok {
				s.Wallet = &session
			} else {
				s.Wallet = nil
			}
			s.AuthPhase = auth.PhaseDisconnected
			s.Subscription = nil
			s.Pending = nil
			s.ConfirmationTimedOut = false
			s.LastError = nil
		})
	case wallet.EventDisconnected:
		c.auth.Disconnected()
		c.transition(func(s *State) {
			s.Wallet = nil
			s.AuthPhase = auth.PhaseDisconnected
			s.Subscription = nil
			s.Pending = nil
			s.ConfirmationTimedOut = false
			s.LastError = nil
		})
	}
}

// transition applies a mutation and notifies observers.
func (c *Coordinator) transition(mutate func(*State)) {
	c.mu.Lock()
	mutate(&c.state)
	c.mu.Unlock()
	c.notify()
}

// transitionIfEpoch applies a mutation only while the connection epoch
// still matches, re-checked under the state lock so an event reset
// cannot interleave between the check and the write. Observers are
// notified only when the mutation applied.
func (c *Coordinator) transitionIfEpoch(epoch uint64, mutate func(*State)) bool {
	c.mu.Lock()
	if c.connector.Epoch() != epoch {
		c.mu.Unlock()
		return false
	}
	mutate(&c.state)
	c.mu.Unlock()
	c.notify()
	return true
}

// fail records a classified error without changing phases beyond what the
// underlying component already did.
func (c *Coordinator) fail(err error) {
	classified := errclass.Classify(err)
	c.mu.Lock()
	c.state.LastError = &classified
	c.state.AuthPhase = c.auth.Phase()
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	snapshot := c.state
	observers := append([]func(State){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(snapshot)
	}
}
