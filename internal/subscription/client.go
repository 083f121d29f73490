// Package subscription reads plan and entitlement state from the
// subscription contract and submits payment transactions through the
// wallet. It never blocks on confirmation; callers poll for settlement.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Fmsticks2/SealGuard-sub002/internal/chain"
	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
	"github.com/Fmsticks2/SealGuard-sub002/internal/wallet"
	"github.com/Fmsticks2/SealGuard-sub002/pkg/logger"
)

// Plan is a subscription plan as configured on chain. Immutable once
// read; re-read on demand rather than cached.
type Plan struct {
	PlanID          uint64
	Price           *big.Int
	DurationSeconds uint64
	Exists          bool
}

// Subscription is an address's entitlement, derived entirely from the
// chain.
type Subscription struct {
	Address   string
	ExpiresAt int64
}

// TxKind distinguishes the two payable writes.
type TxKind string

const (
	TxPay       TxKind = "pay"
	TxSubscribe TxKind = "subscribe"
)

// TxStatus tracks a submitted transaction.
type TxStatus string

const (
	StatusSubmitted TxStatus = "submitted"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
)

// Pending is a submitted transaction awaiting confirmation. It only
// transitions via explicit confirmation polling; a transaction that fails
// to confirm surfaces as an error, never silently disappears.
type Pending struct {
	Hash        string
	Kind        TxKind
	SubmittedAt time.Time
	Status      TxStatus
}

// TxSender is the wallet capability the client submits through.
type TxSender interface {
	SendTransaction(ctx context.Context, call wallet.Call) (string, error)
}

// Client reads and writes the subscription contract.
type Client struct {
	contract *chain.SubscriptionContract
	sender   TxSender
	decimals int

	readAttempts int
	readBackoff  time.Duration

	mu       sync.Mutex
	inflight map[TxKind]bool

	log *logger.Logger
}

// Config configures a Client.
type Config struct {
	Contract *chain.SubscriptionContract
	Sender   TxSender
	// Decimals is the contract's declared decimal count for amounts.
	Decimals int
	// ReadAttempts bounds retries of idempotent reads on transient
	// failure. Zero means 3.
	ReadAttempts int
	// ReadBackoff is the base backoff between read retries. Zero means
	// 200ms.
	ReadBackoff time.Duration
	Logger      *logger.Logger
}

// NewClient creates a subscription client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Contract == nil {
		return nil, fmt.Errorf("contract binding required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("transaction sender required")
	}

	attempts := cfg.ReadAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.ReadBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("subscription")
	}

	return &Client{
		contract:     cfg.Contract,
		sender:       cfg.Sender,
		decimals:     cfg.Decimals,
		readAttempts: attempts,
		readBackoff:  backoff,
		inflight:     make(map[TxKind]bool),
		log:          log,
	}, nil
}

// Decimals returns the contract's declared decimal count.
func (c *Client) Decimals() int { return c.decimals }

// GetPlan reads a plan. Fails with PlanNotFound when the plan does not
// exist on chain.
func (c *Client) GetPlan(ctx context.Context, planID uint64) (Plan, error) {
	var record chain.PlanRecord
	err := c.readWithRetry(ctx, func() error {
		var err error
		record, err = c.contract.Plans(ctx, planID)
		return err
	})
	if err != nil {
		return Plan{}, err
	}

	if !record.Exists {
		return Plan{}, errclass.Newf(errclass.PlanNotFound, "plan not found: %d", planID)
	}

	return Plan{
		PlanID:          planID,
		Price:           record.Price,
		DurationSeconds: record.DurationSeconds.Uint64(),
		Exists:          true,
	}, nil
}

// GetExpiry reads the subscription expiry for an address.
func (c *Client) GetExpiry(ctx context.Context, address string) (Subscription, error) {
	var expires *big.Int
	err := c.readWithRetry(ctx, func() error {
		var err error
		expires, err = c.contract.SubscriptionExpires(ctx, address)
		return err
	})
	if err != nil {
		return Subscription{}, err
	}

	return Subscription{Address: address, ExpiresAt: expires.Int64()}, nil
}

// Subscribe reads the plan, validates it is purchasable, and submits a
// payable subscribePlan for exactly the plan price. Validation failures
// surface before any wallet prompt.
func (c *Client) Subscribe(ctx context.Context, planID uint64) (Pending, error) {
	if !c.acquire(TxSubscribe) {
		return Pending{}, fmt.Errorf("subscribe already in flight")
	}
	defer c.release(TxSubscribe)

	record, err := c.contract.Plans(ctx, planID)
	if err != nil {
		return Pending{}, err
	}
	if !record.Exists || record.Price == nil || record.Price.Sign() <= 0 {
		return Pending{}, errclass.Newf(errclass.PlanNotConfigured, "plan not configured: %d", planID)
	}

	data, err := c.contract.SubscribePlanData(planID)
	if err != nil {
		return Pending{}, err
	}

	hash, err := c.sender.SendTransaction(ctx, wallet.Call{
		To:    c.contract.Address(),
		Data:  data,
		Value: record.Price,
	})
	if err != nil {
		return Pending{}, err
	}

	c.log.WithField("plan_id", planID).
		WithField("value", record.Price.String()).
		WithField("tx_hash", hash).
		Info("subscribe transaction submitted")
	return Pending{Hash: hash, Kind: TxSubscribe, SubmittedAt: time.Now().UTC(), Status: StatusSubmitted}, nil
}

// Pay submits a payable paySubscription for an explicit amount in
// smallest units, independent of any plan.
func (c *Client) Pay(ctx context.Context, amountUnits *big.Int) (Pending, error) {
	if amountUnits == nil || amountUnits.Sign() <= 0 {
		return Pending{}, fmt.Errorf("payment amount must be positive")
	}

	if !c.acquire(TxPay) {
		return Pending{}, fmt.Errorf("pay already in flight")
	}
	defer c.release(TxPay)

	data, err := c.contract.PaySubscriptionData(amountUnits)
	if err != nil {
		return Pending{}, err
	}

	hash, err := c.sender.SendTransaction(ctx, wallet.Call{
		To:    c.contract.Address(),
		Data:  data,
		Value: amountUnits,
	})
	if err != nil {
		return Pending{}, err
	}

	c.log.WithField("value", amountUnits.String()).
		WithField("tx_hash", hash).
		Info("payment transaction submitted")
	return Pending{Hash: hash, Kind: TxPay, SubmittedAt: time.Now().UTC(), Status: StatusSubmitted}, nil
}

// acquire takes the per-kind in-flight guard; a second submission of the
// same kind while one is pending would double the wallet prompt.
func (c *Client) acquire(kind TxKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[kind] {
		return false
	}
	c.inflight[kind] = true
	return true
}

func (c *Client) release(kind TxKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[kind] = false
}

// readWithRetry retries idempotent reads on transient transport failure
// with exponential backoff. Node-reported RPC errors are deterministic
// and returned immediately.
func (c *Client) readWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := c.readBackoff
	for attempt := 0; attempt < c.readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var rpcErr *chain.RPCError
		if errors.As(err, &rpcErr) {
			return err
		}
		c.log.WithError(err).WithField("attempt", attempt+1).Debug("read retry")
	}
	return errclass.Wrap(errclass.NetworkError, lastErr)
}
