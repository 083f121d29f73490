package chain

import (
	"context"
	"fmt"
	"math/big"
)

// Canonical signatures of the subscription contract surface.
const (
	sigPlans               = "plans(uint256)"
	sigSubscriptionExpires = "subscriptionExpires(address)"
	sigPaySubscription     = "paySubscription(uint256)"
	sigSubscribePlan       = "subscribePlan(uint256)"
	sigTreasury            = "treasury()"
)

// SubscriptionContract binds the deployed subscription contract.
type SubscriptionContract struct {
	client  *Client
	address string
}

// NewSubscriptionContract creates a binding for the contract at address.
func NewSubscriptionContract(client *Client, address string) (*SubscriptionContract, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client required")
	}
	if _, err := EncodeAddress(address); err != nil {
		return nil, fmt.Errorf("contract address: %w", err)
	}
	return &SubscriptionContract{client: client, address: address}, nil
}

// Address returns the bound contract address.
func (sc *SubscriptionContract) Address() string { return sc.address }

// PlanRecord is the raw plans(planId) tuple.
type PlanRecord struct {
	Price           *big.Int
	DurationSeconds *big.Int
	Exists          bool
}

// Plans reads the plan record for a plan identifier.
func (sc *SubscriptionContract) Plans(ctx context.Context, planID uint64) (PlanRecord, error) {
	arg, err := EncodeUint256(new(big.Int).SetUint64(planID))
	if err != nil {
		return PlanRecord{}, err
	}

	result, err := sc.client.CallContract(ctx, sc.address, Pack(sigPlans, arg))
	if err != nil {
		return PlanRecord{}, fmt.Errorf("call plans(%d): %w", planID, err)
	}

	price, err := DecodeUint256(result, 0)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("decode plan price: %w", err)
	}
	duration, err := DecodeUint256(result, 1)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("decode plan duration: %w", err)
	}
	exists, err := DecodeBool(result, 2)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("decode plan exists: %w", err)
	}

	return PlanRecord{Price: price, DurationSeconds: duration, Exists: exists}, nil
}

// SubscriptionExpires reads the expiry (unix seconds) for an address.
func (sc *SubscriptionContract) SubscriptionExpires(ctx context.Context, address string) (*big.Int, error) {
	arg, err := EncodeAddress(address)
	if err != nil {
		return nil, err
	}

	result, err := sc.client.CallContract(ctx, sc.address, Pack(sigSubscriptionExpires, arg))
	if err != nil {
		return nil, fmt.Errorf("call subscriptionExpires(%s): %w", address, err)
	}

	expires, err := DecodeUint256(result, 0)
	if err != nil {
		return nil, fmt.Errorf("decode expiry: %w", err)
	}
	return expires, nil
}

// Treasury reads the treasury address receiving subscription payments.
func (sc *SubscriptionContract) Treasury(ctx context.Context) (string, error) {
	result, err := sc.client.CallContract(ctx, sc.address, Pack(sigTreasury))
	if err != nil {
		return "", fmt.Errorf("call treasury(): %w", err)
	}

	addr, err := DecodeAddress(result, 0)
	if err != nil {
		return "", fmt.Errorf("decode treasury: %w", err)
	}
	return addr, nil
}

// PaySubscriptionData builds call data for the payable paySubscription.
func (sc *SubscriptionContract) PaySubscriptionData(amount *big.Int) ([]byte, error) {
	arg, err := EncodeUint256(amount)
	if err != nil {
		return nil, err
	}
	return Pack(sigPaySubscription, arg), nil
}

// SubscribePlanData builds call data for the payable subscribePlan.
func (sc *SubscriptionContract) SubscribePlanData(planID uint64) ([]byte, error) {
	arg, err := EncodeUint256(new(big.Int).SetUint64(planID))
	if err != nil {
		return nil, err
	}
	return Pack(sigSubscribePlan, arg), nil
}
