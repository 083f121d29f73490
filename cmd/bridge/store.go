package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store persistence errors.
var (
	ErrNonceNotFound   = errors.New("nonce not found")
	ErrSessionNotFound = errors.New("session not found")
)

// NonceRecord is a pending sign-in challenge.
type NonceRecord struct {
	Address  string    `json:"address"`
	Nonce    string    `json:"nonce"`
	IssuedAt time.Time `json:"issued_at"`
}

// SessionRecord is a minted session.
type SessionRecord struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists challenges and sessions. How it persists is a bridge
// detail; the wallet core only sees the HTTP surface.
type Store interface {
	// PutNonce stores the pending challenge for an address, replacing
	// any prior one.
	PutNonce(ctx context.Context, rec NonceRecord, ttl time.Duration) error
	// TakeNonce consumes the pending challenge for an address. A nonce
	// can be taken exactly once.
	TakeNonce(ctx context.Context, address string) (NonceRecord, error)

	PutSession(ctx context.Context, rec SessionRecord, ttl time.Duration) error
	GetSession(ctx context.Context, tokenHash string) (SessionRecord, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

// =============================================================================
// In-memory store
// =============================================================================

type memoryStore struct {
	mu       sync.Mutex
	nonces   map[string]memoryEntry
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		nonces:   make(map[string]memoryEntry),
		sessions: make(map[string]memoryEntry),
	}
}

func (s *memoryStore) PutNonce(ctx context.Context, rec NonceRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[strings.ToLower(rec.Address)] = memoryEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) TakeNonce(ctx context.Context, address string) (NonceRecord, error) {
	key := strings.ToLower(address)
	s.mu.Lock()
	entry, ok := s.nonces[key]
	delete(s.nonces, key)
	s.mu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return NonceRecord{}, ErrNonceNotFound
	}
	var rec NonceRecord
	if err := json.Unmarshal(entry.payload, &rec); err != nil {
		return NonceRecord{}, err
	}
	return rec, nil
}

func (s *memoryStore) PutSession(ctx context.Context, rec SessionRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.TokenHash] = memoryEntry{payload: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) GetSession(ctx context.Context, tokenHash string) (SessionRecord, error) {
	s.mu.Lock()
	entry, ok := s.sessions[tokenHash]
	s.mu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return SessionRecord{}, ErrSessionNotFound
	}
	var rec SessionRecord
	if err := json.Unmarshal(entry.payload, &rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (s *memoryStore) DeleteSession(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}

// =============================================================================
// Redis store
// =============================================================================

type redisStore struct {
	client *redis.Client
}

func newRedisStore(redisURL string) (*redisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

func nonceKey(address string) string { return "bridge:nonce:" + strings.ToLower(address) }
func sessionKey(tokenHash string) string { return "bridge:session:" + tokenHash }

func (s *redisStore) PutNonce(ctx context.Context, rec NonceRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, nonceKey(rec.Address), payload, ttl).Err()
}

func (s *redisStore) TakeNonce(ctx context.Context, address string) (NonceRecord, error) {
	// GETDEL makes consumption atomic; two concurrent verifies cannot
	// both take the nonce.
	payload, err := s.client.GetDel(ctx, nonceKey(address)).Bytes()
	if err == redis.Nil {
		return NonceRecord{}, ErrNonceNotFound
	}
	if err != nil {
		return NonceRecord{}, err
	}
	var rec NonceRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return NonceRecord{}, err
	}
	return rec, nil
}

func (s *redisStore) PutSession(ctx context.Context, rec SessionRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(rec.TokenHash), payload, ttl).Err()
}

func (s *redisStore) GetSession(ctx context.Context, tokenHash string) (SessionRecord, error) {
	payload, err := s.client.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err == redis.Nil {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (s *redisStore) DeleteSession(ctx context.Context, tokenHash string) error {
	return s.client.Del(ctx, sessionKey(tokenHash)).Err()
}
