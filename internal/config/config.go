// Package config loads environment configuration for the session core and
// the reference bridge server.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the environment-driven configuration.
type Config struct {
	// Chain access.
	ChainRPCURL     string        `env:"CHAIN_RPC_URL,required"`
	ChainID         uint64        `env:"CHAIN_ID,default=1"`
	ContractAddress string        `env:"SUBSCRIPTION_CONTRACT,required"`
	TokenDecimals   int           `env:"TOKEN_DECIMALS,default=18"`
	RPCTimeout      time.Duration `env:"RPC_TIMEOUT,default=30s"`

	// Session bridge.
	BridgeURL  string `env:"BRIDGE_URL,required"`
	AuthDomain string `env:"AUTH_DOMAIN,default=sealguard.app"`

	// Wallet.
	RemoteWalletURL string `env:"REMOTE_WALLET_URL"`

	// Confirmation polling.
	ConfirmAttempts int           `env:"CONFIRM_ATTEMPTS,default=10"`
	ConfirmInterval time.Duration `env:"CONFIRM_INTERVAL,default=3s"`
}

// BridgeConfig configures the reference bridge server.
type BridgeConfig struct {
	ListenAddr   string        `env:"BRIDGE_LISTEN_ADDR,default=:8090"`
	AuthDomain   string        `env:"AUTH_DOMAIN,default=sealguard.app"`
	ChainID      uint64        `env:"CHAIN_ID,default=1"`
	JWTSecret    string        `env:"JWT_SECRET,required"`
	NonceTTL     time.Duration `env:"NONCE_TTL,default=5m"`
	SessionTTL   time.Duration `env:"SESSION_TTL,default=24h"`
	RedisURL     string        `env:"REDIS_URL"`
	ChallengeRPS float64       `env:"CHALLENGE_RATE_LIMIT,default=1"`
}

// Load reads the core configuration, bootstrapping from a .env file when
// one is present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.TokenDecimals < 0 {
		return Config{}, fmt.Errorf("TOKEN_DECIMALS must be non-negative")
	}
	return cfg, nil
}

// LoadBridge reads the bridge server configuration.
func LoadBridge() (BridgeConfig, error) {
	_ = godotenv.Load()

	var cfg BridgeConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return BridgeConfig{}, fmt.Errorf("decode bridge config: %w", err)
	}
	if len(cfg.JWTSecret) < 16 {
		return BridgeConfig{}, fmt.Errorf("JWT_SECRET must be at least 16 bytes")
	}
	return cfg, nil
}
