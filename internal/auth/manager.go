// Package auth drives the challenge/response sign-in protocol: it obtains
// a single-use challenge from the session bridge, has the wallet sign it,
// and exchanges the signed ticket for a session token.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Fmsticks2/SealGuard-sub002/internal/bridge"
	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
	"github.com/Fmsticks2/SealGuard-sub002/pkg/logger"
)

// Phase is the authentication state.
type Phase string

const (
	PhaseDisconnected  Phase = "disconnected"
	PhaseConnected     Phase = "connected"
	PhaseChallenged    Phase = "challenged"
	PhaseAuthenticated Phase = "authenticated"
	PhaseFailed        Phase = "failed"
)

// Bridge is the slice of the session bridge the manager consumes.
type Bridge interface {
	RequestChallenge(ctx context.Context, address string) (bridge.Challenge, error)
	Verify(ctx context.Context, ticket bridge.Ticket) (string, error)
}

// Signer is the wallet signing capability.
type Signer interface {
	Sign(ctx context.Context, message []byte) (string, error)
}

// Ticket is the signed challenge handed to the bridge, consumed exactly
// once to mint a session.
type Ticket struct {
	Address   string
	Nonce     string
	IssuedAt  int64
	Signature string
}

// Manager owns the sign-in state machine:
// Disconnected -> Connected -> Challenged -> Authenticated, any state ->
// Failed, retry resumes from Connected.
type Manager struct {
	mu sync.Mutex

	bridge       Bridge
	signer       Signer
	domain       string
	challengeTTL time.Duration

	phase     Phase
	address   string
	chainID   uint64
	challenge *bridge.Challenge
	consumed  map[string]bool
	token     string
	inflight  bool

	log *logger.Logger
}

// Config configures a Manager.
type Config struct {
	Bridge Bridge
	Signer Signer
	// Domain is embedded in every challenge message.
	Domain string
	// ChallengeTTL bounds how long an unsigned challenge stays valid.
	// Zero means 5 minutes.
	ChallengeTTL time.Duration
	Logger       *logger.Logger
}

// NewManager creates an auth manager in the Disconnected phase.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer required")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain required")
	}

	ttl := cfg.ChallengeTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("auth")
	}

	return &Manager{
		bridge:       cfg.Bridge,
		signer:       cfg.Signer,
		domain:       cfg.Domain,
		challengeTTL: ttl,
		phase:        PhaseDisconnected,
		consumed:     make(map[string]bool),
		log:          log,
	}, nil
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Token returns the minted session token once authenticated.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.phase == PhaseAuthenticated && m.token != ""
}

// Connected records a fresh wallet connection and resets any prior
// authentication state.
func (m *Manager) Connected(address string, chainID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseConnected
	m.address = address
	m.chainID = chainID
	m.challenge = nil
	m.token = ""
}

// Disconnected resets the machine. Any pending challenge is abandoned.
func (m *Manager) Disconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseDisconnected
	m.address = ""
	m.chainID = 0
	m.challenge = nil
	m.token = ""
}

// RequestChallenge asks the bridge for a single-use nonce for address.
// The address must match the connected wallet.
func (m *Manager) RequestChallenge(ctx context.Context, address string) (bridge.Challenge, error) {
	m.mu.Lock()
	if m.phase == PhaseDisconnected {
		m.mu.Unlock()
		return bridge.Challenge{}, fmt.Errorf("not connected")
	}
	if address != m.address {
		m.mu.Unlock()
		return bridge.Challenge{}, fmt.Errorf("challenge address %s does not match connected wallet %s", address, m.address)
	}
	m.mu.Unlock()

	challenge, err := m.bridge.RequestChallenge(ctx, address)
	if err != nil {
		m.log.WithError(err).Warn("challenge request failed")
		return bridge.Challenge{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The wallet may have changed while the request was in flight; a
	// challenge for a stale address must not be kept.
	if m.address != address || m.phase == PhaseDisconnected {
		return bridge.Challenge{}, fmt.Errorf("wallet changed during challenge request")
	}
	m.challenge = &challenge
	m.phase = PhaseChallenged
	return challenge, nil
}

// Authenticate signs the pending challenge, submits the ticket to the
// bridge, and transitions to Authenticated on success. One call may be in
// flight at a time; the guard prevents duplicate wallet prompts.
func (m *Manager) Authenticate(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.inflight {
		m.mu.Unlock()
		return "", fmt.Errorf("authenticate already in flight")
	}
	if m.challenge == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("no pending challenge; request one first")
	}
	challenge := *m.challenge
	address, chainID := m.address, m.chainID
	if m.consumed[challenge.Nonce] {
		m.challenge = nil
		m.phase = PhaseConnected
		m.mu.Unlock()
		return "", errclass.New(errclass.ChallengeExpired, "nonce already used")
	}
	if time.Since(time.Unix(challenge.IssuedAt, 0)) > m.challengeTTL {
		m.challenge = nil
		m.phase = PhaseConnected
		m.mu.Unlock()
		return "", errclass.New(errclass.ChallengeExpired, "challenge expired")
	}
	m.inflight = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight = false
		m.mu.Unlock()
	}()

	message := ChallengeMessage(m.domain, address, chainID, challenge.Nonce, challenge.IssuedAt)
	signature, err := m.signer.Sign(ctx, []byte(message))
	if err != nil {
		return "", m.signFailed(address, err)
	}

	token, err := m.bridge.Verify(ctx, bridge.Ticket{
		Address:   address,
		Signature: signature,
		Nonce:     challenge.Nonce,
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	// Verification consumes the nonce whatever the outcome.
	m.consumed[challenge.Nonce] = true
	m.challenge = nil

	if m.address != address {
		// Wallet changed while verifying; the minted session, if any,
		// belongs to a stale address and is dropped.
		return "", fmt.Errorf("wallet changed during authentication")
	}

	if err != nil {
		switch errclass.KindOf(err) {
		case errclass.ChallengeExpired:
			m.phase = PhaseConnected
		case errclass.NetworkError:
			m.phase = PhaseFailed
		default:
			m.phase = PhaseFailed
		}
		m.log.WithError(err).WithField("address", address).Warn("authentication failed")
		return "", err
	}

	m.phase = PhaseAuthenticated
	m.token = token
	m.log.WithField("address", address).Info("authenticated")
	return token, nil
}

// signFailed maps a declined or failed wallet signature. A user decline
// returns the machine to Connected so the flow is retryable.
func (m *Manager) signFailed(address string, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.address == address && m.phase != PhaseDisconnected {
		m.phase = PhaseConnected
	}

	switch errclass.KindOf(err) {
	case errclass.UserRejected, errclass.SignatureRejected:
		return errclass.Wrap(errclass.SignatureRejected, err)
	default:
		return err
	}
}

// Retry clears a Failed phase back to Connected so a fresh challenge can
// be requested.
func (m *Manager) Retry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseFailed {
		m.phase = PhaseConnected
	}
}
