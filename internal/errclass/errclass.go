// Package errclass maps failures from the wallet provider, the chain RPC
// endpoint, and the backend session bridge onto a closed taxonomy with
// user-facing guidance. Classification is a pure function over the error
// text; every caller invokes it at its failure boundary before an error
// reaches an observer.
package errclass

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies one entry of the failure taxonomy.
type Kind string

const (
	NoProvider          Kind = "no_provider"
	UserRejected        Kind = "user_rejected"
	UnsupportedChain    Kind = "unsupported_chain"
	SignatureRejected   Kind = "signature_rejected"
	ChallengeExpired    Kind = "challenge_expired"
	SessionRejected     Kind = "session_rejected"
	PlanNotFound        Kind = "plan_not_found"
	PlanNotConfigured   Kind = "plan_not_configured"
	InsufficientFunds   Kind = "insufficient_funds"
	ProviderError       Kind = "provider_error"
	NetworkError        Kind = "network_error"
	ConfirmationTimeout Kind = "confirmation_timeout"
	Unknown             Kind = "unknown"
)

// Severity indicates how an observer should present the failure.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Classified is the taxonomy entry plus guidance for one failure.
type Classified struct {
	Kind     Kind
	Title    string
	Message  string
	Action   string
	Severity Severity
}

// Error attaches a taxonomy kind to an underlying cause. It is the error
// type the rest of the module returns across component boundaries.
type Error struct {
	Kind Kind
	Err  error
}

// New creates a classified error with a plain message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil for a nil cause.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is against a
// bare-kind sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the taxonomy kind from an error chain, Unknown when the
// chain carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// rule is one row of the ordered match table. Matching is on normalized
// lower-case substrings, first match wins, so rows must stay ordered
// most-specific-first: a row whose needle is a substring of an earlier
// row's needle would otherwise shadow it.
type rule struct {
	needles []string
	out     Classified
}

var rules = []rule{
	{
		needles: []string{"no provider", "no injected provider", "provider not found", "wallet not installed", "window.ethereum"},
		out: Classified{
			Kind:     NoProvider,
			Title:    "Wallet not found",
			Message:  "No wallet provider is available in this browser.",
			Action:   "Install a wallet extension or open this page in a wallet browser.",
			Severity: SeverityError,
		},
	},
	{
		needles: []string{"signature request denied", "user denied message signature", "user rejected signing", "declined to sign"},
		out: Classified{
			Kind:     SignatureRejected,
			Title:    "Signature declined",
			Message:  "The sign-in request was declined in the wallet.",
			Action:   "Approve the signature request to sign in.",
			Severity: SeverityInfo,
		},
	},
	{
		needles: []string{"user rejected", "user denied", "rejected by user", "action_rejected", "user cancelled", "user canceled"},
		out: Classified{
			Kind:     UserRejected,
			Title:    "Request cancelled",
			Message:  "The request was cancelled in the wallet.",
			Action:   "Retry and approve the prompt in your wallet.",
			Severity: SeverityInfo,
		},
	},
	{
		needles: []string{"unsupported chain", "unrecognized chain", "wrong network", "chain mismatch", "unsupported network"},
		out: Classified{
			Kind:     UnsupportedChain,
			Title:    "Wrong network",
			Message:  "The wallet is connected to an unsupported network.",
			Action:   "Switch your wallet to the supported network and reconnect.",
			Severity: SeverityError,
		},
	},
	{
		needles: []string{"challenge expired", "nonce expired", "nonce already used", "stale nonce", "invalid nonce"},
		out: Classified{
			Kind:     ChallengeExpired,
			Title:    "Sign-in challenge expired",
			Message:  "The sign-in challenge is no longer valid.",
			Action:   "Request a new challenge and sign again.",
			Severity: SeverityWarning,
		},
	},
	{
		needles: []string{"session rejected", "ticket rejected", "signature verification failed", "invalid signature"},
		out: Classified{
			Kind:     SessionRejected,
			Title:    "Sign-in rejected",
			Message:  "The backend declined the signed ticket.",
			Action:   "Reconnect your wallet and sign in again.",
			Severity: SeverityError,
		},
	},
	{
		needles: []string{"plan not configured", "plan has no price", "price not set"},
		out: Classified{
			Kind:     PlanNotConfigured,
			Title:    "Plan unavailable",
			Message:  "This subscription plan is not configured for purchase.",
			Action:   "Choose a different plan or try again later.",
			Severity: SeverityError,
		},
	},
	{
		needles: []string{"plan not found", "unknown plan", "plan does not exist"},
		out: Classified{
			Kind:     PlanNotFound,
			Title:    "Plan not found",
			Message:  "The requested subscription plan does not exist on chain.",
			Action:   "Refresh the plan list and try again.",
			Severity: SeverityError,
		},
	},
	{
		needles: []string{"insufficient funds", "insufficient balance", "exceeds balance", "not enough funds"},
		out: Classified{
			Kind:     InsufficientFunds,
			Title:    "Insufficient funds",
			Message:  "The wallet balance does not cover this payment.",
			Action:   "Top up the wallet and retry.",
			Severity: SeverityError,
		},
	},
	{
		needles: []string{"confirmation timeout", "not confirmed in time", "confirmation attempts exhausted"},
		out: Classified{
			Kind:     ConfirmationTimeout,
			Title:    "Confirmation still pending",
			Message:  "The transaction was submitted but has not confirmed yet.",
			Action:   "It may still confirm. Check again in a moment.",
			Severity: SeverityWarning,
		},
	},
	{
		needles: []string{"timeout", "timed out", "deadline exceeded", "connection refused", "connection reset", "network error", "fetch failed", "no such host", "temporarily unavailable"},
		out: Classified{
			Kind:     NetworkError,
			Title:    "Network problem",
			Message:  "A network request failed.",
			Action:   "Check your connection and retry.",
			Severity: SeverityWarning,
		},
	},
	{
		needles: []string{"provider error", "internal json-rpc error", "rpc error", "provider disconnected", "execution reverted"},
		out: Classified{
			Kind:     ProviderError,
			Title:    "Wallet provider error",
			Message:  "The wallet provider reported an error.",
			Action:   "Retry; if it persists, reconnect the wallet.",
			Severity: SeverityError,
		},
	},
}

var unknown = Classified{
	Kind:     Unknown,
	Title:    "Something went wrong",
	Message:  "An unexpected error occurred.",
	Action:   "Retry; if the problem persists, contact support.",
	Severity: SeverityError,
}

// byKind resolves a known kind straight to its table entry so errors that
// already carry a Kind never re-match on text.
var byKind = func() map[Kind]Classified {
	m := make(map[Kind]Classified, len(rules)+1)
	for _, r := range rules {
		if _, ok := m[r.out.Kind]; !ok {
			m[r.out.Kind] = r.out
		}
	}
	m[Unknown] = unknown
	return m
}()

// Classify maps any raised failure to its taxonomy entry. Input may be an
// error, a string, or any value with a string form; nil classifies as
// Unknown. Deterministic and total.
func Classify(input any) Classified {
	var text string
	switch v := input.(type) {
	case nil:
		return unknown
	case *Error:
		if out, ok := byKind[v.Kind]; ok {
			return out
		}
		text = v.Error()
	case error:
		var ce *Error
		if errors.As(v, &ce) {
			if out, ok := byKind[ce.Kind]; ok {
				return out
			}
		}
		text = v.Error()
	case string:
		text = v
	case fmt.Stringer:
		text = v.String()
	default:
		text = fmt.Sprint(v)
	}
	return classifyText(text)
}

func classifyText(text string) Classified {
	normalized := strings.ToLower(strings.TrimSpace(text))

	// Structured provider failures arrive as JSON-RPC error objects;
	// match on the embedded message, not the envelope.
	if strings.Contains(normalized, "{") {
		if extracted := extractMessage(normalized); extracted != "" {
			normalized = extracted
		}
	}

	for _, r := range rules {
		for _, needle := range r.needles {
			if strings.Contains(normalized, needle) {
				return r.out
			}
		}
	}
	return unknown
}

func extractMessage(text string) string {
	start := strings.Index(text, "{")
	raw := text[start:]
	if !gjson.Valid(raw) {
		return ""
	}
	for _, path := range []string{"error.data.message", "error.message", "data.message", "message"} {
		if v := gjson.Get(raw, path); v.Exists() && v.String() != "" {
			return strings.ToLower(v.String())
		}
	}
	return ""
}
