package auth

import "fmt"

// ChallengeMessage renders the sign-in challenge for signing. The bridge
// rebuilds the same string for verification, so the encoding must stay
// byte-identical on both sides: domain, address, chain id, nonce, and
// issuance timestamp, in this exact layout. Embedding chain id and
// issuance time means a replayed signature is useless on another chain or
// after expiry.
func ChallengeMessage(domain, address string, chainID uint64, nonce string, issuedAt int64) string {
	return fmt.Sprintf(
		"%s wants you to sign in with your wallet.\nAddress: %s\nChain ID: %d\nNonce: %s\nIssued At: %d",
		domain, address, chainID, nonce, issuedAt,
	)
}
