// Package ethsign implements personal-message signing and signer recovery
// for secp256k1 wallet keys. The wallet side signs sign-in challenges with
// it; the session bridge recovers the signer to prove wallet ownership.
package ethsign

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// PersonalMessageHash returns the Keccak-256 digest of a message under the
// personal-sign envelope. The prefix binds the signature to interactive
// signing so it can never double as a valid transaction.
func PersonalMessageHash(message []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d", len(message))
	h.Write(message)
	return h.Sum(nil)
}

// Sign produces a 65-byte r||s||v signature over the personal-sign hash of
// message, hex encoded with a 0x prefix.
func Sign(key *secp256k1.PrivateKey, message []byte) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key required")
	}
	hash := PersonalMessageHash(message)

	// SignCompact yields v||r||s; wire format is r||s||v.
	compact := ecdsa.SignCompact(key, hash, false)
	sig := make([]byte, 65)
	copy(sig[:64], compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress recovers the 0x-prefixed signer address from a 65-byte
// personal-sign signature over message.
func RecoverAddress(message []byte, signature string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil {
		return "", fmt.Errorf("malformed signature: %w", err)
	}
	if len(raw) != 65 {
		return "", fmt.Errorf("signature is %d bytes, want 65", len(raw))
	}

	v := raw[64]
	// Wallets emit v as 27/28; normalize legacy 0/1 too.
	if v == 0 || v == 1 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", fmt.Errorf("invalid recovery id %d", raw[64])
	}

	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], raw[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, PersonalMessageHash(message))
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return PubKeyAddress(pub), nil
}

// PubKeyAddress derives the 0x-prefixed address from a public key: the low
// 20 bytes of the Keccak-256 of the uncompressed key without its prefix.
func PubKeyAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

// EqualAddress compares two addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
