package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// wordSize is the ABI word size in bytes.
const wordSize = 32

// Selector returns the 4-byte function selector for a canonical signature
// such as "plans(uint256)".
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// Keccak256 hashes data with legacy Keccak-256.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// EncodeUint256 encodes a non-negative integer as one ABI word.
func EncodeUint256(v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 {
		return nil, fmt.Errorf("uint256 must be non-negative")
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("value exceeds 256 bits")
	}
	word := make([]byte, wordSize)
	v.FillBytes(word)
	return word, nil
}

// EncodeAddress encodes a 0x-prefixed 20-byte address as one ABI word.
func EncodeAddress(address string) ([]byte, error) {
	raw, err := decodeHexBytes(address)
	if err != nil {
		return nil, fmt.Errorf("malformed address %q: %w", address, err)
	}
	if len(raw) != 20 {
		return nil, fmt.Errorf("address %q is %d bytes, want 20", address, len(raw))
	}
	word := make([]byte, wordSize)
	copy(word[wordSize-20:], raw)
	return word, nil
}

// Pack builds call data from a selector signature and pre-encoded words.
func Pack(signature string, words ...[]byte) []byte {
	data := make([]byte, 0, 4+len(words)*wordSize)
	data = append(data, Selector(signature)...)
	for _, w := range words {
		data = append(data, w...)
	}
	return data
}

// DecodeUint256 decodes the ABI word at index i of a call result.
func DecodeUint256(data []byte, i int) (*big.Int, error) {
	word, err := word(data, i)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(word), nil
}

// DecodeBool decodes the ABI word at index i as a boolean.
func DecodeBool(data []byte, i int) (bool, error) {
	v, err := DecodeUint256(data, i)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

// DecodeAddress decodes the ABI word at index i as a 0x-prefixed address.
func DecodeAddress(data []byte, i int) (string, error) {
	w, err := word(data, i)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(w[wordSize-20:]), nil
}

func word(data []byte, i int) ([]byte, error) {
	start := i * wordSize
	if len(data) < start+wordSize {
		return nil, fmt.Errorf("result too short: want word %d, have %d bytes", i, len(data))
	}
	return data[start : start+wordSize], nil
}

func decodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// EncodeHex renders bytes as a 0x-prefixed hex string.
func EncodeHex(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}
