package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RecoverPersonalSign recovers the lowercase 0x address that produced an
// EVM personal_sign signature over message. The signature is the 65-byte
// r||s||v hex form wallets emit; v may be 0/1 or the legacy 27/28.
func RecoverPersonalSign(message []byte, signature string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("auth: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("auth: signature must be 65 bytes, got %d", len(sig))
	}
	// Normalize the recovery id without mutating the caller's buffer.
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	digest := accounts.TextHash(message)
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return "", fmt.Errorf("auth: recover public key: %w", err)
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

// PersonalSign signs message with the given private key using the EIP-191
// prefixed digest. Used by tests and operational tooling; the server never
// signs on behalf of a wallet.
func PersonalSign(message []byte, key *ecdsa.PrivateKey) (string, error) {
	digest := accounts.TextHash(message)
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("auth: personal sign: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// AddressOf returns the lowercase 0x address for a private key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
}
