// Package signer obtains the holder's signature over an authorization digest.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SignatureLength is the size of an [R || S || V] signature.
const SignatureLength = 65

var (
	ErrUserRejected   = errors.New("signature request rejected by user")
	ErrSigningTimeout = errors.New("signature request timed out")
	ErrInvalidLength  = fmt.Errorf("signature must be %d bytes", SignatureLength)
	ErrSignerMismatch = errors.New("signature was not produced by the holder key")
	ErrRequestPending = errors.New("another signature request is outstanding")
	ErrUnknownRequest = errors.New("no matching signature request")
)

// Request is a single signing prompt.
type Request struct {
	ID        uuid.UUID   `json:"id"`
	SessionID string      `json:"session_id"`
	Purpose   string      `json:"purpose"`
	Digest    common.Hash `json:"digest"`
	CreatedAt time.Time   `json:"created_at"`
}

// Gateway returns a signature over req.Digest using the standard
// personal-message convention, or ErrUserRejected / ErrSigningTimeout.
// Implementations never retry on their own.
type Gateway interface {
	RequestSignature(ctx context.Context, req Request) ([]byte, error)
}

// KeySigner signs with a local secp256k1 key. Used by the CLI and tests.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key, with or without 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySignerFromKey(key), nil
}

// NewKeySignerFromKey wraps an existing key.
func NewKeySignerFromKey(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the signer's account address.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// RequestSignature signs immediately.
func (s *KeySigner) RequestSignature(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return SignDigest(s.key, req.Digest)
}

// SignDigest signs the EIP-191 hash of digest and returns V as 27 or 28.
func SignDigest(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over digest. V may be 0/1 or 27/28.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidLength
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
