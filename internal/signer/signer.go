// Package signer adapts go-ethereum's secp256k1 implementation to the
// consensus engine's Signer/Verifier interfaces.
package signer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// ECDSASigner signs consensus messages with a secp256k1 private key,
// the same scheme the teacher's ConsensusManager.Sign dispatches into
// per message type.
type ECDSASigner struct {
	key  *ecdsa.PrivateKey
	addr types.Address
}

// NewECDSASigner wraps an existing private key.
func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateECDSASigner creates a fresh validator identity, for tests and
// local devnets.
func GenerateECDSASigner() (*ECDSASigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return NewECDSASigner(key), nil
}

func (s *ECDSASigner) Address() types.Address { return s.addr }

// Sign returns a recoverable ECDSA signature over Keccak256(payload),
// matching go-ethereum's crypto.Sign/SigToPub convention.
func (s *ECDSASigner) Sign(payload []byte) ([]byte, error) {
	hash := crypto.Keccak256(payload)
	return crypto.Sign(hash, s.key)
}

// ECDSAVerifier recovers the signer address from a signature produced
// by ECDSASigner.
type ECDSAVerifier struct{}

func (ECDSAVerifier) Recover(payload, signature []byte) (types.Address, error) {
	hash := crypto.Keccak256(payload)
	pub, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return types.Address{}, fmt.Errorf("signer: recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
