package types

// Signer produces a signature over an arbitrary payload and reports the
// address it signs as. internal/signer implements this over
// go-ethereum/crypto's secp256k1; the core signs and recovers only
// through these interfaces and imports go-ethereum/crypto solely for
// Keccak256 hashing (block.go, contract.go).
type Signer interface {
	Sign(payload []byte) (signature []byte, err error)
	Address() Address
}

// Verifier recovers the address that produced a signature over a
// payload. Every Signed wire type calls Verifier.Recover from its
// From method rather than embedding recovery logic itself.
type Verifier interface {
	Recover(payload, signature []byte) (Address, error)
}

// Signed is implemented by every signed wire message the core
// exchanges: votes, proposals, block requests and ready announcements.
// LockSet does not implement it; its votes carry their own signatures.
type Signed interface {
	SigningPayload() []byte
	Sign(s Signer) error
	From(v Verifier) (Address, error)
}
