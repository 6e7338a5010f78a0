// Package types defines the wire-level data model consumed by the
// consensus core: validator addresses, votes, lock-sets, proposals and
// the minimal block representation the chain service hands back to us.
//
// None of these types know how to sign themselves or talk to the
// network; they depend only on the Signer/Verifier interfaces declared
// here, which internal/signer satisfies with go-ethereum/crypto.
package types

import "github.com/ethereum/go-ethereum/common"

// Address is a validator identity, recoverable from a signature.
// It is defined as an alias of go-ethereum's common.Address so that
// addresses produced by crypto.SigToPub/PubkeyToAddress plug in
// without any conversion at the signer boundary.
type Address = common.Address

// Hash identifies a block or a signed message by content.
type Hash = common.Hash

// ZeroHash is the sentinel used by VoteNil and by an un-set BlockHash.
var ZeroHash Hash
