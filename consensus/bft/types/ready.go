package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Ready is a liveness announcement a validator broadcasts on startup
// (cmd/hdcnode sends it once, via SendReady) so peers can gate
// process() behind "is anyone else online" — see SPEC_FULL.md §4.5
// (Validator readiness gate), grounded in the teacher's
// readyValidators/SendReady/AddReady mechanism.
type Ready struct {
	Nonce   uint64
	SenderV Address

	Signature []byte
}

func (r *Ready) Sender() Address { return r.SenderV }

func (r *Ready) SigningPayload() []byte {
	enc, err := rlp.EncodeToBytes(r.Nonce)
	if err != nil {
		panic(fmt.Sprintf("bft: ready encoding must not fail: %v", err))
	}
	return enc
}

func (r *Ready) Sign(s Signer) error {
	sig, err := s.Sign(r.SigningPayload())
	if err != nil {
		return err
	}
	r.Signature = sig
	r.SenderV = s.Address()
	return nil
}

func (r *Ready) From(v Verifier) (Address, error) {
	return v.Recover(r.SigningPayload(), r.Signature)
}
