package types

import "errors"

// ErrDoubleVoting is returned by LockSet.Add when sender already voted
// differently at this (height, round) and force_replace was not set.
var ErrDoubleVoting = errors.New("bft: double voting detected")

// ErrInvalidVote is returned by LockSet.Add when the vote's (height,
// round) does not match the lock-set, or the sender is not an
// eligible validator for this lock-set.
var ErrInvalidVote = errors.New("bft: invalid vote")

// ErrInvalidProposal covers any of the structural rules a Proposal
// must satisfy before admission (consensus/bft.AddProposal enumerates
// the concrete rule that failed in the wrapped error text).
var ErrInvalidProposal = errors.New("bft: invalid proposal")
