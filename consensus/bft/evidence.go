package bft

import (
	"fmt"
	"sync"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// Evidence is anything the EvidenceCollector can hold: the four
// protocol-failure kinds from spec.md §4.7. Grounded in the teacher's
// ProtocolFailureEvidence hierarchy (bft_manager.go), itself grounded in
// hydrachain's consensus/protocol_failure.py.
type Evidence interface {
	fmt.Stringer
	Height() uint64
}

// DoubleVotingEvidence records two conflicting signed votes from the
// same sender at the same (height, round).
type DoubleVotingEvidence struct {
	VoteA, VoteB *types.Vote
}

func (e *DoubleVotingEvidence) Height() uint64 { return e.VoteA.Height }
func (e *DoubleVotingEvidence) String() string {
	return fmt.Sprintf("DoubleVoting{%s vs %s}", e.VoteA, e.VoteB)
}

// InvalidVoteEvidence records a vote that the lock-set rejected
// (ineligible sender or height/round mismatch). Votes whose signature
// does not recover, or that come from a non-validator, are dropped by
// ConsensusManager.AddVote without evidence.
type InvalidVoteEvidence struct {
	Vote *types.Vote
	Err  error
}

func (e *InvalidVoteEvidence) Height() uint64 { return e.Vote.Height }
func (e *InvalidVoteEvidence) String() string {
	return fmt.Sprintf("InvalidVote{%s: %v}", e.Vote, e.Err)
}

// InvalidProposalEvidence records a proposal that failed validation
// (wrong proposer, malformed lock-set, stale lockset, etc.)
type InvalidProposalEvidence struct {
	Proposal types.Proposal
	Err      error
}

func (e *InvalidProposalEvidence) Height() uint64 { return e.Proposal.Height() }
func (e *InvalidProposalEvidence) String() string {
	return fmt.Sprintf("InvalidProposal{%s: %v}", e.Proposal, e.Err)
}

// FailedToProposeEvidence records a round's designated proposer never
// producing a proposal before the round's alarm fired.
type FailedToProposeEvidence struct {
	HeightV, RoundV uint64
	Proposer        types.Address
}

func (e *FailedToProposeEvidence) Height() uint64 { return e.HeightV }
func (e *FailedToProposeEvidence) String() string {
	return fmt.Sprintf("FailedToPropose{h=%d r=%d proposer=%x}", e.HeightV, e.RoundV, e.Proposer[:4])
}

// EvidenceCollector is an append-only, thread-safe log of protocol
// failures observed locally (spec.md §4.7). It does not itself act on
// the evidence — broadcasting or slashing is left to the chain service,
// consistent with spec.md §1 Non-goals.
type EvidenceCollector struct {
	mu  sync.Mutex
	all []Evidence
}

// NewEvidenceCollector returns an empty collector.
func NewEvidenceCollector() *EvidenceCollector {
	return &EvidenceCollector{}
}

// Add appends e to the log.
func (ec *EvidenceCollector) Add(e Evidence) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.all = append(ec.all, e)
	evidenceTotal.WithLabelValues(evidenceKind(e)).Inc()
}

// All returns a defensive copy of the accumulated evidence.
func (ec *EvidenceCollector) All() []Evidence {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]Evidence, len(ec.all))
	copy(out, ec.all)
	return out
}

func evidenceKind(e Evidence) string {
	switch e.(type) {
	case *DoubleVotingEvidence:
		return "double_voting"
	case *InvalidVoteEvidence:
		return "invalid_vote"
	case *InvalidProposalEvidence:
		return "invalid_proposal"
	case *FailedToProposeEvidence:
		return "failed_to_propose"
	default:
		return "unknown"
	}
}
