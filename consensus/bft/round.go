package bft

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/nccu-plsm/hdc-consensus/consensus/bft/types"
)

// roundGeneration is a process-wide monotonic counter minting the
// AlarmToken values handed to ChainService.SetupAlarm, so a fired alarm
// can always be told apart from one superseded by newer state (see the
// AlarmToken doc in chainservice.go).
var roundGeneration struct {
	mu   sync.Mutex
	next uint64
}

func nextAlarmToken() AlarmToken {
	roundGeneration.mu.Lock()
	defer roundGeneration.mu.Unlock()
	roundGeneration.next++
	return AlarmToken(roundGeneration.next)
}

// RoundManager drives one (height, round): it owns the lock-set of
// votes cast at that round, the proposal (if any) received or made for
// it, and the single vote this node has locked in (spec.md §4.2).
//
// Unlike the teacher's two-phase (prevote/precommit) RoundManager, this
// one implements spec.md's single voting phase: a round either reaches
// quorum on its own lock-set (which commits directly) or times out into
// the next round.
type RoundManager struct {
	hm     *HeightManager
	cm     *ConsensusManager
	height uint64
	round  uint64

	mu          sync.Mutex
	lockset     *types.LockSet
	proposal    types.Proposal
	voteLock    *types.Vote
	timeoutAt   time.Time
	alarmToken  AlarmToken
	alarmIsSet  bool
}

func newRoundManager(hm *HeightManager, round uint64) *RoundManager {
	cc := hm.cm.contract
	validators := cc.Validators()
	return &RoundManager{
		hm:      hm,
		cm:      hm.cm,
		height:  hm.height,
		round:   round,
		lockset: types.NewLockSet(hm.height, round, validators, cc.NumEligibleVotes(hm.height)),
	}
}

// timeoutDelay computes the exponentially-backed-off round timeout
// (spec.md §4.2): base * factor^round.
func (rm *RoundManager) timeoutDelay() time.Duration {
	d := rm.cm.cfg.RoundTimeout
	factor := rm.cm.cfg.RoundTimeoutFactor
	for i := uint64(0); i < rm.round; i++ {
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// addVote inserts vote into this round's lock-set. forceReplace allows
// the engine's own resynchronized vote to overwrite a placeholder. If
// the insertion makes the lock-set valid while this round has no
// proposal yet and the lock-set is has_noquorum, the designated
// proposer missed its window: record FailedToPropose evidence
// (spec.md §4.2).
func (rm *RoundManager) addVote(vote *types.Vote, forceReplace bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	wasValid := rm.lockset.IsValid()
	if rm.lockset.Contains(vote.Sender) {
		existing, _ := rm.lockset.VoteOf(vote.Sender)
		if existing.Equal(vote) {
			return nil
		}
		if !forceReplace {
			return rm.lockset.Add(vote, false) // surfaces ErrDoubleVoting
		}
	}
	if err := rm.lockset.Add(vote, forceReplace); err != nil {
		return err
	}
	if !wasValid && rm.lockset.IsValid() && rm.proposal == nil && rm.lockset.HasNoQuorum() {
		rm.cm.evidence.Add(&FailedToProposeEvidence{
			HeightV:  rm.height,
			RoundV:   rm.round,
			Proposer: rm.cm.contract.Proposer(rm.height, rm.round),
		})
	}
	return nil
}

// addProposal records p as this round's proposal. A second proposal
// for the same blockhash is accepted idempotently; anything else is
// rejected as invalid (spec.md §4.5 rule 5).
func (rm *RoundManager) addProposal(p types.Proposal) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.proposal == nil {
		rm.proposal = p
		return nil
	}
	if rm.proposal.BlockHash() == p.BlockHash() {
		return nil
	}
	return types.ErrInvalidProposal
}

// process runs one step of the round: propose (if we're the round's
// proposer and haven't already), then vote (if we haven't already
// locked a vote). Grounded in the teacher's RoundManager.process, with
// the precommit phase removed per spec.md's single-phase design.
func (rm *RoundManager) process() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.hm.activeRound() != rm.round || rm.cm.height() != rm.height {
		return
	}

	if p := rm.proposeLocked(); p != nil {
		switch prop := p.(type) {
		case *types.BlockProposal:
			rm.cm.addBlockCandidateLocked(prop)
			rm.cm.chain.Broadcast(prop)
		case *types.VotingInstruction:
			rm.cm.chain.Broadcast(prop)
		}
	}

	if rm.voteLock == nil {
		if v := rm.voteLocked(); v != nil {
			rm.cm.chain.Broadcast(v)
		}
	}

	rm.setupAlarmLocked()
}

// propose produces this round's proposal if this node is its
// designated proposer and no proposal has been made yet (spec.md §4.2).
func (rm *RoundManager) proposeLocked() types.Proposal {
	if rm.proposal != nil {
		return nil // already proposed or already received one
	}
	proposer := rm.cm.contract.Proposer(rm.height, rm.round)
	if proposer != rm.cm.chain.Coinbase() {
		return nil
	}

	roundLockset := rm.hm.lastValidLockset()
	var proposal types.Proposal
	if rm.round == 0 || roundLockset == nil || roundLockset.HasNoQuorum() {
		bp := rm.mkProposalLocked(roundLockset)
		if bp == nil {
			return nil
		}
		proposal = bp
	} else if roundLockset.HasQuorumPossible() {
		vi := &types.VotingInstruction{HeightV: rm.height, RoundV: rm.round, LS: roundLockset}
		if err := vi.Sign(rm.cm.signer); err != nil {
			log.Error("bft: sign voting instruction", "err", err)
			return nil
		}
		proposal = vi
	} else {
		return nil
	}
	rm.proposal = proposal
	return proposal
}

// mkProposal builds a BlockProposal over the chain's head candidate,
// certified by the lock-set that committed the current head (spec.md
// §4.2's "last_committing_lockset"). roundLockset is the no-quorum
// lock-set of (height, round-1) justifying re-proposing, nil at round
// 0.
func (rm *RoundManager) mkProposalLocked(roundLockset *types.LockSet) *types.BlockProposal {
	signing := rm.cm.lastCommittingLockset()
	if signing == nil {
		log.Debug("bft: cannot propose, no signing lockset yet", "height", rm.height, "round", rm.round)
		return nil
	}
	if _, ok := signing.HasQuorum(); !ok {
		return nil
	}

	block := rm.cm.chain.HeadCandidate()
	if block == nil {
		log.Debug("bft: cannot propose, no head candidate ready", "height", rm.height, "round", rm.round)
		return nil
	}

	bp := &types.BlockProposal{HeightV: rm.height, RoundV: rm.round, Block: block, Signing: signing.Copy()}
	if rm.round > 0 {
		bp.RoundLS = roundLockset.Copy()
	}
	if err := bp.Sign(rm.cm.signer); err != nil {
		log.Error("bft: sign block proposal", "err", err)
		return nil
	}
	return bp
}

// vote casts this node's single vote for the round (spec.md §4.2):
//   - a proposal is present: vote per its kind, subject to the
//     preconditions below;
//   - no proposal but the round timed out: repeat the height's last
//     lock, or VoteNil if never locked;
//   - otherwise: nothing yet, still waiting.
func (rm *RoundManager) voteLocked() *types.Vote {
	if rm.voteLock != nil {
		return nil
	}

	lastLock := rm.hm.lastLock()
	var vote *types.Vote
	switch p := rm.proposal.(type) {
	case *types.VotingInstruction:
		if h, ok := p.LS.PossibleQuorumHash(); ok {
			vote = types.VoteBlock(rm.height, rm.round, h)
		}
	case *types.BlockProposal:
		if lastLock != nil && lastLock.IsBlockVote() {
			// never unlock a block within the same height
			vote = types.VoteBlock(rm.height, rm.round, lastLock.BlockHash)
		} else if p.Block.ParentHash == rm.cm.chain.Head().Hash() &&
			(rm.round == 0 || (p.RoundLS != nil && p.RoundLS.HasNoQuorum())) {
			vote = types.VoteBlock(rm.height, rm.round, p.BlockHash())
		}
	}
	if vote == nil {
		if rm.timeoutAt.IsZero() || rm.cm.chain.Now().Before(rm.timeoutAt) {
			return nil
		}
		if lastLock != nil && lastLock.IsBlockVote() {
			vote = types.VoteBlock(rm.height, rm.round, lastLock.BlockHash)
		} else {
			vote = types.VoteNil(rm.height, rm.round)
		}
	}

	if err := vote.Sign(rm.cm.signer); err != nil {
		log.Error("bft: sign vote", "err", err)
		return nil
	}
	rm.voteLock = vote
	if err := rm.lockset.Add(vote, true); err != nil {
		log.Error("bft: add own vote to lockset", "err", err)
	}
	return vote
}

// setupAlarm arranges a wakeup at this round's timeout, unless one is
// already pending.
func (rm *RoundManager) setupAlarmLocked() {
	if rm.alarmIsSet {
		return
	}
	if rm.timeoutAt.IsZero() {
		rm.timeoutAt = rm.cm.chain.Now().Add(rm.timeoutDelay())
	}
	rm.alarmToken = nextAlarmToken()
	rm.alarmIsSet = true
	rm.cm.registerAlarm(rm.alarmToken, rm.height, rm.round)
	rm.cm.chain.SetupAlarm(rm.timeoutDelay(), rm.alarmToken)
}
