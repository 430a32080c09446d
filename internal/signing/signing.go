// Package signing implements the Signing Coordinator (spec §4.6): the
// two-round state machine that drives the Crypto Engine from a signer-subset
// selection to an aggregated, verified signature. One Coordinator runs per
// signing request, mirroring internal/dkg.Coordinator's shape one round
// shorter (spec §4.6 vs §4.5) and sharing its buffering/callback idioms.
package signing

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/coreerr"
	"github.com/collider/mpc-coordcore/internal/crypto"
	"github.com/collider/mpc-coordcore/internal/session"
)

// State is the SigningState from spec §3. Complete carries the signature
// and Failed carries its reason in separate fields, following Go idiom over
// a tagged union rather than modeling them as enum payloads.
type State int

const (
	Idle State = iota
	CommitmentsCollecting
	SharesCollecting
	Aggregating
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CommitmentsCollecting:
		return "commitments_collecting"
	case SharesCollecting:
		return "shares_collecting"
	case Aggregating:
		return "aggregating"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Hooks are the Coordinator's outbound edges, matching internal/dkg.Hooks'
// function-field shape. Unlike internal/dkg, this package does no JSON/hex
// conversion: the commitment and share strings passed to SendCommitment and
// SendShare, and those OnCommitment and OnShare accept, are the Crypto
// Engine's hex encoding.
type Hooks struct {
	SendCommitment func(to session.ParticipantIndex, commitmentJSON string)
	SendShare      func(to session.ParticipantIndex, shareJSON string)
	OnStateChanged func(State)
	OnComplete     func(signature string)
	OnFailed       func(reason string)
}

type bufferedCommitment struct {
	sender         session.ParticipantIndex
	commitmentJSON string
}

type bufferedShare struct {
	sender    session.ParticipantIndex
	shareJSON string
}

// Coordinator drives one signing request (spec: "exactly one in-flight
// (wallet, message)" — Invariant Sg1 is enforced one layer down by the
// Crypto Engine refusing a second concurrent signing_commit; this
// Coordinator additionally refuses to be Start()ed twice).
type Coordinator struct {
	mu    sync.Mutex
	log   *zap.Logger
	eng   *crypto.Engine
	own   session.ParticipantIndex
	subset []session.ParticipantIndex
	hooks Hooks

	state      State
	signature  string
	failReason string

	receivedCommitments map[session.ParticipantIndex]bool
	receivedShares      map[session.ParticipantIndex]bool

	bufCommitments []bufferedCommitment
	bufShares      []bufferedShare
}

// New constructs a Coordinator for one signing request against eng, which
// must already hold a completed DKG key share. subset is the signer subset S
// chosen by the initiator, including this participant's own index.
func New(log *zap.Logger, eng *crypto.Engine, own session.ParticipantIndex, subset []session.ParticipantIndex, hooks Hooks) *Coordinator {
	return &Coordinator{
		log:                 log,
		eng:                 eng,
		own:                 own,
		subset:              append([]session.ParticipantIndex(nil), subset...),
		hooks:               hooks,
		state:               Idle,
		receivedCommitments: make(map[session.ParticipantIndex]bool),
		receivedShares:      make(map[session.ParticipantIndex]bool),
	}
}

// State reports the current SigningState.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Signature returns the final signature once State()==Complete.
func (c *Coordinator) Signature() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signature
}

// FailReason reports the reason passed to the most recent Failed transition.
func (c *Coordinator) FailReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failReason
}

func (c *Coordinator) setState(s State) {
	if s == c.state {
		return
	}
	c.state = s
	if c.hooks.OnStateChanged != nil {
		c.hooks.OnStateChanged(s)
	}
}

func (c *Coordinator) fail(reason string) {
	if c.state == Failed || c.state == Complete {
		return
	}
	c.failReason = reason
	c.state = Failed
	c.log.Warn("signing failed", zap.String("reason", reason))
	c.eng.ClearSigningState() // Invariant Sg2: nonces destroyed on failure.
	if c.hooks.OnFailed != nil {
		c.hooks.OnFailed(reason)
	}
}

// Start begins Round 1 (commit): generates this participant's own signing
// commitment and broadcasts it to the rest of the subset (spec §4.6 round 1
// steps 1-2).
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return coreerr.New(coreerr.ProtocolViolation, "signing start: not idle (state=%s)", c.state)
	}

	indices := make([]int, len(c.subset))
	for i, idx := range c.subset {
		indices[i] = int(idx)
	}

	ownCommitment, err := c.eng.SigningCommit(indices)
	if err != nil {
		c.fail(err.Error())
		return err
	}
	c.setState(CommitmentsCollecting)

	for _, idx := range c.subset {
		if idx == c.own {
			continue
		}
		if c.hooks.SendCommitment != nil {
			c.hooks.SendCommitment(idx, ownCommitment)
		}
	}

	c.sweepCommitmentsLocked()
	return nil
}

// OnCommitment ingests a SigningCommitment frame from a fellow subset
// member. A commitment arriving before Start() has run locally is buffered.
func (c *Coordinator) OnCommitment(sender session.ParticipantIndex, commitmentJSON string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Failed || c.state == Complete {
		return nil
	}
	if c.state == Idle {
		c.bufCommitments = append(c.bufCommitments, bufferedCommitment{sender: sender, commitmentJSON: commitmentJSON})
		return nil
	}
	return c.ingestCommitmentLocked(sender, commitmentJSON)
}

func (c *Coordinator) ingestCommitmentLocked(sender session.ParticipantIndex, commitmentJSON string) error {
	if sender == c.own {
		return nil
	}
	if c.receivedCommitments[sender] {
		c.log.Debug("duplicate signing commitment dropped", zap.Int("sender_index", int(sender)))
		return nil
	}

	if err := c.eng.AddSigningCommitment(int(sender), commitmentJSON); err != nil {
		if coreerr.Is(err, coreerr.DuplicatePackage) {
			return nil
		}
		c.fail(fmt.Sprintf("bad commitment from %d", sender))
		return err
	}
	c.receivedCommitments[sender] = true

	if len(c.receivedCommitments)+1 == len(c.subset) {
		c.setState(SharesCollecting)
	}
	return nil
}

func (c *Coordinator) sweepCommitmentsLocked() {
	if len(c.bufCommitments) == 0 {
		return
	}
	pending := c.bufCommitments
	c.bufCommitments = nil
	for _, f := range pending {
		if c.state == Failed || c.state == Complete {
			return
		}
		if err := c.ingestCommitmentLocked(f.sender, f.commitmentJSON); err != nil {
			return
		}
	}
}

// SignRound2 produces this participant's signature share once commitments
// from all of S are present and broadcasts it (spec §4.6 round 2 steps 1-2).
// The caller (the wallet orchestrator) invokes this once State()==
// SharesCollecting; calling it in any other state returns a "not ready"
// ProtocolViolation without reaching the Engine.
func (c *Coordinator) SignRound2(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != SharesCollecting {
		return coreerr.New(coreerr.ProtocolViolation, "signing round2: not ready (state=%s)", c.state)
	}

	ownShare, err := c.eng.Sign(message)
	if err != nil {
		c.fail(err.Error())
		return err
	}

	for _, idx := range c.subset {
		if idx == c.own {
			continue
		}
		if c.hooks.SendShare != nil {
			c.hooks.SendShare(idx, ownShare)
		}
	}

	c.sweepSharesLocked()
	return nil
}

// OnShare ingests a SigningShare frame from a fellow subset member. A share
// arriving before SignRound2 has run locally (CommitmentsCollecting) is
// buffered.
func (c *Coordinator) OnShare(sender session.ParticipantIndex, shareJSON string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Failed || c.state == Complete {
		return nil
	}
	if c.state == Idle || c.state == CommitmentsCollecting {
		c.bufShares = append(c.bufShares, bufferedShare{sender: sender, shareJSON: shareJSON})
		return nil
	}
	return c.ingestShareLocked(sender, shareJSON)
}

func (c *Coordinator) ingestShareLocked(sender session.ParticipantIndex, shareJSON string) error {
	if sender == c.own {
		return nil
	}
	if c.receivedShares[sender] {
		c.log.Debug("duplicate signature share dropped", zap.Int("sender_index", int(sender)))
		return nil
	}

	if err := c.eng.AddSignatureShare(int(sender), shareJSON); err != nil {
		if coreerr.Is(err, coreerr.DuplicatePackage) {
			return nil
		}
		c.fail(fmt.Sprintf("invalid share from %d", sender))
		return err
	}
	c.receivedShares[sender] = true

	if len(c.receivedShares)+1 == len(c.subset) {
		c.setState(Aggregating)
	}
	return nil
}

func (c *Coordinator) sweepSharesLocked() {
	if len(c.bufShares) == 0 {
		return
	}
	pending := c.bufShares
	c.bufShares = nil
	for _, f := range pending {
		if c.state == Failed || c.state == Complete {
			return
		}
		if err := c.ingestShareLocked(f.sender, f.shareJSON); err != nil {
			return
		}
	}
}

// Aggregate combines all signature shares into the final signature, once
// State()==Aggregating. Conventionally called by the initiator only (spec
// §4.6 round 2 step 4), though any member holding all shares can call it.
func (c *Coordinator) Aggregate(message []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Aggregating {
		return "", coreerr.New(coreerr.ProtocolViolation, "aggregate: not ready (state=%s)", c.state)
	}

	sig, err := c.eng.AggregateSignature(message)
	if err != nil {
		c.fail(err.Error())
		return "", err
	}

	c.signature = sig
	c.setState(Complete)
	c.eng.ClearSigningState() // Invariant Sg2: nonces destroyed on completion.
	c.log.Info("signing complete", zap.Int("own_index", int(c.own)))
	if c.hooks.OnComplete != nil {
		c.hooks.OnComplete(sig)
	}
	return sig, nil
}

// OnTimeout aborts the session on a caller-supplied deadline (spec §4.6
// failure semantics: "Timeout (caller-provided) ⇒ Failed('timeout')").
func (c *Coordinator) OnTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Complete || c.state == Failed {
		return
	}
	c.fail("timeout")
}

// OnPeerLost aborts the session when a subset member's channel drops
// mid-signing.
func (c *Coordinator) OnPeerLost(peer session.ParticipantIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Complete || c.state == Failed || c.state == Idle {
		return
	}
	c.fail(fmt.Sprintf("peer lost: %d", peer))
}
