// Package dkg implements the DKG Coordinator (spec §4.5): the three-round
// state machine that drives the Crypto Engine from session start to a
// persisted KeyShare. One Coordinator runs per session, on one logical task
// (spec §5) — it is not safe for concurrent external use beyond its own
// mutex-guarded methods, mirroring the teacher's per-session-mutex handlers
// (internal/mesh.Coordinator generalizes the same shape one layer down).
package dkg

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/coreerr"
	"github.com/collider/mpc-coordcore/internal/crypto"
	"github.com/collider/mpc-coordcore/internal/keystore"
	"github.com/collider/mpc-coordcore/internal/session"
	"github.com/collider/mpc-coordcore/internal/wireformat"
)

// State is the DkgState from spec §3. Failed carries its reason in a
// separate field (FailReason), following Go idiom over a tagged union.
type State int

const (
	Idle State = iota
	Round1InProgress
	Round2InProgress
	Finalizing
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Round1InProgress:
		return "round1_in_progress"
	case Round2InProgress:
		return "round2_in_progress"
	case Finalizing:
		return "finalizing"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Hooks are the Coordinator's outbound edges: frame sends and upward events.
// Modeled as plain function fields rather than an interface, matching
// internal/mesh.Coordinator's onStateChanged callback.
type Hooks struct {
	SendRound1     func(to session.ParticipantIndex, packageJSON string)
	SendRound2     func(to session.ParticipantIndex, packageJSON string)
	OnStateChanged func(State)
	OnComplete     func(groupPublicKey []byte)
	OnFailed       func(reason string)
}

type bufferedRound1 struct {
	sender      session.ParticipantIndex
	packageJSON string
}

type bufferedRound2 struct {
	sender      session.ParticipantIndex
	packageJSON string
}

// Coordinator drives one session's DKG to completion or failure.
type Coordinator struct {
	mu    sync.Mutex
	log   *zap.Logger
	eng   *crypto.Engine
	desc  *session.Descriptor
	own   session.ParticipantIndex
	ks    keystore.Keystore
	ksPwd string
	hooks Hooks

	state      State
	failReason string

	// received_round1, per spec §4.5 step 3/5: the coordinator's own
	// bookkeeping of which indices have contributed a round1 package,
	// independent of (and gating a transition ahead of) the engine's
	// internal tracking.
	receivedRound1 map[session.ParticipantIndex]bool
	appliedRound2  map[session.ParticipantIndex]bool

	// Per-round ordered buffers for frames that arrive before the local
	// state machine has reached the round they belong to (spec §4.5
	// "package buffering"). Preserved until session reset / new DKG.
	bufRound1 []bufferedRound1
	bufRound2 []bufferedRound2

	// Best-effort cache of this participant's own outbound packages, so a
	// DkgPackageResendRequest can be honored without re-deriving crypto
	// material. Spec §9 flags peer-side cache eviction semantics as an open
	// question the source leaves undocumented; this core keeps the cache
	// for the lifetime of the session and simply no-ops a resend request
	// for anything already evicted (there is none here, since the
	// coordinator never evicts within a session).
	ownRound1JSON string
	ownRound2JSON map[session.ParticipantIndex]string
}

// New constructs a Coordinator for one session. eng must be freshly
// constructed (not yet InitDKG'd) and bound to desc.Curve.
func New(log *zap.Logger, eng *crypto.Engine, desc *session.Descriptor, own session.ParticipantIndex, ks keystore.Keystore, keystorePassword string, hooks Hooks) *Coordinator {
	return &Coordinator{
		log:            log,
		eng:            eng,
		desc:           desc,
		own:            own,
		ks:             ks,
		ksPwd:          keystorePassword,
		hooks:          hooks,
		state:          Idle,
		receivedRound1: make(map[session.ParticipantIndex]bool),
		appliedRound2:  make(map[session.ParticipantIndex]bool),
		ownRound2JSON:  make(map[session.ParticipantIndex]string),
	}
}

// State reports the current DkgState.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
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
	c.log.Warn("dkg failed", zap.String("reason", reason))
	if c.hooks.OnFailed != nil {
		c.hooks.OnFailed(reason)
	}
}

// Start begins Round 1. Preconditions (spec §4.5): caller must only invoke
// this once the Mesh Coordinator reports Ready and the session is Idle; both
// are the caller's responsibility to check upstream (the Coordinator only
// re-asserts its own state here, since it has no visibility into mesh state).
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		err := coreerr.New(coreerr.ProtocolViolation, "dkg start: not idle (state=%s)", c.state)
		return err
	}

	if err := c.eng.InitDKG(int(c.own), c.desc.Total, c.desc.Threshold); err != nil {
		c.fail(err.Error())
		return err
	}
	ownHex, err := c.eng.GenerateRound1()
	if err != nil {
		c.fail(err.Error())
		return err
	}
	ownJSON, err := wireformat.FromHex(ownHex)
	if err != nil {
		c.fail(err.Error())
		return err
	}
	c.ownRound1JSON = string(ownJSON)

	// Invariant D1/D2: record the local contribution in received_round1
	// without ever calling AddRound1Package with our own index.
	c.receivedRound1[c.own] = true
	c.setState(Round1InProgress)

	for _, pid := range c.desc.Participants {
		idx, _ := c.desc.IndexOf(pid)
		if idx == c.own {
			continue
		}
		if c.hooks.SendRound1 != nil {
			c.hooks.SendRound1(idx, c.ownRound1JSON)
		}
	}

	c.sweepRound1Locked()
	return nil
}

// OnRound1 ingests an inbound DkgRound1 frame from sender. Frames arriving
// before Start() has run locally are buffered and replayed once Round 1 is
// underway (spec §4.5 package buffering).
func (c *Coordinator) OnRound1(sender session.ParticipantIndex, packageJSON string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Failed || c.state == Complete {
		return nil
	}
	if c.state == Idle {
		c.bufRound1 = append(c.bufRound1, bufferedRound1{sender: sender, packageJSON: packageJSON})
		return nil
	}
	return c.ingestRound1Locked(sender, packageJSON)
}

func (c *Coordinator) ingestRound1Locked(sender session.ParticipantIndex, packageJSON string) error {
	if sender == c.own {
		// A peer echoing our own index back is a transport bug, not a
		// crypto error; drop it rather than ever routing it through
		// AddRound1Package (Invariant D1).
		return nil
	}
	if c.receivedRound1[sender] {
		c.log.Debug("duplicate round1 package dropped", zap.Int("sender_index", int(sender)))
		return nil
	}

	hexPayload := wireformat.ToHex([]byte(packageJSON))
	if err := c.eng.AddRound1Package(int(sender), hexPayload); err != nil {
		if coreerr.Is(err, coreerr.DuplicatePackage) {
			return nil
		}
		c.fail(fmt.Sprintf("bad package from %d", sender))
		return err
	}
	c.receivedRound1[sender] = true

	if len(c.receivedRound1) == c.desc.Total && c.eng.CanStartRound2() {
		return c.transitionToRound2Locked()
	}
	return nil
}

// sweepRound1Locked replays any buffered round1 frames after Start() has
// moved local state out of Idle. Must be called with c.mu held.
func (c *Coordinator) sweepRound1Locked() {
	if len(c.bufRound1) == 0 {
		return
	}
	pending := c.bufRound1
	c.bufRound1 = nil
	for _, f := range pending {
		if c.state == Failed || c.state == Complete {
			return
		}
		if err := c.ingestRound1Locked(f.sender, f.packageJSON); err != nil {
			return
		}
	}
}

// transitionToRound2Locked generates and sends this participant's round-2
// packages, then performs the mandatory post-transition buffered-round2
// sweep (spec §4.5 replay-after-transition rule) since fast peers may have
// already sent theirs. Must be called with c.mu held.
func (c *Coordinator) transitionToRound2Locked() error {
	c.setState(Round2InProgress)

	packages, err := c.eng.GenerateRound2()
	if err != nil {
		c.fail(err.Error())
		return err
	}

	for _, pid := range c.desc.Participants {
		idx, _ := c.desc.IndexOf(pid)
		if idx == c.own {
			continue
		}
		hexPkg, ok := lookupRound2Package(c.log, packages, int(idx), c.desc.Curve)
		if !ok {
			err := coreerr.New(coreerr.MalformedPackage, "no round2 package generated for recipient %d", idx)
			c.fail(err.Error())
			return err
		}
		jsonPkg, err := wireformat.FromHex(hexPkg)
		if err != nil {
			c.fail(err.Error())
			return err
		}
		c.ownRound2JSON[idx] = string(jsonPkg)
		if c.hooks.SendRound2 != nil {
			c.hooks.SendRound2(idx, string(jsonPkg))
		}
	}

	c.sweepRound2Locked()
	return nil
}

// OnRound2 ingests an inbound DkgRound2 frame addressed to this participant.
// Frames arriving before the local state has reached Round2InProgress are
// buffered (spec §4.5).
func (c *Coordinator) OnRound2(sender session.ParticipantIndex, packageJSON string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Failed || c.state == Complete {
		return nil
	}
	if c.state == Idle || c.state == Round1InProgress {
		c.bufRound2 = append(c.bufRound2, bufferedRound2{sender: sender, packageJSON: packageJSON})
		return nil
	}
	return c.ingestRound2Locked(sender, packageJSON)
}

func (c *Coordinator) ingestRound2Locked(sender session.ParticipantIndex, packageJSON string) error {
	if c.appliedRound2[sender] {
		c.log.Debug("duplicate round2 package dropped", zap.Int("sender_index", int(sender)))
		return nil
	}

	hexPayload := wireformat.ToHex([]byte(packageJSON))
	if err := c.eng.AddRound2Package(int(sender), hexPayload); err != nil {
		if coreerr.Is(err, coreerr.DuplicatePackage) {
			return nil
		}
		c.fail(fmt.Sprintf("bad package from %d", sender))
		return err
	}
	c.appliedRound2[sender] = true

	if c.eng.CanFinalize() {
		return c.finalizeLocked()
	}
	return nil
}

func (c *Coordinator) sweepRound2Locked() {
	if len(c.bufRound2) == 0 {
		return
	}
	pending := c.bufRound2
	c.bufRound2 = nil
	for _, f := range pending {
		if c.state == Failed || c.state == Complete {
			return
		}
		if err := c.ingestRound2Locked(f.sender, f.packageJSON); err != nil {
			return
		}
	}
}

func (c *Coordinator) finalizeLocked() error {
	c.setState(Finalizing)

	groupKey, err := c.eng.FinalizeDKG()
	if err != nil {
		c.fail(err.Error())
		return err
	}

	if c.ks != nil {
		keyPackageHex, publicKeyPackageHex, _, err := c.eng.ExportKeyShare()
		if err != nil {
			c.fail(err.Error())
			return err
		}
		rec := &keystore.Record{
			Version:           "native-v1",
			Curve:             c.desc.Curve.String(),
			Threshold:         c.desc.Threshold,
			TotalParticipants: c.desc.Total,
			ParticipantIndex:  int(c.own),
			GroupPublicKey:    wireformat.ToHex(groupKey),
			SessionID:         c.desc.SessionID,
			KeyPackage:        keyPackageHex,
			PublicKeyPackage:  publicKeyPackageHex,
		}
		if err := c.ks.Save(c.desc.SessionID, rec, c.ksPwd); err != nil {
			c.fail(err.Error())
			return err
		}
	}

	c.setState(Complete)
	c.log.Info("dkg complete", zap.Int("own_index", int(c.own)))
	if c.hooks.OnComplete != nil {
		c.hooks.OnComplete(groupKey)
	}
	return nil
}

// OnPeerLost aborts the session when a peer channel drops mid-DKG (spec §4.5
// failure semantics: "Peer disconnect before completion ⇒ Failed('peer
// lost')").
func (c *Coordinator) OnPeerLost(peer session.ParticipantIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Complete || c.state == Failed || c.state == Idle {
		return
	}
	c.fail(fmt.Sprintf("peer lost: %d", peer))
}

// ResendMissing re-sends this participant's cached round1/round2 packages in
// response to a DkgPackageResendRequest, on a best-effort basis (spec §9 open
// question: peer-side cache eviction semantics are undocumented upstream;
// this core simply serves whatever it still has and logs a miss rather than
// erroring).
func (c *Coordinator) ResendMissing(round int, to session.ParticipantIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch round {
	case 1:
		if c.ownRound1JSON == "" {
			c.log.Debug("resend requested for round1 but nothing cached", zap.Int("to", int(to)))
			return
		}
		if c.hooks.SendRound1 != nil {
			c.hooks.SendRound1(to, c.ownRound1JSON)
		}
	case 2:
		pkg, ok := c.ownRound2JSON[to]
		if !ok {
			c.log.Debug("resend requested for round2 but nothing cached", zap.Int("to", int(to)))
			return
		}
		if c.hooks.SendRound2 != nil {
			c.hooks.SendRound2(to, pkg)
		}
	}
}

// Reset flushes all coordinator state, including buffers, back to Idle
// (spec §5 cancellation model, §8 P8). A fresh session (and a fresh Engine)
// is required to run DKG again; this Coordinator instance is not reused
// across session ids.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.failReason = ""
	c.receivedRound1 = make(map[session.ParticipantIndex]bool)
	c.appliedRound2 = make(map[session.ParticipantIndex]bool)
	c.bufRound1 = nil
	c.bufRound2 = nil
	c.ownRound1JSON = ""
	c.ownRound2JSON = make(map[session.ParticipantIndex]string)
}
