// Package mesh implements the Mesh Coordinator (spec §4.4): per-session
// tracking of peer channel liveness and peer readiness, gating the
// cryptographic rounds behind a logical MeshReady barrier. Modeled on the
// teacher's mutex-guarded handler state (internal/dkg.DKGHandler,
// internal/signing.SigningHandler) generalized from a session registry to a
// per-peer channel registry.
package mesh

import (
	"sync"

	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/session"
)

// ChannelState is the liveness of one peer's transport channel.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
)

// State is the aggregate readiness of the session's mesh.
type State int

const (
	Incomplete State = iota
	PartiallyReady
	Ready
)

func (s State) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case PartiallyReady:
		return "partially_ready"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Coordinator tracks one session's mesh. Not safe for concurrent external
// use beyond its own exported methods, which are themselves mutex-guarded —
// mirroring the teacher's per-session mutex rather than one global lock.
type Coordinator struct {
	mu  sync.Mutex
	log *zap.Logger

	peers        []session.ParticipantID
	own          session.ParticipantID
	channelState map[session.ParticipantID]ChannelState
	peerReady    map[session.ParticipantID]bool
	ownReadySent bool
	accepted     bool
	state        State

	onStateChanged func(State)
}

// New constructs a Coordinator for a session's peer set, excluding own.
func New(log *zap.Logger, own session.ParticipantID, peers []session.ParticipantID, onStateChanged func(State)) *Coordinator {
	c := &Coordinator{
		log:            log,
		own:            own,
		peers:          append([]session.ParticipantID(nil), peers...),
		channelState:   make(map[session.ParticipantID]ChannelState, len(peers)),
		peerReady:      make(map[session.ParticipantID]bool, len(peers)),
		onStateChanged: onStateChanged,
	}
	for _, p := range peers {
		c.channelState[p] = ChannelConnecting
	}
	return c
}

// AcceptSession marks local session acceptance complete — one of the two
// conditions (with all channels Open) required before this participant's own
// MeshReady is sent.
func (c *Coordinator) AcceptSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = true
	c.recompute()
}

// OnChannelState reports a transport-level channel liveness change for peer.
func (c *Coordinator) OnChannelState(peer session.ParticipantID, state ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.channelState[peer]
	c.channelState[peer] = state
	if state == ChannelClosed && prev != ChannelClosed {
		c.log.Warn("peer channel dropped", zap.String("peer_id", string(peer)))
		c.resetLocked()
		return
	}
	c.recompute()
}

// allChannelsOpen reports whether every tracked peer channel is Open.
func (c *Coordinator) allChannelsOpen() bool {
	for _, p := range c.peers {
		if c.channelState[p] != ChannelOpen {
			return false
		}
	}
	return true
}

// NeedsOwnReadySend reports, under lock, whether the preconditions for
// sending this participant's own MeshReady are met and it has not yet been
// sent. Enforces "exactly once per session" (Invariant: own_ready_sent flag).
func (c *Coordinator) NeedsOwnReadySend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted && c.allChannelsOpen() && !c.ownReadySent
}

// MarkOwnReadySent records that this participant's own MeshReady has been
// sent, so it is never sent again for this session (Invariant, P3).
func (c *Coordinator) MarkOwnReadySent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownReadySent = true
	c.recompute()
}

// OnPeerReady ingests a MeshReady frame from peer. Duplicates are silently
// dropped per §5's dedupe-by-peer-id ordering guarantee.
func (c *Coordinator) OnPeerReady(peer session.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerReady[peer] {
		c.log.Debug("duplicate MeshReady dropped", zap.String("peer_id", string(peer)))
		return
	}
	c.peerReady[peer] = true
	c.recompute()
}

func (c *Coordinator) allPeersReady() bool {
	for _, p := range c.peers {
		if !c.peerReady[p] {
			return false
		}
	}
	return true
}

// recompute derives the aggregate MeshState and fires onStateChanged if it
// changed. Must be called with c.mu held.
func (c *Coordinator) recompute() {
	var next State
	switch {
	case c.ownReadySent && c.allPeersReady():
		next = Ready
	case c.allChannelsOpen():
		next = PartiallyReady
	default:
		next = Incomplete
	}
	if next == c.state {
		return
	}
	c.state = next
	if c.onStateChanged != nil {
		c.onStateChanged(next)
	}
}

// resetLocked reverts the mesh to Incomplete, e.g. on a channel drop or
// explicit session reset. Must be called with c.mu held.
func (c *Coordinator) resetLocked() {
	for p := range c.peerReady {
		delete(c.peerReady, p)
	}
	c.state = Incomplete
	if c.onStateChanged != nil {
		c.onStateChanged(Incomplete)
	}
}

// Reset flushes all mesh state back to session start, including
// own_ready_sent — a fresh session_id is required to send MeshReady again
// (spec §5 cancellation model, §8 P8 reset idempotence).
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownReadySent = false
	c.accepted = false
	for p := range c.channelState {
		c.channelState[p] = ChannelConnecting
	}
	c.resetLocked()
}

// State reports the current aggregate MeshState.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
