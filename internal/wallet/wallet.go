// Package wallet implements the orchestrator gluing the Session Model, Mesh
// Coordinator, DKG Coordinator, Signing Coordinator, Crypto Engine, and
// Keystore into the upward command/event interface spec §6 specifies. It is
// the "explicit context value threaded through the core's public entry
// points" the design notes (§9, "Global state") call for, replacing the
// teacher's package-level storage/handler singletons and its gRPC-shaped
// MPCServer with a binding-agnostic Go type: one Context per process,
// constructed at startup and torn down on shutdown.
package wallet

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/coreerr"
	"github.com/collider/mpc-coordcore/internal/crypto"
	"github.com/collider/mpc-coordcore/internal/curve"
	"github.com/collider/mpc-coordcore/internal/dkg"
	"github.com/collider/mpc-coordcore/internal/keystore"
	"github.com/collider/mpc-coordcore/internal/mesh"
	"github.com/collider/mpc-coordcore/internal/session"
	"github.com/collider/mpc-coordcore/internal/signing"
)

// Config is the Context's configuration. New does not validate it; unset
// durations fall back to the defaults documented below, without logging.
type Config struct {
	// KeystorePassword encrypts/decrypts every Record this Context saves or
	// loads via the native keystore. It has no default: the value is used as
	// given, and an empty password is not rejected.
	KeystorePassword string
	// SessionIdleTimeout bounds how long a session or signing request may sit
	// without activity before the reaper evicts it (teacher's sessionTimeout,
	// generalized from gRPC-session metadata to DKG/signing coordinator
	// state). Defaults to 5 minutes, matching the teacher's constant.
	SessionIdleTimeout time.Duration
	// ReaperInterval is how often the idle-session reaper sweeps. Defaults to
	// 1 minute, matching the teacher's cleanupExpiredSessions ticker.
	ReaperInterval time.Duration
	// HasherVariant selects the FROST transcript hash every wallet this
	// Context manages runs with (crypto.DefaultHasher unless set). A process
	// that must interoperate with a sibling implementation expecting the
	// Blake2b/Ledger transcript sets crypto.Blake2bInterop here.
	HasherVariant crypto.HasherVariant
}

func (c Config) withDefaults() Config {
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = 5 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Minute
	}
	return c
}

// Hooks are the Context's outbound edges: the transport send primitive and
// the five upward events spec §6 names. All are optional; a nil hook is
// simply not invoked.
type Hooks struct {
	// Send is the transport collaborator's fire-and-forget send primitive
	// (spec §6 "Consumed transport interface": send(peer_id, frame_bytes)).
	// frameJSON is always the UTF-8 JSON encoding of one of the named
	// transport frame shapes; hex-encoding at the Crypto Engine boundary is
	// this Context's concern, not the transport's.
	Send func(peer session.ParticipantID, frameJSON []byte)

	OnMeshStateChanged func(sessionID string, state mesh.State)
	OnDkgStateChanged  func(sessionID string, state dkg.State)
	OnDkgComplete      func(walletID string, groupPublicKey []byte)
	OnSigningComplete  func(requestID string, signature string)
	OnFailed           func(id string, reason string)
}

type dkgSession struct {
	desc      *session.Descriptor
	own       session.ParticipantIndex
	mesh      *mesh.Coordinator
	meshState mesh.State
	eng       *crypto.Engine
	coord     *dkg.Coordinator
	lastSeen  time.Time
}

type signingSession struct {
	walletID string
	message  []byte
	roster   []session.ParticipantID
	coord    *signing.Coordinator
	lastSeen time.Time
}

type walletRecord struct {
	curve curve.Curve
	eng   *crypto.Engine
}

// Context is the single orchestrator instance for one process (spec §9:
// "restate module-level singletons as an explicit context value... one
// context per process, constructed at startup, torn down on shutdown").
type Context struct {
	log    *zap.Logger
	ks     keystore.Keystore
	cfg    Config
	hooks  Hooks
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*dkgSession
	wallets  map[string]*walletRecord
	signings map[string]*signingSession
}

// New constructs a Context backed by ks and starts its idle-session reaper.
// Callers must call Stop when shutting down to release the reaper goroutine.
func New(log *zap.Logger, ks keystore.Keystore, cfg Config, hooks Hooks) *Context {
	ctx := &Context{
		log:      log,
		ks:       ks,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		stopCh:   make(chan struct{}),
		sessions: make(map[string]*dkgSession),
		wallets:  make(map[string]*walletRecord),
		signings: make(map[string]*signingSession),
	}
	ctx.wg.Add(1)
	go ctx.reap()
	return ctx
}

// Stop halts the idle-session reaper. It does not touch persisted keystore
// state or in-flight coordinators; callers should reset sessions first if a
// clean shutdown is wanted.
func (ctx *Context) Stop() {
	close(ctx.stopCh)
	ctx.wg.Wait()
}

// ActiveWallets reports the number of wallets with a live key share in
// memory (post-DKG or post-ImportKeystore), realizing the operational need
// the teacher's Health RPC served without a gRPC dependency (SPEC_FULL.md
// supplemented feature 2).
func (ctx *Context) ActiveWallets() int {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return len(ctx.wallets)
}

// StoredKeyCount reports the number of keysets persisted in the Keystore,
// the other half of the teacher's Health RPC payload.
func (ctx *Context) StoredKeyCount() (int, error) {
	ids, err := ctx.ks.List()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (ctx *Context) emitFailed(id, reason string) {
	if ctx.hooks.OnFailed != nil {
		ctx.hooks.OnFailed(id, reason)
	}
}

// ProposeSession implements the `propose_session` command: validates and
// registers a new SessionDescriptor, and wires up the Mesh and DKG
// Coordinators for it. own must be present in participants.
func (ctx *Context) ProposeSession(sessionID string, participants []session.ParticipantID, threshold int, c curve.Curve, blockchainTag string, own session.ParticipantID) (*session.Descriptor, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if _, exists := ctx.sessions[sessionID]; exists {
		return nil, coreerr.New(coreerr.ProtocolViolation, "session %q already proposed", sessionID)
	}

	desc, err := session.New(sessionID, participants, threshold, c, blockchainTag)
	if err != nil {
		return nil, err
	}
	if !desc.ContainsOwn(own) {
		return nil, coreerr.New(coreerr.ProtocolViolation, "own participant id %q not in session %q", own, sessionID)
	}
	ownIdx, _ := desc.IndexOf(own)

	peers := make([]session.ParticipantID, 0, len(participants)-1)
	for _, p := range participants {
		if p != own {
			peers = append(peers, p)
		}
	}

	sess := &dkgSession{desc: desc, own: ownIdx, lastSeen: time.Now()}
	// onStateChanged fires synchronously while sess.mesh's own mutex is still
	// held (see mesh.Coordinator.recompute). It only ever caches the new
	// state under ctx.mu (a distinct lock) and forwards to the caller's hook
	// — it must never call back into sess.mesh's own exported methods, which
	// would re-lock that same mutex on this goroutine and deadlock. StartDKG
	// reads the cached meshState instead of calling sess.mesh.State() so that
	// a caller driving start_dkg straight from this hook (the common pattern)
	// doesn't hit that same reentrancy.
	sess.mesh = mesh.New(ctx.log, own, peers, func(s mesh.State) {
		ctx.mu.Lock()
		sess.meshState = s
		ctx.mu.Unlock()
		if ctx.hooks.OnMeshStateChanged != nil {
			ctx.hooks.OnMeshStateChanged(sessionID, s)
		}
	})

	eng, err := crypto.NewWithHasher(ctx.log, c, ctx.cfg.HasherVariant)
	if err != nil {
		return nil, err
	}
	sess.eng = eng
	sess.coord = dkg.New(ctx.log, eng, desc, ownIdx, ctx.ks, ctx.cfg.KeystorePassword, dkg.Hooks{
		SendRound1: func(to session.ParticipantIndex, packageJSON string) {
			ctx.sendDkgFrame(desc, "dkg_round1", to, sessionID, int(ownIdx), packageJSON)
		},
		SendRound2: func(to session.ParticipantIndex, packageJSON string) {
			ctx.sendDkgFrame(desc, "dkg_round2", to, sessionID, int(ownIdx), packageJSON)
		},
		OnStateChanged: func(s dkg.State) {
			if ctx.hooks.OnDkgStateChanged != nil {
				ctx.hooks.OnDkgStateChanged(sessionID, s)
			}
		},
		OnComplete: func(groupPublicKey []byte) {
			ctx.mu.Lock()
			ctx.wallets[sessionID] = &walletRecord{curve: c, eng: eng}
			ctx.mu.Unlock()
			if ctx.hooks.OnDkgComplete != nil {
				ctx.hooks.OnDkgComplete(sessionID, groupPublicKey)
			}
		},
		OnFailed: func(reason string) {
			ctx.emitFailed(sessionID, reason)
		},
	})

	ctx.sessions[sessionID] = sess
	ctx.log.Info("session proposed", zap.String("session_id", sessionID), zap.Int("n", desc.Total), zap.Int("t", desc.Threshold))
	return desc, nil
}

// AcceptSession implements the `accept_session` command.
func (ctx *Context) AcceptSession(sessionID string) error {
	sess, err := ctx.session(sessionID)
	if err != nil {
		return err
	}
	sess.mesh.AcceptSession()
	ctx.maybeSendMeshReady(sessionID, sess)
	return nil
}

// OnChannelState forwards a transport channel-liveness change to the
// session's Mesh Coordinator (spec §6 consumed interface: on_channel_state).
func (ctx *Context) OnChannelState(sessionID string, peer session.ParticipantID, state mesh.ChannelState) error {
	sess, err := ctx.session(sessionID)
	if err != nil {
		return err
	}
	sess.mesh.OnChannelState(peer, state)
	if state == mesh.ChannelClosed {
		if idx, ok := sess.desc.IndexOf(peer); ok {
			sess.coord.OnPeerLost(idx)
		}
		return nil
	}
	ctx.maybeSendMeshReady(sessionID, sess)
	return nil
}

// OnMeshReady ingests a peer's MeshReady frame (spec §6 frame MeshReady).
func (ctx *Context) OnMeshReady(sessionID string, peer session.ParticipantID) error {
	sess, err := ctx.session(sessionID)
	if err != nil {
		return err
	}
	sess.mesh.OnPeerReady(peer)
	return nil
}

// maybeSendMeshReady sends this participant's own MeshReady frame at most
// once per session, per the Mesh Coordinator's own_ready_sent gate (spec
// §4.4, Invariant P3). Called from AcceptSession and OnChannelState, the two
// commands that can change whether this participant's own local readiness
// condition now holds — never from inside the mesh's onStateChanged hook,
// since that hook fires while sess.mesh's own mutex is still held and
// NeedsOwnReadySend/MarkOwnReadySent would re-lock it on the same goroutine.
func (ctx *Context) maybeSendMeshReady(sessionID string, sess *dkgSession) {
	if !sess.mesh.NeedsOwnReadySend() {
		return
	}
	sess.mesh.MarkOwnReadySent()
	frame := meshReadyFrame{Kind: "mesh_ready", SessionID: sessionID, PeerID: string(sess.desc.Participants[sess.own-1])}
	payload := mustMarshal(frame)
	for _, pid := range sess.desc.Participants {
		if pid == sess.desc.Participants[sess.own-1] {
			continue
		}
		if ctx.hooks.Send != nil {
			ctx.hooks.Send(pid, payload)
		}
	}
}

// StartDKG implements the `start_dkg` command. Requires the session's mesh
// to already report Ready (spec §4.5 preconditions).
func (ctx *Context) StartDKG(sessionID string) error {
	sess, err := ctx.session(sessionID)
	if err != nil {
		return err
	}
	ctx.mu.RLock()
	ready := sess.meshState == mesh.Ready
	ctx.mu.RUnlock()
	if !ready {
		return coreerr.New(coreerr.ProtocolViolation, "start_dkg: mesh not ready for session %q", sessionID)
	}
	ctx.touch(sess)
	return sess.coord.Start()
}

// OnDkgRound1 forwards an inbound DkgRound1 frame to the session's DKG
// Coordinator.
func (ctx *Context) OnDkgRound1(sessionID string, senderIndex session.ParticipantIndex, packageJSON string) error {
	sess, err := ctx.session(sessionID)
	if err != nil {
		return err
	}
	ctx.touch(sess)
	return sess.coord.OnRound1(senderIndex, packageJSON)
}

// OnDkgRound2 forwards an inbound DkgRound2 frame to the session's DKG
// Coordinator.
func (ctx *Context) OnDkgRound2(sessionID string, senderIndex session.ParticipantIndex, packageJSON string) error {
	sess, err := ctx.session(sessionID)
	if err != nil {
		return err
	}
	ctx.touch(sess)
	return sess.coord.OnRound2(senderIndex, packageJSON)
}

// Reset implements the `reset` command: returns the session's DKG Coordinator
// to Idle and its Mesh Coordinator to Incomplete (spec §5 cancellation model,
// §8 P8).
func (ctx *Context) Reset(sessionID string) error {
	sess, err := ctx.session(sessionID)
	if err != nil {
		return err
	}
	sess.mesh.Reset()
	sess.coord.Reset()
	return nil
}

// StartSigning implements the `start_signing(wallet, message, subset)`
// command for the initiator: generates a fresh request_id, broadcasts a
// SigningRequest frame (spec §6) to the rest of subset so they can join via
// AcceptSigning with the same id, and begins this participant's own
// commitment round. walletID must already have a key share (post-DKG or
// imported). roster maps 1-based ParticipantIndex to ParticipantID (the same
// ordering the originating SessionDescriptor used), so outbound frames can be
// addressed. Enforces Sg1 (one active signing session per wallet) by
// refusing a new request while any existing one on walletID is neither
// Complete nor Failed.
func (ctx *Context) StartSigning(walletID string, own session.ParticipantIndex, subset []session.ParticipantIndex, roster []session.ParticipantID, message []byte) (string, error) {
	requestID := uuid.NewString()
	ss, err := ctx.registerSigningSession(requestID, walletID, own, subset, roster, message)
	if err != nil {
		return "", err
	}

	for _, idx := range subset {
		if idx == own {
			continue
		}
		if int(idx) < 1 || int(idx) > len(roster) || ctx.hooks.Send == nil {
			continue
		}
		req := signingRequestFrame{Kind: "signing_request", RequestID: requestID, WalletID: walletID, MessageHex: hexString(message), SignerSubset: indicesToInts(subset)}
		ctx.hooks.Send(roster[idx-1], mustMarshal(req))
	}

	if err := ss.coord.Start(); err != nil {
		return requestID, err
	}
	return requestID, nil
}

// AcceptSigning implements the responder side of an inbound SigningRequest
// frame: registers a signing session under the initiator-assigned requestID
// and begins this participant's own commitment round.
func (ctx *Context) AcceptSigning(requestID, walletID string, own session.ParticipantIndex, subset []session.ParticipantIndex, roster []session.ParticipantID, message []byte) error {
	ss, err := ctx.registerSigningSession(requestID, walletID, own, subset, roster, message)
	if err != nil {
		return err
	}
	return ss.coord.Start()
}

func (ctx *Context) registerSigningSession(requestID, walletID string, own session.ParticipantIndex, subset []session.ParticipantIndex, roster []session.ParticipantID, message []byte) (*signingSession, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	wr, ok := ctx.wallets[walletID]
	if !ok {
		return nil, coreerr.New(coreerr.ProtocolViolation, "start_signing: unknown wallet %q", walletID)
	}
	if _, exists := ctx.signings[requestID]; exists {
		return nil, coreerr.New(coreerr.ProtocolViolation, "signing request %q already registered", requestID)
	}
	for _, s := range ctx.signings {
		if s.walletID == walletID && s.coord.State() != signing.Complete && s.coord.State() != signing.Failed {
			return nil, coreerr.New(coreerr.ProtocolViolation, "start_signing: wallet %q already has an active signing session (Sg1)", walletID)
		}
	}

	ss := &signingSession{walletID: walletID, message: message, roster: roster, lastSeen: time.Now()}
	ss.coord = signing.New(ctx.log, wr.eng, own, subset, signing.Hooks{
		SendCommitment: func(to session.ParticipantIndex, commitmentJSON string) {
			ctx.sendSigningFrame(ss, "signing_commitment", to, requestID, int(own), commitmentJSON)
		},
		SendShare: func(to session.ParticipantIndex, shareJSON string) {
			ctx.sendSigningFrame(ss, "signing_share", to, requestID, int(own), shareJSON)
		},
		OnComplete: func(signature string) {
			if ctx.hooks.OnSigningComplete != nil {
				ctx.hooks.OnSigningComplete(requestID, signature)
			}
		},
		OnFailed: func(reason string) {
			ctx.emitFailed(requestID, reason)
		},
	})
	ctx.signings[requestID] = ss
	return ss, nil
}

// OnSigningCommitment forwards an inbound SigningCommitment frame, then
// advances to round 2 (sign) locally once all commitments are present.
func (ctx *Context) OnSigningCommitment(requestID string, sender session.ParticipantIndex, commitmentJSON string) error {
	ss, err := ctx.signingOf(requestID)
	if err != nil {
		return err
	}
	ctx.touchSigning(ss)
	if err := ss.coord.OnCommitment(sender, commitmentJSON); err != nil {
		return err
	}
	if ss.coord.State() == signing.SharesCollecting {
		return ss.coord.SignRound2(ss.message)
	}
	return nil
}

// OnSigningShare forwards an inbound SigningShare frame, then aggregates
// locally once all shares are present (spec §4.6 round 2 step 4: "any member
// ... calls aggregate_signature"; this Context always aggregates as soon as
// it locally can, rather than waiting to be told which member is
// "conventionally the initiator").
func (ctx *Context) OnSigningShare(requestID string, sender session.ParticipantIndex, shareJSON string) error {
	ss, err := ctx.signingOf(requestID)
	if err != nil {
		return err
	}
	ctx.touchSigning(ss)
	if err := ss.coord.OnShare(sender, shareJSON); err != nil {
		return err
	}
	if ss.coord.State() == signing.Aggregating {
		_, err := ss.coord.Aggregate(ss.message)
		return err
	}
	return nil
}

// ImportKeystore implements the `import_keystore` command: reinstates a key
// share from a persisted Record (native or just-imported interop blob via
// keystore.ImportInterop) without rerunning DKG.
func (ctx *Context) ImportKeystore(walletID string, rec *keystore.Record) error {
	c, err := curve.ParseCurve(rec.Curve)
	if err != nil {
		return err
	}
	eng, err := crypto.NewWithHasher(ctx.log, c, ctx.cfg.HasherVariant)
	if err != nil {
		return err
	}
	if err := eng.ImportKeyShare(rec.KeyPackage, rec.PublicKeyPackage); err != nil {
		return err
	}

	ctx.mu.Lock()
	ctx.wallets[walletID] = &walletRecord{curve: c, eng: eng}
	ctx.mu.Unlock()
	ctx.log.Info("keystore imported", zap.String("wallet_id", walletID), zap.String("curve", c.String()))
	return nil
}

// ExportKeystore implements the `export_keystore` command, reading the
// persisted Record back from the Keystore (spec §4.2: exports always emit
// the hex-encoded interop form, which is what Keystore.Load already returns).
func (ctx *Context) ExportKeystore(walletID, password string) (*keystore.Record, error) {
	return ctx.ks.Load(walletID, password)
}

func (ctx *Context) session(sessionID string) (*dkgSession, error) {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	sess, ok := ctx.sessions[sessionID]
	if !ok {
		return nil, coreerr.New(coreerr.ProtocolViolation, "unknown session %q", sessionID)
	}
	return sess, nil
}

func (ctx *Context) signingOf(requestID string) (*signingSession, error) {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	ss, ok := ctx.signings[requestID]
	if !ok {
		return nil, coreerr.New(coreerr.ProtocolViolation, "unknown signing request %q", requestID)
	}
	return ss, nil
}

func (ctx *Context) touch(sess *dkgSession) {
	ctx.mu.Lock()
	sess.lastSeen = time.Now()
	ctx.mu.Unlock()
}

func (ctx *Context) touchSigning(ss *signingSession) {
	ctx.mu.Lock()
	ss.lastSeen = time.Now()
	ctx.mu.Unlock()
}

func (ctx *Context) sendDkgFrame(desc *session.Descriptor, kind string, to session.ParticipantIndex, sessionID string, senderIndex int, packageJSON string) {
	if ctx.hooks.Send == nil {
		return
	}
	peer, ok := desc.ParticipantAt(to)
	if !ok {
		return
	}
	payload := mustMarshal(dkgFrame{Kind: kind, SessionID: sessionID, SenderIndex: senderIndex, PackageJSON: packageJSON})
	ctx.hooks.Send(peer, payload)
}

func (ctx *Context) sendSigningFrame(ss *signingSession, kind string, to session.ParticipantIndex, requestID string, senderIndex int, payloadJSON string) {
	if ctx.hooks.Send == nil {
		return
	}
	if int(to) < 1 || int(to) > len(ss.roster) {
		ctx.log.Warn("signing frame recipient outside roster", zap.Int("to", int(to)), zap.String("request_id", requestID))
		return
	}
	peer := ss.roster[to-1]
	payload := mustMarshal(signingFrame{Kind: kind, RequestID: requestID, SenderIndex: senderIndex, PayloadJSON: payloadJSON})
	ctx.hooks.Send(peer, payload)
}

// reap evicts sessions and signing requests idle past cfg.SessionIdleTimeout,
// on the same ticker pattern as the teacher's cleanupExpiredSessions
// (SPEC_FULL.md supplemented feature 1).
func (ctx *Context) reap() {
	defer ctx.wg.Done()
	ticker := time.NewTicker(ctx.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.stopCh:
			return
		case <-ticker.C:
			ctx.sweep()
		}
	}
}

func (ctx *Context) sweep() {
	now := time.Now()
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	for id, sess := range ctx.sessions {
		if now.Sub(sess.lastSeen) > ctx.cfg.SessionIdleTimeout && sess.coord.State() != dkg.Complete {
			ctx.log.Debug("reaping idle session", zap.String("session_id", id))
			delete(ctx.sessions, id)
		}
	}
	for id, ss := range ctx.signings {
		if now.Sub(ss.lastSeen) > ctx.cfg.SessionIdleTimeout && ss.coord.State() != signing.Complete {
			ctx.log.Debug("reaping idle signing request", zap.String("request_id", id))
			delete(ctx.signings, id)
		}
	}
}
