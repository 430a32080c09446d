// Package crypto implements the Crypto Engine facade (spec §4.1): a thin,
// curve-parametrized wrapper over github.com/f3rmion/fy/frost that owns all
// secret material for one wallet. The DKG and Signing Coordinators never see
// a group.Scalar or group.Point; everything crosses this boundary as
// hex-encoded JSON, per the wire encoding contract in §4.1.
package crypto

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/f3rmion/fy/frost"
	"github.com/f3rmion/fy/group"
	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/coreerr"
	curvepkg "github.com/collider/mpc-coordcore/internal/curve"
	"github.com/collider/mpc-coordcore/internal/wireformat"
)

// HasherVariant selects the FROST transcript hash function a wallet's DKG
// runs with. DefaultHasher (SHA-256) is this core's native scheme;
// Blake2bInterop selects f3rmion/fy's Ledger/iden3-compatible Blake2b-512
// hasher, for sibling implementations that expect that transcript — the
// hash-side analogue of the interop keystore format already covering the
// key-share side (spec §4.2/§6).
type HasherVariant int

const (
	DefaultHasher HasherVariant = iota
	Blake2bInterop
)

func (v HasherVariant) frostHasher() frost.Hasher {
	if v == Blake2bInterop {
		return frost.NewBlake2bHasher()
	}
	return &frost.SHA256Hasher{}
}

// Engine is the Crypto Engine for one wallet. It is single-owner: the DKG
// and Signing Coordinators that drive it run on one logical task per spec §5
// and never alias an Engine across goroutines.
type Engine struct {
	mu            sync.Mutex
	log           *zap.Logger
	curve         curvepkg.Curve
	g             group.Group
	hasherVariant HasherVariant
	f             *frost.FROST
	rand          io.Reader
	n, t          int
	ownIdx        int

	initialized bool

	participant     *frost.Participant
	round1Received  map[int]*frost.Round1Data // by sender index, includes own at generation time (D2)
	round1Order     []int                     // insertion order, for deterministic Finalize input
	round2Received  map[int]*frost.Round1PrivateData

	keyShare *frost.KeyShare

	signingActive       bool
	signerIndices       []int
	nonce               *frost.SigningNonce
	ownCommitment       *frost.SigningCommitment
	ownShare            *frost.SignatureShare
	commitmentsReceived map[int]*frost.SigningCommitment
	sharesReceived      map[int]*frost.SignatureShare
}

// New constructs a Crypto Engine bound to one curve variant for the lifetime
// of the wallet (spec §3 Data Model: Curve).
func New(log *zap.Logger, c curvepkg.Curve) (*Engine, error) {
	return NewWithHasher(log, c, DefaultHasher)
}

// NewWithHasher is New with an explicit HasherVariant, for wallets that must
// speak a sibling implementation's FROST transcript.
func NewWithHasher(log *zap.Logger, c curvepkg.Curve, variant HasherVariant) (*Engine, error) {
	g, err := c.Group()
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:           log,
		curve:         c,
		g:             g,
		hasherVariant: variant,
		rand:          rand.Reader,
	}, nil
}

// InitDKG prepares the engine to run DKG as participant ownIndex among n
// participants with threshold t.
func (e *Engine) InitDKG(ownIndex, n, t int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ownIndex < 1 || ownIndex > n || t < 2 || t > n {
		return coreerr.New(coreerr.ProtocolViolation, "invalid dkg params: own=%d n=%d t=%d", ownIndex, n, t)
	}
	f, err := frost.NewWithHasher(e.g, t, n, e.hasherVariant.frostHasher())
	if err != nil {
		return coreerr.Wrap(coreerr.ProtocolViolation, err, "dkg params rejected")
	}
	e.f = f
	e.n, e.t, e.ownIdx = n, t, ownIndex
	e.round1Received = make(map[int]*frost.Round1Data)
	e.round1Order = nil
	e.round2Received = make(map[int]*frost.Round1PrivateData)
	e.initialized = true
	e.log.Debug("dkg initialized", zap.Int("own_index", ownIndex), zap.Int("n", n), zap.Int("t", t))
	return nil
}

// GenerateRound1 produces this participant's own Round1 package and records
// it in the received set without ever routing it through AddRound1Package —
// the Crypto Engine's add path is reserved for peer packages (Invariant D1).
func (e *Engine) GenerateRound1() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return "", coreerr.New(coreerr.ProtocolViolation, "generate_round1 before init_dkg")
	}
	p, err := e.f.NewParticipant(e.rand, e.ownIdx)
	if err != nil {
		return "", coreerr.Wrap(coreerr.ProtocolViolation, err, "failed to create participant")
	}
	e.participant = p

	own := p.Round1Broadcast()
	e.round1Received[e.ownIdx] = own
	e.round1Order = append(e.round1Order, e.ownIdx)

	raw, err := marshalRound1(e.g, own)
	if err != nil {
		return "", coreerr.Wrap(coreerr.MalformedPackage, err, "failed to marshal own round1 package")
	}
	return wireformat.ToHex(raw), nil
}

// AddRound1Package ingests a peer's Round1 package. Calling it with the
// engine's own index is a programming error in the caller (Invariant D1) and
// is rejected as a ProtocolViolation rather than silently accepted.
func (e *Engine) AddRound1Package(senderIndex int, hexPayload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.participant == nil {
		return coreerr.New(coreerr.ProtocolViolation, "add_round1_package before generate_round1")
	}
	if senderIndex == e.ownIdx {
		return coreerr.New(coreerr.ProtocolViolation, "add_round1_package called with own index %d (Invariant D1)", senderIndex)
	}
	if senderIndex < 1 || senderIndex > e.n {
		return coreerr.New(coreerr.MalformedPackage, "unknown sender index %d", senderIndex)
	}
	if _, ok := e.round1Received[senderIndex]; ok {
		return coreerr.New(coreerr.DuplicatePackage, "round1 package from %d already received", senderIndex)
	}

	raw, err := wireformat.FromHex(hexPayload)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "round1 package from %d", senderIndex)
	}
	data, err := unmarshalRound1(e.g, raw)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "round1 package from %d", senderIndex)
	}

	e.round1Received[senderIndex] = data
	e.round1Order = append(e.round1Order, senderIndex)
	e.log.Debug("round1 package received", zap.Int("sender_index", senderIndex))
	return nil
}

// CanStartRound2 reports whether round-1 packages from all n participants
// (including the local contribution) are accounted for (Invariant D2).
func (e *Engine) CanStartRound2() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized && len(e.round1Received) == e.n
}

// GenerateRound2 computes this participant's private shares for every other
// participant and returns them keyed by the 32-byte scalar identifier format
// the curve uses on the wire (big-endian for secp256k1, little-endian for
// Ed25519; spec §4.1 endianness contract). The DKG Coordinator extracts each
// recipient's package by trying both formats, per §4.5.
func (e *Engine) GenerateRound2() (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.participant == nil {
		return nil, coreerr.New(coreerr.ProtocolViolation, "generate_round2 before generate_round1")
	}
	if len(e.round1Received) != e.n {
		return nil, coreerr.New(coreerr.ProtocolViolation, "generate_round2: round1 not complete (%d/%d)", len(e.round1Received), e.n)
	}

	out := make(map[string]string, e.n-1)
	for idx := 1; idx <= e.n; idx++ {
		if idx == e.ownIdx {
			continue
		}
		priv := e.f.Round1PrivateSend(e.participant, idx)
		raw, err := marshalRound1Private(priv)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.MalformedPackage, err, "failed to marshal round2 package for %d", idx)
		}
		key := e.scalarID(idx)
		out[string(key)] = wireformat.ToHex(raw)
	}
	return out, nil
}

// scalarID renders index in the wire-format the engine's curve uses for
// round-2 recipient keys.
func (e *Engine) scalarID(index int) []byte {
	if e.curve == curvepkg.Ed25519 {
		return wireformat.ScalarIDLittleEndian(index)
	}
	return wireformat.ScalarIDBigEndian(index)
}

// AddRound2Package ingests and Feldman-VSS-verifies a peer's private round-2
// share addressed to this participant.
func (e *Engine) AddRound2Package(senderIndex int, hexPayload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.participant == nil {
		return coreerr.New(coreerr.ProtocolViolation, "add_round2_package before generate_round1")
	}
	if _, ok := e.round2Received[senderIndex]; ok {
		return coreerr.New(coreerr.DuplicatePackage, "round2 package from %d already received", senderIndex)
	}
	senderBroadcast, ok := e.round1Received[senderIndex]
	if !ok {
		return coreerr.New(coreerr.MalformedPackage, "round2 package from unknown sender %d", senderIndex)
	}

	raw, err := wireformat.FromHex(hexPayload)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "round2 package from %d", senderIndex)
	}
	data, err := unmarshalRound1Private(e.g, raw)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "round2 package from %d", senderIndex)
	}

	if err := e.f.Round2ReceiveShare(e.participant, data, senderBroadcast.Commitments); err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "round2 share from %d failed verification", senderIndex)
	}
	e.round2Received[senderIndex] = data
	e.log.Debug("round2 package received", zap.Int("sender_index", senderIndex))
	return nil
}

// CanFinalize reports whether round-2 shares from all other participants
// have been received and verified.
func (e *Engine) CanFinalize() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized && len(e.round2Received) == e.n-1
}

// FinalizeDKG computes the final key share and returns the group public key
// bytes, common across all participants (Invariant K1).
func (e *Engine) FinalizeDKG() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.round2Received) != e.n-1 {
		return nil, coreerr.New(coreerr.ProtocolViolation, "finalize_dkg: round2 not complete (%d/%d)", len(e.round2Received), e.n-1)
	}

	broadcasts := make([]*frost.Round1Data, 0, len(e.round1Order))
	for _, idx := range e.round1Order {
		broadcasts = append(broadcasts, e.round1Received[idx])
	}

	ks, err := e.f.Finalize(e.participant, broadcasts)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ProtocolViolation, err, "finalize_dkg failed")
	}
	e.keyShare = ks
	e.log.Info("dkg finalized", zap.Int("own_index", e.ownIdx))
	return ks.GroupKey.Bytes(), nil
}

// HasKeyShare reports whether a key share is present, either from a
// just-completed DKG or a prior ImportKeyShare.
func (e *Engine) HasKeyShare() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyShare != nil
}

// GroupPublicKey returns the current key share's group public key bytes.
func (e *Engine) GroupPublicKey() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keyShare == nil {
		return nil, coreerr.New(coreerr.ProtocolViolation, "no key share present")
	}
	return e.keyShare.GroupKey.Bytes(), nil
}

// ExportKeyShare returns the hex-JSON key_package / public_key_package pair
// the Keystore persists (spec §6 on-disk format), plus the group public key.
func (e *Engine) ExportKeyShare() (keyPackageHex, publicKeyPackageHex string, groupPublicKey []byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keyShare == nil {
		return "", "", nil, coreerr.New(coreerr.ProtocolViolation, "export_key_share: no key share present")
	}
	kpJSON, pkJSON, err := marshalKeyPackage(e.keyShare)
	if err != nil {
		return "", "", nil, coreerr.Wrap(coreerr.MalformedPackage, err, "failed to marshal key share")
	}
	return wireformat.ToHex(kpJSON), wireformat.ToHex(pkJSON), e.keyShare.GroupKey.Bytes(), nil
}

// ImportKeyShare reinstates an Engine's key share from persisted hex-JSON,
// for signing after a process restart without rerunning DKG.
func (e *Engine) ImportKeyShare(keyPackageHex, publicKeyPackageHex string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	kpRaw, err := wireformat.FromHex(keyPackageHex)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "key_package")
	}
	pkRaw, err := wireformat.FromHex(publicKeyPackageHex)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "public_key_package")
	}
	ks, err := unmarshalKeyPackage(e.g, kpRaw, pkRaw)
	if err != nil {
		return coreerr.Wrap(coreerr.IntegrityFailure, err, "failed to reconstruct key share")
	}
	e.keyShare = ks
	return nil
}

// SigningCommit starts a new signing round for signerIndices (the caller's
// selected subset S, including this participant's own index) and returns
// this participant's own commitment. Nonces are retained until Sign or
// ClearSigningState runs (Invariant Sg2). Rejects a second concurrent signing
// session on this engine (Invariant Sg1).
func (e *Engine) SigningCommit(signerIndices []int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.keyShare == nil {
		return "", coreerr.New(coreerr.ProtocolViolation, "signing_commit before dkg complete")
	}
	if e.signingActive {
		return "", coreerr.New(coreerr.ProtocolViolation, "signing_commit: a signing session is already active (Invariant Sg1)")
	}

	nonce, commitment, err := e.f.SignRound1(e.rand, e.keyShare)
	if err != nil {
		return "", coreerr.Wrap(coreerr.ProtocolViolation, err, "signing_commit failed")
	}

	e.signingActive = true
	e.signerIndices = append([]int(nil), signerIndices...)
	e.nonce = nonce
	e.ownCommitment = commitment
	e.commitmentsReceived = make(map[int]*frost.SigningCommitment)
	e.sharesReceived = make(map[int]*frost.SignatureShare)

	raw, err := marshalCommitment(commitment)
	if err != nil {
		return "", coreerr.Wrap(coreerr.MalformedPackage, err, "failed to marshal own commitment")
	}
	return wireformat.ToHex(raw), nil
}

// AddSigningCommitment ingests a peer's signing commitment.
func (e *Engine) AddSigningCommitment(index int, hexPayload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.signingActive {
		return coreerr.New(coreerr.ProtocolViolation, "add_signing_commitment: no active signing session")
	}
	if _, ok := e.commitmentsReceived[index]; ok {
		return coreerr.New(coreerr.DuplicatePackage, "commitment from %d already received", index)
	}
	raw, err := wireformat.FromHex(hexPayload)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "commitment from %d", index)
	}
	c, err := unmarshalCommitment(e.g, raw)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "commitment from %d", index)
	}
	e.commitmentsReceived[index] = c
	return nil
}

func (e *Engine) commitmentsComplete() bool {
	return len(e.commitmentsReceived)+1 == len(e.signerIndices)
}

// Sign produces this participant's signature share once commitments from all
// of S are present. Consumes the nonces retained by SigningCommit.
func (e *Engine) Sign(message []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.signingActive {
		return "", coreerr.New(coreerr.ProtocolViolation, "sign: no active signing session")
	}
	if e.nonce == nil {
		return "", coreerr.New(coreerr.ProtocolViolation, "sign: nonces already consumed or signing_commit not called (Invariant Sg2)")
	}
	if !e.commitmentsComplete() {
		return "", coreerr.New(coreerr.ProtocolViolation, "sign: commitments incomplete (%d/%d)", len(e.commitmentsReceived)+1, len(e.signerIndices))
	}

	all := make([]*frost.SigningCommitment, 0, len(e.signerIndices))
	all = append(all, e.ownCommitment)
	for _, c := range e.commitmentsReceived {
		all = append(all, c)
	}

	share, err := e.f.SignRound2(e.keyShare, e.nonce, message, all)
	if err != nil {
		return "", coreerr.Wrap(coreerr.ProtocolViolation, err, "sign failed")
	}
	e.ownShare = share
	// Nonces are single-use; destroy them now rather than at ClearSigningState
	// so a second Sign() call on the same commit cannot reuse them.
	e.nonce = nil

	raw, err := marshalShare(share)
	if err != nil {
		return "", coreerr.Wrap(coreerr.MalformedPackage, err, "failed to marshal own share")
	}
	return wireformat.ToHex(raw), nil
}

// AddSignatureShare ingests a peer's signature share.
func (e *Engine) AddSignatureShare(index int, hexPayload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.signingActive {
		return coreerr.New(coreerr.ProtocolViolation, "add_signature_share: no active signing session")
	}
	if _, ok := e.sharesReceived[index]; ok {
		return coreerr.New(coreerr.DuplicatePackage, "share from %d already received", index)
	}
	raw, err := wireformat.FromHex(hexPayload)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "share from %d", index)
	}
	s, err := unmarshalShare(e.g, raw)
	if err != nil {
		return coreerr.Wrap(coreerr.MalformedPackage, err, "share from %d", index)
	}
	e.sharesReceived[index] = s
	return nil
}

func (e *Engine) sharesComplete() bool {
	return len(e.sharesReceived)+1 == len(e.signerIndices)
}

// AggregateSignature combines all signature shares (once complete) into the
// final signature and verifies it before returning, surfacing a verification
// failure as MalformedPackage rather than returning an invalid signature.
func (e *Engine) AggregateSignature(message []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.signingActive {
		return "", coreerr.New(coreerr.ProtocolViolation, "aggregate_signature: no active signing session")
	}
	if !e.sharesComplete() {
		return "", coreerr.New(coreerr.ProtocolViolation, "aggregate_signature: shares incomplete (%d/%d)", len(e.sharesReceived)+1, len(e.signerIndices))
	}
	if e.ownShare == nil {
		return "", coreerr.New(coreerr.ProtocolViolation, "aggregate_signature: sign has not been called")
	}

	allCommitments := make([]*frost.SigningCommitment, 0, len(e.signerIndices))
	allCommitments = append(allCommitments, e.ownCommitment)
	for _, c := range e.commitmentsReceived {
		allCommitments = append(allCommitments, c)
	}

	allShares := make([]*frost.SignatureShare, 0, len(e.signerIndices))
	allShares = append(allShares, e.ownShare)
	for _, s := range e.sharesReceived {
		allShares = append(allShares, s)
	}

	sig, err := e.f.Aggregate(message, allCommitments, allShares)
	if err != nil {
		return "", coreerr.Wrap(coreerr.ProtocolViolation, err, "aggregate_signature failed")
	}
	if !e.f.Verify(message, sig, e.keyShare.GroupKey) {
		return "", coreerr.New(coreerr.MalformedPackage, "aggregate_signature: resulting signature failed verification")
	}

	raw, err := marshalSignature(sig)
	if err != nil {
		return "", coreerr.Wrap(coreerr.MalformedPackage, err, "failed to marshal signature")
	}
	return wireformat.ToHex(raw), nil
}

// ClearSigningState destroys any retained nonces and resets signing session
// bookkeeping. Called by the coordinator on completion and on failure
// (Invariant Sg2).
func (e *Engine) ClearSigningState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signingActive = false
	e.signerIndices = nil
	e.nonce = nil
	e.ownCommitment = nil
	e.ownShare = nil
	e.commitmentsReceived = nil
	e.sharesReceived = nil
}