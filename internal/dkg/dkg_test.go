package dkg

import (
	"testing"

	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/crypto"
	curvepkg "github.com/collider/mpc-coordcore/internal/curve"
	"github.com/collider/mpc-coordcore/internal/keystore"
	"github.com/collider/mpc-coordcore/internal/session"
)

// frame is a queued, not-yet-delivered transport frame. Using an explicit
// queue drained by the test driver (rather than hooks calling straight into
// a peer's Coordinator) keeps delivery asynchronous-looking without any
// node's mutex ever being held across a call into another node, matching
// spec §5's "frames from distinct peers may interleave arbitrarily".
type frame struct {
	round   int
	from    session.ParticipantIndex
	to      session.ParticipantIndex
	payload string
}

type node struct {
	id    session.ParticipantID
	idx   session.ParticipantIndex
	eng   *crypto.Engine
	coord *Coordinator

	groupKey []byte
	complete bool
	failed   string
}

type harness struct {
	t     *testing.T
	desc  *session.Descriptor
	nodes map[session.ParticipantIndex]*node
	queue []frame
}

func newHarness(t *testing.T, c curvepkg.Curve, n, threshold int) *harness {
	t.Helper()
	ids := make([]session.ParticipantID, n)
	for i := range ids {
		ids[i] = session.ParticipantID(string(rune('1'+i)) + "-mpc")
	}
	desc, err := session.New("session-1", ids, threshold, c, "test-chain")
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	h := &harness{t: t, desc: desc, nodes: make(map[session.ParticipantIndex]*node)}
	ks, err := keystore.NewFileKeystore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKeystore: %v", err)
	}

	for i := 1; i <= n; i++ {
		idx := session.ParticipantIndex(i)
		id, _ := desc.ParticipantAt(idx)
		eng, err := crypto.New(zap.NewNop(), c)
		if err != nil {
			t.Fatalf("crypto.New: %v", err)
		}
		nd := &node{id: id, idx: idx, eng: eng}
		nd.coord = New(zap.NewNop(), eng, desc, idx, ks, "test-password-"+string(id), Hooks{
			SendRound1: func(to session.ParticipantIndex, packageJSON string) {
				h.queue = append(h.queue, frame{round: 1, from: idx, to: to, payload: packageJSON})
			},
			SendRound2: func(to session.ParticipantIndex, packageJSON string) {
				h.queue = append(h.queue, frame{round: 2, from: idx, to: to, payload: packageJSON})
			},
			OnComplete: func(groupKey []byte) {
				nd.groupKey = groupKey
				nd.complete = true
			},
			OnFailed: func(reason string) {
				nd.failed = reason
			},
		})
		h.nodes[idx] = nd
	}
	return h
}

// drain processes queued frames to a fixed point. Each dispatch happens with
// no caller mutex held, so a node's Coordinator may itself enqueue further
// frames (e.g. its own round2 once round1 completes) without any risk of a
// node re-entering its own locked method.
func (h *harness) drain() {
	for len(h.queue) > 0 {
		f := h.queue[0]
		h.queue = h.queue[1:]
		nd := h.nodes[f.to]
		var err error
		if f.round == 1 {
			err = nd.coord.OnRound1(f.from, f.payload)
		} else {
			err = nd.coord.OnRound2(f.from, f.payload)
		}
		if err != nil {
			h.t.Logf("node %d: delivery from %d failed: %v", f.to, f.from, err)
		}
	}
}

func (h *harness) startAll() {
	for i := 1; i <= len(h.nodes); i++ {
		if err := h.nodes[session.ParticipantIndex(i)].coord.Start(); err != nil {
			h.t.Fatalf("node %d Start: %v", i, err)
		}
	}
	h.drain()
}

func (h *harness) assertAllComplete() {
	h.t.Helper()
	for idx, nd := range h.nodes {
		if nd.failed != "" {
			h.t.Fatalf("node %d failed: %s", idx, nd.failed)
		}
		if !nd.complete {
			h.t.Fatalf("node %d did not complete (state=%s)", idx, nd.coord.State())
		}
	}
}

// TestDKGAgreementSecp256k1 drives a 2-of-3 secp256k1 DKG to completion and
// asserts P1 (group public key agreement).
func TestDKGAgreementSecp256k1(t *testing.T) {
	h := newHarness(t, curvepkg.Secp256k1, 3, 2)
	h.startAll()
	h.assertAllComplete()

	first := h.nodes[1].groupKey
	for i := 2; i <= 3; i++ {
		if string(h.nodes[session.ParticipantIndex(i)].groupKey) != string(first) {
			t.Fatalf("group public key mismatch at participant %d (P1 violated)", i)
		}
	}
}

// TestDKGAgreementEd25519 is the Ed25519 analogue of the same scenario.
func TestDKGAgreementEd25519(t *testing.T) {
	h := newHarness(t, curvepkg.Ed25519, 3, 2)
	h.startAll()
	h.assertAllComplete()

	first := h.nodes[1].groupKey
	for i := 2; i <= 3; i++ {
		if string(h.nodes[session.ParticipantIndex(i)].groupKey) != string(first) {
			t.Fatalf("group public key mismatch at participant %d (P1 violated)", i)
		}
	}
}

// TestOutOfOrderRound1Buffered reproduces spec §8 scenario 3: a participant
// receives a peer's Round1 frame before its own local DKG has started, and
// the buffered frame is replayed once it does (P7).
func TestOutOfOrderRound1Buffered(t *testing.T) {
	h := newHarness(t, curvepkg.Secp256k1, 3, 2)

	// node 1 starts first and immediately fans its round1 package out to 2
	// and 3, both still Idle: the frames land in their buffers.
	if err := h.nodes[1].coord.Start(); err != nil {
		t.Fatalf("node 1 Start: %v", err)
	}
	h.drain()
	if len(h.nodes[2].coord.bufRound1) != 1 {
		t.Fatalf("expected node 2 to have buffered node 1's round1 frame, got %d buffered", len(h.nodes[2].coord.bufRound1))
	}

	if err := h.nodes[2].coord.Start(); err != nil {
		t.Fatalf("node 2 Start: %v", err)
	}
	if err := h.nodes[3].coord.Start(); err != nil {
		t.Fatalf("node 3 Start: %v", err)
	}
	h.drain()
	h.assertAllComplete()
}

func TestMalformedPackageFailsSession(t *testing.T) {
	h := newHarness(t, curvepkg.Secp256k1, 3, 2)
	for i := 1; i <= 3; i++ {
		if err := h.nodes[session.ParticipantIndex(i)].coord.Start(); err != nil {
			t.Fatalf("node %d Start: %v", i, err)
		}
	}

	if err := h.nodes[1].coord.OnRound1(2, "not valid hex or json"); err == nil {
		t.Fatalf("expected malformed package to surface an error")
	}
	if h.nodes[1].coord.State() != Failed {
		t.Fatalf("expected node 1 to be Failed after malformed package, got %s", h.nodes[1].coord.State())
	}
	if h.nodes[1].failed == "" {
		t.Fatalf("expected OnFailed hook to have fired")
	}
}

func TestResetClearsStateAndBuffers(t *testing.T) {
	h := newHarness(t, curvepkg.Secp256k1, 3, 2)

	// Still Idle: the frame is buffered rather than ingested.
	_ = h.nodes[1].coord.OnRound1(2, "some-buffered-payload")
	if len(h.nodes[1].coord.bufRound1) != 1 {
		t.Fatalf("expected frame to be buffered while idle, got %d", len(h.nodes[1].coord.bufRound1))
	}

	h.nodes[1].coord.Reset()
	if h.nodes[1].coord.State() != Idle {
		t.Fatalf("expected Idle after reset, got %s", h.nodes[1].coord.State())
	}
	if len(h.nodes[1].coord.bufRound1) != 0 {
		t.Fatalf("expected buffers cleared after reset")
	}
}
