package mesh

import (
	"testing"

	"go.uber.org/zap"

	"github.com/collider/mpc-coordcore/internal/session"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *[]State) {
	t.Helper()
	var transitions []State
	c := New(zap.NewNop(), "mpc-1", []session.ParticipantID{"mpc-2", "mpc-3"}, func(s State) {
		transitions = append(transitions, s)
	})
	return c, &transitions
}

func TestMeshReachesPartiallyReadyOnAllChannelsOpen(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.AcceptSession()
	c.OnChannelState("mpc-2", ChannelOpen)
	if c.State() != Incomplete {
		t.Fatalf("expected Incomplete with one channel open, got %v", c.State())
	}
	c.OnChannelState("mpc-3", ChannelOpen)
	if c.State() != PartiallyReady {
		t.Fatalf("expected PartiallyReady, got %v", c.State())
	}
}

func TestMeshReachesReadyAfterOwnSendAndAllPeersReady(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.AcceptSession()
	c.OnChannelState("mpc-2", ChannelOpen)
	c.OnChannelState("mpc-3", ChannelOpen)

	if !c.NeedsOwnReadySend() {
		t.Fatalf("expected own ready to be sendable")
	}
	c.MarkOwnReadySent()
	if c.NeedsOwnReadySend() {
		t.Fatalf("own ready should not be sendable twice (P3)")
	}

	c.OnPeerReady("mpc-2")
	if c.State() != PartiallyReady {
		t.Fatalf("expected still PartiallyReady with one peer ready, got %v", c.State())
	}
	c.OnPeerReady("mpc-3")
	if c.State() != Ready {
		t.Fatalf("expected Ready once all peers ready, got %v", c.State())
	}
}

func TestDuplicateMeshReadyDropped(t *testing.T) {
	c, transitions := newTestCoordinator(t)
	c.AcceptSession()
	c.OnChannelState("mpc-2", ChannelOpen)
	c.OnChannelState("mpc-3", ChannelOpen)
	c.MarkOwnReadySent()

	c.OnPeerReady("mpc-2")
	c.OnPeerReady("mpc-2") // simulated duplicate, per spec §8 scenario 5
	c.OnPeerReady("mpc-3")

	readyCount := 0
	for _, s := range *transitions {
		if s == Ready {
			readyCount++
		}
	}
	if readyCount != 1 {
		t.Fatalf("expected mesh to transition to Ready exactly once, got %d", readyCount)
	}
}

func TestChannelDropResetsToIncomplete(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.AcceptSession()
	c.OnChannelState("mpc-2", ChannelOpen)
	c.OnChannelState("mpc-3", ChannelOpen)
	c.MarkOwnReadySent()
	c.OnPeerReady("mpc-2")
	c.OnPeerReady("mpc-3")
	if c.State() != Ready {
		t.Fatalf("expected Ready before drop, got %v", c.State())
	}

	c.OnChannelState("mpc-2", ChannelClosed)
	if c.State() != Incomplete {
		t.Fatalf("expected Incomplete after channel drop, got %v", c.State())
	}
}

func TestResetClearsOwnReadySent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.AcceptSession()
	c.OnChannelState("mpc-2", ChannelOpen)
	c.OnChannelState("mpc-3", ChannelOpen)
	c.MarkOwnReadySent()

	c.Reset()
	if c.State() != Incomplete {
		t.Fatalf("expected Incomplete after reset, got %v", c.State())
	}
	if c.NeedsOwnReadySend() {
		t.Fatalf("expected own ready not sendable until session accepted again")
	}
}
