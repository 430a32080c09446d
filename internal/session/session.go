// Package session implements the Session Model (spec §4.3): immutable
// descriptors of a proposed or active multi-party session, validated once at
// creation and never mutated afterward (Invariant S1).
package session

import (
	"github.com/collider/mpc-coordcore/internal/coreerr"
	"github.com/collider/mpc-coordcore/internal/curve"
)

// ParticipantID is the opaque, operator-assigned identifier for a
// participant (e.g. "mpc-2"). Unique within a session.
type ParticipantID string

// ParticipantIndex is the 1-based index FROST operations address a
// participant by. Assigned by a session's total order over its participants.
type ParticipantIndex int

// Descriptor is the immutable, agreed-upon shape of one multi-party session
// (Invariant S1: every participant holds an identical Descriptor before DKG
// round 1 begins).
type Descriptor struct {
	SessionID     string
	Total         int
	Threshold     int
	Participants  []ParticipantID
	Curve         curve.Curve
	BlockchainTag string
}

// New validates and constructs a Descriptor. The proposer is responsible for
// session_id global uniqueness; New only validates local shape.
func New(sessionID string, participants []ParticipantID, threshold int, c curve.Curve, blockchainTag string) (*Descriptor, error) {
	if sessionID == "" {
		return nil, coreerr.New(coreerr.ProtocolViolation, "session: session_id must not be empty")
	}
	n := len(participants)
	// threshold=1 is within spec §3's literal SessionDescriptor bound (1 ≤ t ≤
	// n) but the Crypto Engine can never run DKG for it — f3rmion/fy's FROST
	// construction itself requires t ≥ 2 — so a t=1 Descriptor would validate
	// here and then always fail start_dkg. Rejecting it at session creation
	// surfaces that impossibility immediately instead of at a later, less
	// obvious step (see DESIGN.md's open question decisions).
	if threshold < 2 || threshold > n {
		return nil, coreerr.New(coreerr.ProtocolViolation, "session: threshold %d out of range for n=%d (minimum 2)", threshold, n)
	}
	seen := make(map[ParticipantID]struct{}, n)
	for _, p := range participants {
		if p == "" {
			return nil, coreerr.New(coreerr.ProtocolViolation, "session: empty participant id")
		}
		if _, dup := seen[p]; dup {
			return nil, coreerr.New(coreerr.ProtocolViolation, "session: duplicate participant id %q", p)
		}
		seen[p] = struct{}{}
	}
	return &Descriptor{
		SessionID:     sessionID,
		Total:         n,
		Threshold:     threshold,
		Participants:  append([]ParticipantID(nil), participants...),
		Curve:         c,
		BlockchainTag: blockchainTag,
	}, nil
}

// ContainsOwn reports whether own is present in the session's participant
// set, and does so by checking the proposer-broadcast roster the invitee
// must acknowledge before accepting.
func (d *Descriptor) ContainsOwn(own ParticipantID) bool {
	for _, p := range d.Participants {
		if p == own {
			return true
		}
	}
	return false
}

// IndexOf returns the 1-based ParticipantIndex of id within the session's
// fixed total order, or 0, false if id is not a participant.
func (d *Descriptor) IndexOf(id ParticipantID) (ParticipantIndex, bool) {
	for i, p := range d.Participants {
		if p == id {
			return ParticipantIndex(i + 1), true
		}
	}
	return 0, false
}

// ParticipantAt returns the ParticipantID at the given 1-based index.
func (d *Descriptor) ParticipantAt(idx ParticipantIndex) (ParticipantID, bool) {
	if idx < 1 || int(idx) > len(d.Participants) {
		return "", false
	}
	return d.Participants[idx-1], true
}
