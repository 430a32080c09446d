package wallet

import (
	"encoding/hex"
	"encoding/json"

	"github.com/collider/mpc-coordcore/internal/session"
)

// The transport frame shapes spec §6 names. The frames are UTF-8 JSON on the
// wire. A dkgFrame's package_json holds the package's JSON (internal/dkg
// converts between it and the Crypto Engine's hex form); a signingFrame's
// payload_json holds the Crypto Engine's hex encoding unchanged, since
// internal/signing does no such conversion. This Context is the one place
// that actually marshals them, since it is the component that owns routing.
type meshReadyFrame struct {
	Kind      string `json:"kind"` // always "mesh_ready"
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
}

type dkgFrame struct {
	Kind        string `json:"kind"` // "dkg_round1" | "dkg_round2"
	SessionID   string `json:"session_id"`
	SenderIndex int    `json:"sender_index"`
	PackageJSON string `json:"package_json"`
}

type signingFrame struct {
	Kind        string `json:"kind"` // "signing_commitment" | "signing_share"
	RequestID   string `json:"request_id"`
	SenderIndex int    `json:"sender_index"`
	PayloadJSON string `json:"payload_json"`
}

// signingRequestFrame is spec §6's SigningRequest: the initiator's fan-out
// inviting the rest of signer_subset to join a signing round under a shared
// request_id.
type signingRequestFrame struct {
	Kind         string `json:"kind"` // always "signing_request"
	RequestID    string `json:"request_id"`
	WalletID     string `json:"wallet_id"`
	MessageHex   string `json:"message_hex"`
	SignerSubset []int  `json:"signer_subset"`
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}

func indicesToInts(idxs []session.ParticipantIndex) []int {
	out := make([]int, len(idxs))
	for i, idx := range idxs {
		out[i] = int(idx)
	}
	return out
}

// mustMarshal is only ever called on this package's own frame structs, whose
// fields are all plain strings and ints, so json.Marshal cannot fail; a panic
// here would mean a programming error in the frame shapes above, not bad
// runtime input.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
