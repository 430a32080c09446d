package crypto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/f3rmion/fy/frost"
	"github.com/f3rmion/fy/group"
)

// Wire DTOs mirror the f3rmion/fy/frost package types field for field, with
// every group.Scalar/group.Point replaced by its hex-encoded Bytes(). frost's
// native types embed interface values and cannot be JSON-marshaled directly;
// these DTOs are the JSON side of the hex-at-the-boundary contract in spec
// §4.1.

type round1Wire struct {
	ID          string   `json:"id"`
	Commitments []string `json:"commitments"`
}

type round1PrivateWire struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Share  string `json:"share"`
}

type signingCommitmentWire struct {
	ID           string `json:"id"`
	HidingPoint  string `json:"hiding_point"`
	BindingPoint string `json:"binding_point"`
}

type signatureShareWire struct {
	ID string `json:"id"`
	Z  string `json:"z"`
}

type signatureWire struct {
	R string `json:"r"`
	Z string `json:"z"`
}

func hexBytes(b []byte) string { return hex.EncodeToString(b) }

func decodeHexField(name, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: field %q is not valid hex: %w", name, err)
	}
	return b, nil
}

func marshalRound1(g group.Group, d *frost.Round1Data) ([]byte, error) {
	w := round1Wire{ID: hexBytes(d.ID.Bytes())}
	for _, c := range d.Commitments {
		w.Commitments = append(w.Commitments, hexBytes(c.Bytes()))
	}
	return json.Marshal(w)
}

func unmarshalRound1(g group.Group, raw []byte) (*frost.Round1Data, error) {
	var w round1Wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("crypto: malformed round1 package: %w", err)
	}
	idBytes, err := decodeHexField("id", w.ID)
	if err != nil {
		return nil, err
	}
	id, err := g.NewScalar().SetBytes(idBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid round1 id: %w", err)
	}
	commits := make([]group.Point, 0, len(w.Commitments))
	for i, cs := range w.Commitments {
		cb, err := decodeHexField(fmt.Sprintf("commitments[%d]", i), cs)
		if err != nil {
			return nil, err
		}
		pt, err := g.NewPoint().SetBytes(cb)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid round1 commitment %d: %w", i, err)
		}
		commits = append(commits, pt)
	}
	return &frost.Round1Data{ID: id, Commitments: commits}, nil
}

func marshalRound1Private(d *frost.Round1PrivateData) ([]byte, error) {
	w := round1PrivateWire{
		FromID: hexBytes(d.FromID.Bytes()),
		ToID:   hexBytes(d.ToID.Bytes()),
		Share:  hexBytes(d.Share.Bytes()),
	}
	return json.Marshal(w)
}

func unmarshalRound1Private(g group.Group, raw []byte) (*frost.Round1PrivateData, error) {
	var w round1PrivateWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("crypto: malformed round2 package: %w", err)
	}
	fromB, err := decodeHexField("from_id", w.FromID)
	if err != nil {
		return nil, err
	}
	toB, err := decodeHexField("to_id", w.ToID)
	if err != nil {
		return nil, err
	}
	shareB, err := decodeHexField("share", w.Share)
	if err != nil {
		return nil, err
	}
	fromID, err := g.NewScalar().SetBytes(fromB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid round2 from_id: %w", err)
	}
	toID, err := g.NewScalar().SetBytes(toB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid round2 to_id: %w", err)
	}
	share, err := g.NewScalar().SetBytes(shareB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid round2 share: %w", err)
	}
	return &frost.Round1PrivateData{FromID: fromID, ToID: toID, Share: share}, nil
}

func marshalCommitment(c *frost.SigningCommitment) ([]byte, error) {
	w := signingCommitmentWire{
		ID:           hexBytes(c.ID.Bytes()),
		HidingPoint:  hexBytes(c.HidingPoint.Bytes()),
		BindingPoint: hexBytes(c.BindingPoint.Bytes()),
	}
	return json.Marshal(w)
}

func unmarshalCommitment(g group.Group, raw []byte) (*frost.SigningCommitment, error) {
	var w signingCommitmentWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("crypto: malformed signing commitment: %w", err)
	}
	idB, err := decodeHexField("id", w.ID)
	if err != nil {
		return nil, err
	}
	hB, err := decodeHexField("hiding_point", w.HidingPoint)
	if err != nil {
		return nil, err
	}
	bB, err := decodeHexField("binding_point", w.BindingPoint)
	if err != nil {
		return nil, err
	}
	id, err := g.NewScalar().SetBytes(idB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid commitment id: %w", err)
	}
	hiding, err := g.NewPoint().SetBytes(hB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hiding point: %w", err)
	}
	binding, err := g.NewPoint().SetBytes(bB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid binding point: %w", err)
	}
	return &frost.SigningCommitment{ID: id, HidingPoint: hiding, BindingPoint: binding}, nil
}

func marshalShare(s *frost.SignatureShare) ([]byte, error) {
	w := signatureShareWire{ID: hexBytes(s.ID.Bytes()), Z: hexBytes(s.Z.Bytes())}
	return json.Marshal(w)
}

func unmarshalShare(g group.Group, raw []byte) (*frost.SignatureShare, error) {
	var w signatureShareWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("crypto: malformed signature share: %w", err)
	}
	idB, err := decodeHexField("id", w.ID)
	if err != nil {
		return nil, err
	}
	zB, err := decodeHexField("z", w.Z)
	if err != nil {
		return nil, err
	}
	id, err := g.NewScalar().SetBytes(idB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid share id: %w", err)
	}
	z, err := g.NewScalar().SetBytes(zB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid share z: %w", err)
	}
	return &frost.SignatureShare{ID: id, Z: z}, nil
}

func marshalSignature(s *frost.Signature) ([]byte, error) {
	w := signatureWire{R: hexBytes(s.R.Bytes()), Z: hexBytes(s.Z.Bytes())}
	return json.Marshal(w)
}

// keyPackageWire and publicKeyPackageWire are the two halves persisted by the
// Keystore as the "key_package" / "public_key_package" hex-JSON fields (spec
// §4.2, §6 on-disk format).
type keyPackageWire struct {
	ID        string `json:"id"`
	SecretKey string `json:"secret_key"`
}

type publicKeyPackageWire struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
	GroupKey  string `json:"group_key"`
}

func marshalKeyPackage(ks *frost.KeyShare) ([]byte, []byte, error) {
	kp := keyPackageWire{ID: hexBytes(ks.ID.Bytes()), SecretKey: hexBytes(ks.SecretKey.Bytes())}
	pk := publicKeyPackageWire{
		ID:        hexBytes(ks.ID.Bytes()),
		PublicKey: hexBytes(ks.PublicKey.Bytes()),
		GroupKey:  hexBytes(ks.GroupKey.Bytes()),
	}
	kpJSON, err := json.Marshal(kp)
	if err != nil {
		return nil, nil, err
	}
	pkJSON, err := json.Marshal(pk)
	if err != nil {
		return nil, nil, err
	}
	return kpJSON, pkJSON, nil
}

func unmarshalKeyPackage(g group.Group, keyPackageRaw, publicKeyPackageRaw []byte) (*frost.KeyShare, error) {
	var kp keyPackageWire
	if err := json.Unmarshal(keyPackageRaw, &kp); err != nil {
		return nil, fmt.Errorf("crypto: malformed key_package: %w", err)
	}
	var pk publicKeyPackageWire
	if err := json.Unmarshal(publicKeyPackageRaw, &pk); err != nil {
		return nil, fmt.Errorf("crypto: malformed public_key_package: %w", err)
	}

	idB, err := decodeHexField("id", kp.ID)
	if err != nil {
		return nil, err
	}
	skB, err := decodeHexField("secret_key", kp.SecretKey)
	if err != nil {
		return nil, err
	}
	pubB, err := decodeHexField("public_key", pk.PublicKey)
	if err != nil {
		return nil, err
	}
	groupB, err := decodeHexField("group_key", pk.GroupKey)
	if err != nil {
		return nil, err
	}

	id, err := g.NewScalar().SetBytes(idB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid key_package id: %w", err)
	}
	sk, err := g.NewScalar().SetBytes(skB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid secret_key: %w", err)
	}
	pub, err := g.NewPoint().SetBytes(pubB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid public_key: %w", err)
	}
	groupKey, err := g.NewPoint().SetBytes(groupB)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid group_key: %w", err)
	}

	return &frost.KeyShare{ID: id, SecretKey: sk, PublicKey: pub, GroupKey: groupKey}, nil
}
