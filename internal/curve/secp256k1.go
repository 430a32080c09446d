package curve

import (
	"crypto/sha256"
	"errors"
	"io"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/f3rmion/fy/group"
)

// secp256k1Order is the order of the secp256k1 base point, n. Scalar field
// arithmetic is done against this modulus with math/big; point arithmetic is
// delegated to github.com/decred/dcrd/dcrec/secp256k1/v4's JacobianPoint,
// which is what the library itself uses internally for ECDSA.
var secp256k1Order, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)

// Secp256k1Group implements group.Group over the secp256k1 curve (the
// Ethereum-compatible curve). Scalar identifiers serialize big-endian, per
// the endianness contract in spec §4.1.
type Secp256k1Group struct{}

type secp256k1Scalar struct {
	v big.Int // always reduced into [0, order)
}

func (s *secp256k1Scalar) reduce() {
	s.v.Mod(&s.v, secp256k1Order)
}

func (s *secp256k1Scalar) Add(a, b group.Scalar) group.Scalar {
	as, bs := a.(*secp256k1Scalar), b.(*secp256k1Scalar)
	s.v.Add(&as.v, &bs.v)
	s.reduce()
	return s
}

func (s *secp256k1Scalar) Sub(a, b group.Scalar) group.Scalar {
	as, bs := a.(*secp256k1Scalar), b.(*secp256k1Scalar)
	s.v.Sub(&as.v, &bs.v)
	s.reduce()
	return s
}

func (s *secp256k1Scalar) Mul(a, b group.Scalar) group.Scalar {
	as, bs := a.(*secp256k1Scalar), b.(*secp256k1Scalar)
	s.v.Mul(&as.v, &bs.v)
	s.reduce()
	return s
}

func (s *secp256k1Scalar) Negate(a group.Scalar) group.Scalar {
	as := a.(*secp256k1Scalar)
	s.v.Neg(&as.v)
	s.reduce()
	return s
}

func (s *secp256k1Scalar) Invert(a group.Scalar) (group.Scalar, error) {
	as := a.(*secp256k1Scalar)
	if as.v.Sign() == 0 {
		return nil, errors.New("secp256k1: cannot invert zero scalar")
	}
	s.v.ModInverse(&as.v, secp256k1Order)
	return s, nil
}

func (s *secp256k1Scalar) Set(a group.Scalar) group.Scalar {
	as := a.(*secp256k1Scalar)
	s.v.Set(&as.v)
	return s
}

func (s *secp256k1Scalar) Bytes() []byte {
	out := make([]byte, 32)
	s.v.FillBytes(out)
	return out
}

func (s *secp256k1Scalar) SetBytes(data []byte) (group.Scalar, error) {
	s.v.SetBytes(data)
	s.reduce()
	return s, nil
}

func (s *secp256k1Scalar) Equal(b group.Scalar) bool {
	bs, ok := b.(*secp256k1Scalar)
	if !ok {
		return false
	}
	return s.v.Cmp(&bs.v) == 0
}

func (s *secp256k1Scalar) IsZero() bool {
	return s.v.Sign() == 0
}

// modNScalar converts to the library's fixed-width scalar type, used only at
// the boundary where we call into JacobianPoint arithmetic.
func (s *secp256k1Scalar) modNScalar() *secp256k1.ModNScalar {
	var ms secp256k1.ModNScalar
	ms.SetByteSlice(s.Bytes())
	return &ms
}

type secp256k1Point struct {
	v        secp256k1.JacobianPoint
	identity bool
}

func (p *secp256k1Point) Add(a, b group.Point) group.Point {
	ap, bp := a.(*secp256k1Point), b.(*secp256k1Point)
	if ap.identity {
		p.Set(bp)
		return p
	}
	if bp.identity {
		p.Set(ap)
		return p
	}
	secp256k1.AddNonConst(&ap.v, &bp.v, &p.v)
	p.identity = false
	return p
}

func (p *secp256k1Point) Sub(a, b group.Point) group.Point {
	bp := b.(*secp256k1Point)
	neg := &secp256k1Point{v: bp.v, identity: bp.identity}
	neg.negateInPlace()
	return p.Add(a, neg)
}

func (p *secp256k1Point) negateInPlace() {
	if p.identity {
		return
	}
	p.v.Y.Negate(1)
	p.v.Y.Normalize()
}

func (p *secp256k1Point) Negate(a group.Point) group.Point {
	ap := a.(*secp256k1Point)
	p.Set(ap)
	p.negateInPlace()
	return p
}

func (p *secp256k1Point) ScalarMult(s group.Scalar, pt group.Point) group.Point {
	sp := s.(*secp256k1Scalar)
	ptp := pt.(*secp256k1Point)
	if sp.IsZero() || ptp.identity {
		p.identity = true
		p.v = secp256k1.JacobianPoint{}
		return p
	}
	secp256k1.ScalarMultNonConst(sp.modNScalar(), &ptp.v, &p.v)
	p.identity = false
	return p
}

func (p *secp256k1Point) Set(a group.Point) group.Point {
	ap := a.(*secp256k1Point)
	p.v = ap.v
	p.identity = ap.identity
	return p
}

func (p *secp256k1Point) Bytes() []byte {
	if p.identity {
		return make([]byte, 33) // all-zero sentinel; 0x00 prefix never occurs on-curve
	}
	aff := p.v
	aff.ToAffine()
	pub := secp256k1.NewPublicKey(&aff.X, &aff.Y)
	return pub.SerializeCompressed()
}

func (p *secp256k1Point) SetBytes(data []byte) (group.Point, error) {
	if len(data) == 33 && isAllZero(data) {
		p.identity = true
		p.v = secp256k1.JacobianPoint{}
		return p, nil
	}
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, err
	}
	pub.AsJacobian(&p.v)
	p.identity = false
	return p, nil
}

func (p *secp256k1Point) Equal(b group.Point) bool {
	bp, ok := b.(*secp256k1Point)
	if !ok {
		return false
	}
	if p.identity || bp.identity {
		return p.identity == bp.identity
	}
	pa, pb := p.v, bp.v
	pa.ToAffine()
	pb.ToAffine()
	return pa.X.Equals(&pb.X) && pa.Y.Equals(&pb.Y)
}

func (p *secp256k1Point) IsIdentity() bool {
	return p.identity
}

func (g *Secp256k1Group) NewScalar() group.Scalar {
	return &secp256k1Scalar{}
}

func (g *Secp256k1Group) NewPoint() group.Point {
	return &secp256k1Point{identity: true}
}

func (g *Secp256k1Group) Generator() group.Point {
	one := &secp256k1Scalar{}
	one.v.SetInt64(1)
	var jp secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(one.modNScalar(), &jp)
	return &secp256k1Point{v: jp}
}

func (g *Secp256k1Group) RandomScalar(r io.Reader) (group.Scalar, error) {
	buf := make([]byte, 32)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		s := &secp256k1Scalar{}
		s.v.SetBytes(buf)
		if s.v.Cmp(secp256k1Order) < 0 && s.v.Sign() != 0 {
			return s, nil
		}
	}
}

func (g *Secp256k1Group) HashToScalar(data ...[]byte) (group.Scalar, error) {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	s := &secp256k1Scalar{}
	s.v.SetBytes(h.Sum(nil))
	s.reduce()
	return s, nil
}

func (g *Secp256k1Group) Order() []byte {
	out := make([]byte, 32)
	secp256k1Order.FillBytes(out)
	return out
}

// Secp256k1UncompressedXY converts a 33-byte compressed secp256k1 public key
// (the wire/engine encoding used throughout this package) into its 64-byte
// uncompressed X||Y coordinate pair, the form Ethereum address derivation
// expects (see internal/address.Ethereum).
func Secp256k1UncompressedXY(compressed []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return nil, err
	}
	return pub.SerializeUncompressed()[1:], nil
}

func isAllZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
