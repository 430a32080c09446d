package curve

import (
	"crypto/sha512"
	"io"

	"filippo.io/edwards25519"

	"github.com/f3rmion/fy/group"
)

// Ed25519Group implements group.Group over the edwards25519 curve (the
// Solana-compatible curve). Scalar identifiers serialize little-endian, per
// the endianness contract in spec §4.1 — the opposite of Secp256k1Group,
// since filippo.io/edwards25519's Scalar.Bytes() is natively little-endian.
type Ed25519Group struct{}

type ed25519Scalar struct {
	v edwards25519.Scalar
}

func (s *ed25519Scalar) Add(a, b group.Scalar) group.Scalar {
	as, bs := a.(*ed25519Scalar), b.(*ed25519Scalar)
	s.v.Add(&as.v, &bs.v)
	return s
}

func (s *ed25519Scalar) Sub(a, b group.Scalar) group.Scalar {
	as, bs := a.(*ed25519Scalar), b.(*ed25519Scalar)
	s.v.Subtract(&as.v, &bs.v)
	return s
}

func (s *ed25519Scalar) Mul(a, b group.Scalar) group.Scalar {
	as, bs := a.(*ed25519Scalar), b.(*ed25519Scalar)
	s.v.Multiply(&as.v, &bs.v)
	return s
}

func (s *ed25519Scalar) Negate(a group.Scalar) group.Scalar {
	as := a.(*ed25519Scalar)
	s.v.Negate(&as.v)
	return s
}

func (s *ed25519Scalar) Invert(a group.Scalar) (group.Scalar, error) {
	as := a.(*ed25519Scalar)
	s.v.Invert(&as.v)
	return s, nil
}

func (s *ed25519Scalar) Set(a group.Scalar) group.Scalar {
	as := a.(*ed25519Scalar)
	s.v.Set(&as.v)
	return s
}

func (s *ed25519Scalar) Bytes() []byte {
	return s.v.Bytes()
}

// SetBytes accepts any-length input and reduces it into the scalar field via
// a 64-byte uniform buffer, so callers at the wire boundary never have to
// reason about canonical-encoding rejection the way a strict SetCanonicalBytes
// would require.
func (s *ed25519Scalar) SetBytes(data []byte) (group.Scalar, error) {
	buf := make([]byte, 64)
	if len(data) <= 64 {
		copy(buf, data)
	} else {
		sum := sha512.Sum512(data)
		copy(buf, sum[:])
	}
	if _, err := s.v.SetUniformBytes(buf); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ed25519Scalar) Equal(b group.Scalar) bool {
	bs, ok := b.(*ed25519Scalar)
	if !ok {
		return false
	}
	return s.v.Equal(&bs.v) == 1
}

func (s *ed25519Scalar) IsZero() bool {
	var zero edwards25519.Scalar
	return s.v.Equal(&zero) == 1
}

type ed25519Point struct {
	v edwards25519.Point
}

func (p *ed25519Point) Add(a, b group.Point) group.Point {
	ap, bp := a.(*ed25519Point), b.(*ed25519Point)
	p.v.Add(&ap.v, &bp.v)
	return p
}

func (p *ed25519Point) Sub(a, b group.Point) group.Point {
	ap, bp := a.(*ed25519Point), b.(*ed25519Point)
	p.v.Subtract(&ap.v, &bp.v)
	return p
}

func (p *ed25519Point) Negate(a group.Point) group.Point {
	ap := a.(*ed25519Point)
	p.v.Negate(&ap.v)
	return p
}

func (p *ed25519Point) ScalarMult(s group.Scalar, pt group.Point) group.Point {
	sp := s.(*ed25519Scalar)
	ptp := pt.(*ed25519Point)
	p.v.ScalarMult(&sp.v, &ptp.v)
	return p
}

func (p *ed25519Point) Set(a group.Point) group.Point {
	ap := a.(*ed25519Point)
	p.v.Set(&ap.v)
	return p
}

func (p *ed25519Point) Bytes() []byte {
	return p.v.Bytes()
}

func (p *ed25519Point) SetBytes(data []byte) (group.Point, error) {
	if _, err := p.v.SetBytes(data); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ed25519Point) Equal(b group.Point) bool {
	bp, ok := b.(*ed25519Point)
	if !ok {
		return false
	}
	return p.v.Equal(&bp.v) == 1
}

func (p *ed25519Point) IsIdentity() bool {
	var id edwards25519.Point
	id.Set(edwards25519.NewIdentityPoint())
	return p.v.Equal(&id) == 1
}

func (g *Ed25519Group) NewScalar() group.Scalar {
	return &ed25519Scalar{}
}

func (g *Ed25519Group) NewPoint() group.Point {
	var pt ed25519Point
	pt.v.Set(edwards25519.NewIdentityPoint())
	return &pt
}

func (g *Ed25519Group) Generator() group.Point {
	var pt ed25519Point
	pt.v.Set(edwards25519.NewGeneratorPoint())
	return &pt
}

func (g *Ed25519Group) RandomScalar(r io.Reader) (group.Scalar, error) {
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	s := &ed25519Scalar{}
	if _, err := s.v.SetUniformBytes(buf); err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Ed25519Group) HashToScalar(data ...[]byte) (group.Scalar, error) {
	h := sha512.New()
	for _, d := range data {
		h.Write(d)
	}
	s := &ed25519Scalar{}
	if _, err := s.v.SetUniformBytes(h.Sum(nil)); err != nil {
		return nil, err
	}
	return s, nil
}

// Order returns the little-endian encoding of the edwards25519 group order,
// L = 2^252 + 27742317777372353535851937790883648493.
func (g *Ed25519Group) Order() []byte {
	return []byte{
		0xed, 0xd3, 0xf5, 0x5c, 0x1a, 0x63, 0x12, 0x58,
		0xd6, 0x9c, 0xf7, 0xa2, 0xde, 0xf9, 0xde, 0x14,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10,
	}
}
