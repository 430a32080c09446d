package curve

import (
	"crypto/rand"
	"testing"
)

func TestSecp256k1ScalarArithmetic(t *testing.T) {
	g := &Secp256k1Group{}

	a, err := g.RandomScalar(rand.Reader)
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	b, err := g.RandomScalar(rand.Reader)
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}

	sum := g.NewScalar().Add(a, b)
	diff := g.NewScalar().Sub(sum, b)
	if !diff.Equal(a) {
		t.Fatalf("(a+b)-b != a")
	}

	inv, err := g.NewScalar().Invert(a)
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	one := g.NewScalar().Mul(a, inv)
	expectOne := g.NewScalar()
	expectOne.(*secp256k1Scalar).v.SetInt64(1)
	if !one.Equal(expectOne) {
		t.Fatalf("a * a^-1 != 1")
	}

	if _, err := g.NewScalar().Invert(g.NewScalar()); err == nil {
		t.Fatalf("expected error inverting zero scalar")
	}
}

func TestSecp256k1ScalarRoundTrip(t *testing.T) {
	g := &Secp256k1Group{}
	s, err := g.RandomScalar(rand.Reader)
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	out, err := g.NewScalar().SetBytes(s.Bytes())
	if err != nil {
		t.Fatalf("SetBytes: %v", err)
	}
	if !out.Equal(s) {
		t.Fatalf("round trip mismatch")
	}
	if len(s.Bytes()) != 32 {
		t.Fatalf("expected 32-byte scalar encoding, got %d", len(s.Bytes()))
	}
}

func TestSecp256k1PointArithmetic(t *testing.T) {
	g := &Secp256k1Group{}
	gen := g.Generator()

	two := g.NewScalar()
	two.(*secp256k1Scalar).v.SetInt64(2)

	doubled := g.NewPoint().ScalarMult(two, gen)
	added := g.NewPoint().Add(gen, gen)
	if !doubled.Equal(added) {
		t.Fatalf("2*G != G+G")
	}

	neg := g.NewPoint().Negate(gen)
	identity := g.NewPoint().Add(gen, neg)
	if !identity.IsIdentity() {
		t.Fatalf("G + (-G) should be identity")
	}
}

func TestSecp256k1PointRoundTrip(t *testing.T) {
	g := &Secp256k1Group{}
	gen := g.Generator()

	out, err := g.NewPoint().SetBytes(gen.Bytes())
	if err != nil {
		t.Fatalf("SetBytes: %v", err)
	}
	if !out.Equal(gen) {
		t.Fatalf("point round trip mismatch")
	}
	if len(gen.Bytes()) != 33 {
		t.Fatalf("expected 33-byte compressed point, got %d", len(gen.Bytes()))
	}

	idBytes := g.NewPoint().Bytes()
	idOut, err := g.NewPoint().SetBytes(idBytes)
	if err != nil {
		t.Fatalf("SetBytes identity: %v", err)
	}
	if !idOut.IsIdentity() {
		t.Fatalf("identity sentinel did not round trip")
	}
}

func TestSecp256k1HashToScalarDeterministic(t *testing.T) {
	g := &Secp256k1Group{}
	a, err := g.HashToScalar([]byte("hello"), []byte("world"))
	if err != nil {
		t.Fatalf("HashToScalar: %v", err)
	}
	b, err := g.HashToScalar([]byte("hello"), []byte("world"))
	if err != nil {
		t.Fatalf("HashToScalar: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("HashToScalar not deterministic")
	}
}
