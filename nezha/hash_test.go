package nezha

import "testing"

func TestHashCombineIsXor(t *testing.T) {
	a := DeriveBytes([]byte("a"))
	b := DeriveBytes([]byte("b"))
	if a.Combine(b) != b.Combine(a) {
		t.Fatal("Combine must be commutative")
	}
	if a.Combine(a) != (Hash{}) {
		t.Fatal("Combine of a hash with itself must be zero")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	h1 := DeriveKey(100, 7)
	h2 := DeriveKey(100, 7)
	if h1 != h2 {
		t.Fatal("DeriveKey must be deterministic")
	}
	if h1 == DeriveKey(100, 8) {
		t.Fatal("DeriveKey must distinguish reqKey")
	}
}

func TestHashWireRoundTrip(t *testing.T) {
	h := DeriveBytes([]byte("round trip"))
	if got := fromWire(h.toWire()); got != h {
		t.Fatalf("wire round trip mismatch: got %x want %x", got, h)
	}
}
