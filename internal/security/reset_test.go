package security

import "testing"

func TestResetToken_UniqueAndHashed(t *testing.T) {
	a, err := GenerateResetToken()
	if err != nil {
		t.Fatalf("GenerateResetToken: %v", err)
	}
	b, err := GenerateResetToken()
	if err != nil {
		t.Fatalf("GenerateResetToken: %v", err)
	}
	if a == b {
		t.Fatal("two reset tokens collided")
	}
	if len(a) != 2*resetTokenBytes {
		t.Errorf("len = %d, want %d", len(a), 2*resetTokenBytes)
	}
	h := HashResetToken(a)
	if h == a || len(h) != 64 {
		t.Errorf("hash %q is not a sha256 hex digest of the token", h)
	}
	if HashResetToken(a) != h {
		t.Error("hash is not deterministic")
	}
}
