package crypto

import "testing"

func TestSealRoundTrip(t *testing.T) {
	sealed, err := Seal("secret", "postgres://user:pass@db/app")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("expected sealed prefix, got %q", sealed)
	}
	plain, err := Open("secret", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "postgres://user:pass@db/app" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestOpenWrongSecretFails(t *testing.T) {
	sealed, err := Seal("secret", "value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open("other", sealed); err == nil {
		t.Fatalf("expected open with wrong secret to fail")
	}
}

func TestOpenPassesThroughPlainValues(t *testing.T) {
	plain, err := Open("secret", "PORT=3000")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "PORT=3000" {
		t.Fatalf("unexpected value %q", plain)
	}
}

func TestCompareToken(t *testing.T) {
	hash, err := HashToken("tok-123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CompareToken(hash, "tok-123") {
		t.Fatalf("expected token to match hash")
	}
	if CompareToken(hash, "tok-124") {
		t.Fatalf("expected mismatched token to fail")
	}
}
