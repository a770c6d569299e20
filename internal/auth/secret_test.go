package auth

import "testing"

func TestHashAndCheckSecret(t *testing.T) {
	hash, err := HashSecret("kiosk-secret-1")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if err := CheckSecret(hash, "kiosk-secret-1"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := CheckSecret(hash, "wrong-secret"); err == nil {
		t.Fatalf("expected mismatch")
	}
	if err := CheckSecret("", "kiosk-secret-1"); err == nil {
		t.Fatalf("expected error for empty hash")
	}
}

func TestHashSecret_TooShort(t *testing.T) {
	if _, err := HashSecret("short"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEqualSecret(t *testing.T) {
	if !EqualSecret("shared", "shared") {
		t.Fatalf("expected equal")
	}
	if EqualSecret("shared", "other") {
		t.Fatalf("expected not equal")
	}
	if EqualSecret("", "") {
		t.Fatalf("empty secrets must never match")
	}
}
