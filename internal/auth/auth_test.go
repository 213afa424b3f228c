package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "s3cret") {
		t.Error("expected matching password to check")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("expected wrong password to fail")
	}
	if CheckPassword("", "s3cret") {
		t.Error("expected empty hash to fail")
	}
}

func TestIssueVerify(t *testing.T) {
	tokens := NewTokens("secret", "prognosis", time.Hour)
	raw, err := tokens.Issue(Identity{UID: "u1", Email: "ann@example.com", Name: "Ann"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := tokens.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UID != "u1" || id.Email != "ann@example.com" || id.Name != "Ann" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	tokens := NewTokens("secret", "prognosis", time.Hour)
	valid, _ := tokens.Issue(Identity{UID: "u1"})

	expired := NewTokens("secret", "prognosis", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredRaw, _ := expired.Issue(Identity{UID: "u1"})

	otherSecret, _ := NewTokens("other", "prognosis", time.Hour).Issue(Identity{UID: "u1"})
	otherIssuer, _ := NewTokens("secret", "someone-else", time.Hour).Issue(Identity{UID: "u1"})
	noSubject, _ := tokens.Issue(Identity{})

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	noneRaw, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-token"},
		{"tampered", valid + "x"},
		{"expired", expiredRaw},
		{"wrong secret", otherSecret},
		{"wrong issuer", otherIssuer},
		{"no subject", noSubject},
		{"alg none", noneRaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tokens.Verify(tt.raw); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNotConfigured(t *testing.T) {
	tokens := NewTokens("", "", time.Hour)
	if tokens.Configured() {
		t.Error("expected unconfigured")
	}
	if _, err := tokens.Verify("x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := tokens.Issue(Identity{UID: "u1"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
