package httpapi

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasira/backend/internal/domain"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	auth := NewAuthManager("test-secret-key-with-enough-length!!", time.Hour)

	resp, err := auth.Issue(domain.User{ID: "u-kasir", Role: domain.RoleCashier, BranchID: "b1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if resp.ExpiresAt == "" || resp.User.ID != "u-kasir" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor != (domain.Actor{UserID: "u-kasir", Role: domain.RoleCashier, BranchID: "b1"}) {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestOwnerTokenCarriesNoBranch(t *testing.T) {
	auth := NewAuthManager("test-secret-key-with-enough-length!!", time.Hour)
	resp, err := auth.Issue(domain.User{ID: "u-owner", Role: domain.RoleOwner, BranchID: "b1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.BranchID != "" {
		t.Fatalf("owner token must not pin a branch, got %q", actor.BranchID)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	auth := NewAuthManager("test-secret-key-with-enough-length!!", time.Minute)
	issuedAt := time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return issuedAt }

	resp, err := auth.Issue(domain.User{ID: "u-owner", Role: domain.RoleOwner})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	auth.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestTokenWithUnknownRoleRejected(t *testing.T) {
	secret := "test-secret-key-with-enough-length!!"
	auth := NewAuthManager(secret, time.Hour)

	claims := kasiraClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "u-x",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "superuser",
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(signed); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}

	claims.Role = domain.RoleCashier
	signed, _ = jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	if _, err := auth.ParseToken(signed); err == nil {
		t.Fatalf("expected cashier token without branch to be rejected")
	}
}

func TestNoneAlgorithmRejected(t *testing.T) {
	auth := NewAuthManager("test-secret-key-with-enough-length!!", time.Hour)
	claims := kasiraClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "u-owner", ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             domain.RoleOwner,
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(signed); err == nil {
		t.Fatalf("expected unsigned token to be rejected")
	}
}

func TestIssueRequiresIdentity(t *testing.T) {
	auth := NewAuthManager("", 0)
	if _, err := auth.Issue(domain.User{Role: domain.RoleOwner}); err == nil {
		t.Fatalf("expected issue without user id to fail")
	}
}
