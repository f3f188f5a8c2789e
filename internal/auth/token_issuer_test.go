package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesDeviceTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "solostack-relay",
		Audience:      "solostack-sync",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueDeviceToken(context.Background(), "device-a")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != 1800 {
		t.Fatalf("expected 1800 second lifetime, got %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "device-a" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "solostack-relay" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "solostack-sync" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "solostack-relay",
		Audience:      "solostack-sync",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "device-b")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	deviceID, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if deviceID != "device-b" {
		t.Fatalf("unexpected device %s", deviceID)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
	if _, _, err := issuer.IssueDeviceToken(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for blank device id")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "solostack-relay",
		Audience:      "solostack-sync",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "device-c")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	cases := map[string]TokenIssuerConfig{
		"missing secret":   {Issuer: "solostack-relay", Audience: "solostack-sync", TokenTTL: time.Minute},
		"missing issuer":   {SigningSecret: []byte("secret"), Audience: "solostack-sync", TokenTTL: time.Minute},
		"missing audience": {SigningSecret: []byte("secret"), Issuer: "solostack-relay", Audience: " ", TokenTTL: time.Minute},
		"zero ttl":         {SigningSecret: []byte("secret"), Issuer: "solostack-relay", Audience: "solostack-sync"},
	}
	for name, cfg := range cases {
		if _, err := NewTokenIssuer(cfg); err == nil {
			t.Fatalf("%s: expected constructor error", name)
		}
	}
}
