package auth

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("tenant-a", "admin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.TenantID != "tenant-a" || claims.Role != "admin" {
		t.Errorf("claims mismatch: %+v", claims)
	}
	if claims.Issuer != "wattwise" || claims.Audience != "wattwise-api" {
		t.Errorf("standard claims mismatch: %+v", claims)
	}
}

func TestTamperedClaimsRejected(t *testing.T) {
	token, err := GenerateToken("tenant-a", "viewer")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	parts := strings.Split(token, ".")
	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var claims Claims
	json.Unmarshal(claimsJSON, &claims)
	claims.Role = "admin"
	forged, _ := json.Marshal(claims)
	parts[1] = base64UrlEncode(forged)

	if _, err := ValidateToken(strings.Join(parts, ".")); err == nil {
		t.Errorf("expected signature rejection for tampered claims")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	token, err := GenerateToken("tenant-a", "viewer")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	parts := strings.Split(token, ".")
	claimsJSON, _ := base64UrlDecode(parts[1])
	var claims Claims
	json.Unmarshal(claimsJSON, &claims)
	claims.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	expired, _ := json.Marshal(claims)
	body := base64UrlEncode(expired)
	resigned := parts[0] + "." + body
	resigned = resigned + "." + computeHMAC(resigned, jwtSecret)

	if _, err := ValidateToken(resigned); err == nil {
		t.Errorf("expected expiry rejection")
	}
}

func TestMalformedTokenRejected(t *testing.T) {
	for _, tok := range []string{"", "a.b", "not-a-token", "a.b.c.d"} {
		if _, err := ValidateToken(tok); err == nil {
			t.Errorf("expected rejection for %q", tok)
		}
	}
}
