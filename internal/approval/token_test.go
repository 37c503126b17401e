package approval_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmerrifield20/stateledger/internal/approval"
)

const testIssuer = "stateledger"

func newTestIssuer(t *testing.T, ttl time.Duration) *approval.Issuer {
	t.Helper()
	i, err := approval.NewIssuer([]byte("test-secret"), testIssuer, ttl)
	if err != nil {
		t.Fatal(err)
	}
	return i
}

func TestNewIssuer_missingSecret(t *testing.T) {
	if _, err := approval.NewIssuer(nil, testIssuer, 0); !errors.Is(err, approval.ErrMissingSecret) {
		t.Errorf("expected ErrMissingSecret, got %v", err)
	}
}

func TestNewIssuer_defaultTTL(t *testing.T) {
	if got := newTestIssuer(t, 0).TTL(); got != approval.DefaultTTL {
		t.Errorf("TTL: got %v, want %v", got, approval.DefaultTTL)
	}
}

func TestIssuer_Issue(t *testing.T) {
	token, claims, err := newTestIssuer(t, time.Hour).Issue("costrequest", 12, "02abcd")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}
	if claims.ID == "" {
		t.Error("expected a jti")
	}
	if claims.Subject != "costrequest:12" {
		t.Errorf("Subject: got %q", claims.Subject)
	}
}

func TestIssuer_Verify_valid(t *testing.T) {
	i := newTestIssuer(t, time.Hour)
	token, issued, err := i.Issue("costrequest", 12, "02abcd")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := i.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.EntityID != 12 || claims.Kind != "costrequest" {
		t.Errorf("entity: got %s %d", claims.Kind, claims.EntityID)
	}
	if claims.PublicKey != "02abcd" {
		t.Errorf("PublicKey: got %q", claims.PublicKey)
	}
	if claims.ID != issued.ID {
		t.Errorf("jti: got %q, want %q", claims.ID, issued.ID)
	}
}

func TestIssuer_Verify_expired(t *testing.T) {
	i := newTestIssuer(t, time.Nanosecond)
	token, _, err := i.Issue("costrequest", 1, "02abcd")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * time.Millisecond)

	if _, err := i.Verify(token); !errors.Is(err, approval.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestIssuer_Verify_wrongSecret(t *testing.T) {
	token, _, err := newTestIssuer(t, time.Hour).Issue("costrequest", 1, "02abcd")
	if err != nil {
		t.Fatal(err)
	}
	other, err := approval.NewIssuer([]byte("other-secret"), testIssuer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Verify(token); !errors.Is(err, approval.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssuer_Verify_wrongIssuer(t *testing.T) {
	token, _, err := newTestIssuer(t, time.Hour).Issue("costrequest", 1, "02abcd")
	if err != nil {
		t.Fatal(err)
	}
	other, err := approval.NewIssuer([]byte("test-secret"), "elsewhere", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Verify(token); !errors.Is(err, approval.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssuer_Verify_garbage(t *testing.T) {
	if _, err := newTestIssuer(t, time.Hour).Verify("not-a-token"); !errors.Is(err, approval.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssuer_Verify_subjectMustNameEntity(t *testing.T) {
	i := newTestIssuer(t, time.Hour)
	now := time.Now()
	for _, sub := range []string{"costrequest:2", "costrequest:abc", "costcode:1", "costrequest"} {
		t.Run(sub, func(t *testing.T) {
			claims := &approval.Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Issuer:    testIssuer,
					Subject:   sub,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				},
				Kind:      "costrequest",
				EntityID:  1,
				PublicKey: "02abcd",
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := i.Verify(token); !errors.Is(err, approval.ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		sub     string
		kind    string
		id      int64
		wantErr bool
	}{
		{"costcode:7", "costcode", 7, false},
		{"costrequest:123", "costrequest", 123, false},
		{"costcode", "", 0, true},
		{":7", "", 0, true},
		{"costcode:x", "", 0, true},
		{"costcode:0", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.sub, func(t *testing.T) {
			kind, id, err := approval.ParseSubject(tt.sub)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if kind != tt.kind || id != tt.id {
				t.Errorf("got (%q, %d), want (%q, %d)", kind, id, tt.kind, tt.id)
			}
		})
	}
}
