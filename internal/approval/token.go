// Package approval issues and verifies the short-lived tokens that authorise
// a decision on a ledger entity.
package approval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of an approval token when none is configured.
const DefaultTTL = 3 * time.Hour

var (
	ErrMissingSecret = errors.New("approval: signing secret required")
	ErrTokenExpired  = errors.New("approval: token expired")
	ErrInvalidToken  = errors.New("approval: invalid token")
)

// Claims are the JWT claims of an approval token. The subject is
// "<kind>:<id>" of the entity the token authorises.
type Claims struct {
	jwt.RegisteredClaims
	Kind      string `json:"kind"`
	EntityID  int64  `json:"entity_id"`
	PublicKey string `json:"public_key"`
}

// Issuer issues and verifies approval tokens signed with HS256.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer creates an Issuer.
//
//	issuer: The "iss" claim value.
//	ttl:    Token lifetime (default: 3 hours).
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed token for the entity (kind, id) bound to the
// entity's public key.
func (i *Issuer) Issue(kind string, id int64, publicKey string) (string, *Claims, error) {
	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   Subject(kind, id),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Kind:      kind,
		EntityID:  id,
		PublicKey: publicKey,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign approval token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates an approval token, returning its claims.
// Expired tokens yield ErrTokenExpired; every other failure ErrInvalidToken.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	kind, id, err := ParseSubject(claims.Subject)
	if err != nil {
		return nil, err
	}
	if kind != claims.Kind || id != claims.EntityID {
		return nil, fmt.Errorf("%w: subject %q does not name the entity", ErrInvalidToken, claims.Subject)
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Subject formats the token subject of an entity.
func Subject(kind string, id int64) string {
	return kind + ":" + strconv.FormatInt(id, 10)
}

// ParseSubject splits a token subject into kind and id.
func ParseSubject(sub string) (string, int64, error) {
	kind, idStr, ok := strings.Cut(sub, ":")
	if !ok || kind == "" {
		return "", 0, fmt.Errorf("%w: subject %q", ErrInvalidToken, sub)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: subject %q", ErrInvalidToken, sub)
	}
	return kind, id, nil
}
