package integration

import (
	"crypto/rand"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a random per-harness secret.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer() *tokenIssuer {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("generate secret: " + err.Error())
	}
	return &tokenIssuer{
		secret:   secret,
		issuer:   "https://auth.test.caseflow.dev",
		audience: "caseflow-test",
	}
}

func (ti *tokenIssuer) claims(c TestClaims, issuedAt, expires time.Time) jwt.MapClaims {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expires),
		"sub":   c.SubjectID,
		"email": c.Email,
	}
	if len(c.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(c.Roles))
		for i, r := range c.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}
	maps.Copy(mapClaims, c.Extra)
	return mapClaims
}

func (ti *tokenIssuer) sign(claims jwt.MapClaims) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now, now.Add(time.Hour)))
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return ti.sign(ti.claims(c, now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

// Secret returns the HMAC key tokens are signed with.
func (ti *tokenIssuer) Secret() []byte {
	return ti.secret
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
