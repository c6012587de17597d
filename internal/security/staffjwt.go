package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a staff token is malformed or invalid.
var ErrInvalidToken = errors.New("invalid token")

// StaffClaims holds JWT claims for staff and back-office service tokens.
type StaffClaims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id"`
	Role  string `json:"role"`
}

// StaffVerifier validates staff JWTs (RS256 or ES256) against a public key,
// issuer, and audience. The portal service never issues staff tokens; the
// identity platform does.
type StaffVerifier struct {
	publicKey crypto.PublicKey
	issuer    string
	audience  string
}

// NewStaffVerifier returns a verifier for staff tokens signed by the identity
// platform's key.
func NewStaffVerifier(publicKey crypto.PublicKey, issuer, audience string) *StaffVerifier {
	return &StaffVerifier{publicKey: publicKey, issuer: issuer, audience: audience}
}

// Verify parses and validates the token (signature, exp, iss, aud).
func (v *StaffVerifier) Verify(tokenString string) (*StaffClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StaffClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return v.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return v.publicKey, nil
		}
		return nil, ErrInvalidToken
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*StaffClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return nil, ErrInvalidToken
	}
	audOk := false
	for _, a := range claims.Audience {
		if a == v.audience {
			audOk = true
			break
		}
	}
	if !audOk {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// StaffIssuer signs staff JWTs. Used by cmd/seed for local development and by
// tests; production tokens come from the identity platform.
type StaffIssuer struct {
	privateKey crypto.Signer
	issuer     string
	audience   string
	ttl        time.Duration
}

// NewStaffIssuer returns an issuer signing with the given private key (RS256 or ES256).
func NewStaffIssuer(privateKey crypto.Signer, issuer, audience string, ttl time.Duration) *StaffIssuer {
	return &StaffIssuer{privateKey: privateKey, issuer: issuer, audience: audience, ttl: ttl}
}

// Issue signs a staff token for the given subject, org, and role.
func (i *StaffIssuer) Issue(subject, orgID, role string) (string, error) {
	var method jwt.SigningMethod
	switch i.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	now := time.Now().UTC()
	claims := StaffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		OrgID: orgID,
		Role:  role,
	}
	return jwt.NewWithClaims(method, claims).SignedString(i.privateKey)
}
