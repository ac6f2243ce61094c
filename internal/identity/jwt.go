package identity

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidKey is returned when PEM or key type is invalid.
var ErrInvalidKey = errors.New("invalid key")

// accessClaims are the claims read from access tokens issued by the access control service.
type accessClaims struct {
	jwt.RegisteredClaims
	UserID  json.RawMessage `json:"user_id,omitempty"`
	IsAdmin bool            `json:"is_admin,omitempty"`
	Role    json.RawMessage `json:"role,omitempty"`
}

// JWTResolver validates RS256 or ES256 access tokens locally with the issuer's public key.
type JWTResolver struct {
	publicKey crypto.PublicKey
	issuer    string
	audience  string
}

// NewJWTResolver parses publicKeyPEM (inline PEM or file path). Empty issuer or audience skips that check.
func NewJWTResolver(publicKeyPEM, issuer, audience string) (*JWTResolver, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	if KeyAlg(pub) == "" {
		return nil, ErrInvalidKey
	}
	return &JWTResolver{publicKey: pub, issuer: issuer, audience: audience}, nil
}

// Resolve parses and validates the token (signature, exp, iss, aud). Every failure is ErrUnauthorized.
func (r *JWTResolver) Resolve(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "ES256"}), jwt.WithExpirationRequired()}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	if r.audience != "" {
		opts = append(opts, jwt.WithAudience(r.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			return r.publicKey, nil
		}
		return nil, ErrUnauthorized
	}, opts...)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrUnauthorized
	}

	subject, ok := parseSubject(claims.UserID)
	if !ok {
		n, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
		if err != nil {
			return Identity{}, ErrUnauthorized
		}
		subject = n
	}
	return Identity{SubjectID: subject, IsAdmin: claims.IsAdmin || isAdminRole(claims.Role)}, nil
}

// LoadPEM reads content from path if s does not look like inline PEM; otherwise returns s as bytes.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	return os.ReadFile(s)
}

// ParsePublicKey parses a PEM-encoded public key (RSA or ECDSA). s may be inline PEM or a file path.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// KeyAlg returns "RS256" for RSA and "ES256" for ECDSA; empty otherwise.
func KeyAlg(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		return "ES256"
	default:
		return ""
	}
}
