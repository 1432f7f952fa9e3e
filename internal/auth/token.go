// Package auth validates the bearer tokens clients present in their AUTH
// frame.
package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrUserMismatch = errors.New("auth: token belongs to another user")
)

const defaultLeeway = 5 * time.Second

// Validator checks that token proves the identity userID.
type Validator interface {
	Validate(ctx context.Context, userID int64, token string) error
}

// UserID is the userId claim. Issuers write it as a string or a number.
type UserID int64

func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("userId %q: %w", s, err)
		}
		*u = UserID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("userId: %w", err)
	}
	*u = UserID(n)
	return nil
}

func (u UserID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(u), 10))
}

// Claims are the token claims the gateway relies on. A token without a
// userId claim proves no identity.
type Claims struct {
	UserID *UserID `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates signed JWTs.
type JWTValidator struct {
	key    any
	method jwt.SigningMethod
}

// NewHMACValidator accepts HS256 tokens signed with secret.
func NewHMACValidator(secret []byte) *JWTValidator {
	return &JWTValidator{key: secret, method: jwt.SigningMethodHS256}
}

// NewEd25519Validator accepts EdDSA tokens signed by the key behind pub.
func NewEd25519Validator(pub ed25519.PublicKey) *JWTValidator {
	return &JWTValidator{key: pub, method: jwt.SigningMethodEdDSA}
}

// Validate checks signature, expiry and that the userId claim equals userID.
// A subject, when present, must name the same user.
func (v *JWTValidator) Validate(_ context.Context, userID int64, token string) error {
	if token == "" {
		return ErrMissingToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(defaultLeeway),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == nil {
		return fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}
	if int64(*claims.UserID) != userID {
		return ErrUserMismatch
	}
	if claims.Subject != "" && claims.Subject != strconv.FormatInt(userID, 10) {
		return ErrUserMismatch
	}
	return nil
}

// Signer mints tokens the matching validator accepts.
type Signer struct {
	key    any
	method jwt.SigningMethod
}

// NewHMACSigner signs HS256 tokens.
func NewHMACSigner(secret []byte) *Signer {
	return &Signer{key: secret, method: jwt.SigningMethodHS256}
}

// NewEd25519Signer signs EdDSA tokens.
func NewEd25519Signer(priv ed25519.PrivateKey) *Signer {
	return &Signer{key: priv, method: jwt.SigningMethodEdDSA}
}

// Sign issues a token for userID valid for ttl.
func (s *Signer) Sign(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	uid := UserID(userID)
	claims := Claims{
		UserID: &uid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}
