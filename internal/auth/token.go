package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Claims carried by the session token. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Signer issues session tokens for the login surface, seeding and tests
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Sign returns an HS256 token for userID valid for the configured TTL
func (s *Signer) Sign(userID string) (string, error) {
	return s.SignWithTTL(userID, s.ttl)
}

// SignWithTTL is Sign with an explicit lifetime; a negative ttl yields an already expired token
func (s *Signer) SignWithTTL(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("cannot sign a token without a subject")
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verifier validates a raw session token and resolves it to an identity
// ARCHITECTURAL DISCOVERY: The only side effect is one user-store read, so the
// verifier is safe to call from every handshake goroutine concurrently
type Verifier struct {
	secret []byte
	issuer string
	users  interfaces.UserStore
}

func NewVerifier(secret, issuer string, users interfaces.UserStore) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, users: users}
}

// Verify returns the identity for rawToken or an error wrapping ErrAuthentication
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*types.Identity, error) {
	if rawToken == "" {
		return nil, authError(ErrMissingToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, authError(classify(err))
	}

	if claims.Subject == "" || !types.IsValidID(claims.Subject) {
		return nil, authError(ErrMalformedToken)
	}

	identity, err := v.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, authError(ErrUnknownUser)
		}
		// Store outage: still an authentication failure for the caller, cause kept for logs
		return nil, authError(fmt.Errorf("failed to resolve user: %w", err))
	}

	return identity, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
