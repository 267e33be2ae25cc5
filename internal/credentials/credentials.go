// Package credentials verifies end-user sessions and mints the short-lived
// elevated credentials required for privileged transitions.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"taskmarket/internal/apperr"
	"taskmarket/internal/commerce"
	"taskmarket/internal/process"
)

const (
	ScopeSession  = "session"
	ScopeElevated = "elevated"
)

type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Session is a verified end-user session.
type Session struct {
	Subject   string
	ID        string
	ExpiresAt time.Time
}

// MintSession signs a session token. The core never issues sessions in
// production; this backs the dev CLI and tests.
func MintSession(secret, issuer, subject string, ttl time.Duration, now time.Time) (string, error) {
	return sign(secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: ScopeSession,
	})
}

func VerifySession(token, secret string, now time.Time) (Session, error) {
	claims, err := parse(token, secret, ScopeSession, now)
	if err != nil {
		return Session{}, err
	}
	s := Session{Subject: claims.Subject, ID: claims.ID}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// VerifyElevated checks a credential minted by Issuer.
func VerifyElevated(token, secret string, now time.Time) (commerce.Credential, error) {
	claims, err := parse(token, secret, ScopeElevated, now)
	if err != nil {
		return commerce.Credential{}, err
	}
	cred := commerce.Credential{Token: token, Subject: claims.Subject, Elevated: true}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

func sign(secret string, claims Claims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("signing secret not configured")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parse(token, secret, scope string, now time.Time) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	if claims.Scope != scope {
		return nil, fmt.Errorf("token scope %q, want %q", claims.Scope, scope)
	}
	return claims, nil
}

// Issuer exchanges sessions for elevated credentials.
type Issuer struct {
	SessionSecret  string
	ElevatedSecret string
	Name           string
	TTL            time.Duration
	Revocations    RevocationChecker
	Now            func() time.Time
}

var _ commerce.CredentialIssuer = Issuer{}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i Issuer) Exchange(ctx context.Context, session string) (commerce.Credential, error) {
	now := i.now()
	s, err := VerifySession(session, i.SessionSecret, now)
	if err != nil {
		return commerce.Credential{}, apperr.Wrap(apperr.KindCredentialExchangeFailed, err, "session invalid")
	}
	if s.Subject == process.SystemActor {
		return commerce.Credential{}, apperr.New(apperr.KindCredentialExchangeFailed, "reserved subject")
	}
	if i.Revocations != nil && s.ID != "" {
		revoked, err := i.Revocations.IsRevoked(ctx, s.ID)
		if err != nil {
			return commerce.Credential{}, apperr.Wrap(apperr.KindCredentialExchangeFailed, err, "revocation check failed")
		}
		if revoked {
			return commerce.Credential{}, apperr.New(apperr.KindCredentialExchangeFailed, "session revoked")
		}
	}
	return i.mint(s.Subject, now)
}

// System mints an elevated credential for time-driven transitions.
func (i Issuer) System() (commerce.Credential, error) {
	return i.mint(process.SystemActor, i.now())
}

func (i Issuer) mint(subject string, now time.Time) (commerce.Credential, error) {
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	exp := now.Add(ttl)
	token, err := sign(i.ElevatedSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.Name,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Scope: ScopeElevated,
	})
	if err != nil {
		return commerce.Credential{}, apperr.Wrap(apperr.KindCredentialExchangeFailed, err, "mint elevated credential")
	}
	return commerce.Credential{Token: token, Subject: subject, Elevated: true, ExpiresAt: exp}, nil
}
