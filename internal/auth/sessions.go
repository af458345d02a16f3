package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultIssuer = "agentconsole"

type sessionClaims struct {
	BackendToken string `json:"bt"`
	Method       Method `json:"method"`
	jwt.RegisteredClaims
}

// Sessions mints and parses the console session cookie. The cookie wraps the
// backend token so the browser never needs to hold it directly.
type Sessions struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret, issuer string, ttl time.Duration) (*Sessions, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be > 0 (got %s)", ttl)
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &Sessions{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

func (s *Sessions) TTL() time.Duration {
	return s.ttl
}

func (s *Sessions) Issue(creds Credentials) (string, error) {
	if !creds.Valid() {
		return "", ErrMissingCredentials
	}
	method := creds.Method
	if method == "" {
		method = MethodCredentials
	}
	now := s.now()
	claims := &sessionClaims{
		BackendToken: creds.Token,
		Method:       method,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creds.Subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

func (s *Sessions) Parse(raw string) (Credentials, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !token.Valid || strings.TrimSpace(claims.BackendToken) == "" {
		return Credentials{}, ErrInvalidSession
	}
	method, ok := ParseMethod(string(claims.Method))
	if !ok {
		return Credentials{}, fmt.Errorf("%w: unknown method %q", ErrInvalidSession, claims.Method)
	}
	return Credentials{Token: claims.BackendToken, Method: method, Subject: claims.Subject}, nil
}
