package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-resto/internal/common"
)

const (
	defaultTTL      = 72 * time.Hour
	defaultIssuer   = "backend-resto"
	defaultAudience = "resto-storefront"
)

// Config configures the session Service.
type Config struct {
	Secret    string
	TTL       time.Duration
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Service issues and verifies anonymous guest session tokens. A session id
// keys the guest's cart and checkout; no account is involved.
type Service struct {
	secret    []byte
	ttl       time.Duration
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
	validator TokenValidator
}

// Token is an issued session.
type Token struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("session: secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	clockSkew := cfg.ClockSkew
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &Service{
		secret:    []byte(secret),
		ttl:       ttl,
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
		now:       time.Now,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
	}, nil
}

// WithNow overrides the clock; tests use it to exercise expiry.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// TTL returns the lifetime of issued tokens.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs a token for sessionID, generating a new id when it is empty.
func (s *Service) Issue(sessionID string) (Token, error) {
	if s == nil {
		return Token{}, errors.New("session service not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	tok, err := jwt.NewBuilder().
		Subject(sessionID).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt).
		Build()
	if err != nil {
		return Token{}, err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return Token{}, err
	}
	return Token{SessionID: sessionID, Token: string(signed), ExpiresAt: expiresAt}, nil
}

// Parse validates token and returns the session id it carries.
func (s *Service) Parse(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", common.NewAppError("UNAUTHORIZED", "missing session token", http.StatusUnauthorized, nil)
	}
	algorithm, err := tokenAlgorithm(trimmed)
	if err != nil {
		return "", common.NewAppError("UNAUTHORIZED", "invalid session token", http.StatusUnauthorized, err)
	}
	if algorithm != s.validator.Algorithm {
		return "", common.NewAppError("UNAUTHORIZED", "invalid session token", http.StatusUnauthorized, nil)
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret), jwt.WithValidate(false))
	if err != nil {
		return "", common.NewAppError("UNAUTHORIZED", "invalid session token", http.StatusUnauthorized, err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return "", common.NewAppError("UNAUTHORIZED", "invalid session token", http.StatusUnauthorized, err)
	}
	return parsed.Subject(), nil
}
