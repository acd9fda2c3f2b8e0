package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator checks issuer, audience, expiry and algorithm of a session token.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
}

// Validate ensures tok satisfies the configured claims at now.
func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("session: token is nil")
	}
	if algorithm == "" {
		return errors.New("session: token missing algorithm")
	}
	if v.Algorithm != "" && algorithm != v.Algorithm {
		return fmt.Errorf("session: unexpected token algorithm %s", algorithm)
	}
	if tok.Subject() == "" {
		return errors.New("session: token missing subject")
	}

	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	}
	if v.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}
	return jwt.Validate(tok, options...)
}

// tokenAlgorithm reads the signing algorithm from the protected headers,
// refusing unsigned and mixed-algorithm tokens.
func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("session: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("session: token missing protected headers")
		}
		alg := headers.Algorithm()
		switch {
		case alg == "":
			return "", errors.New("session: token missing algorithm")
		case alg == jwa.NoSignature:
			return "", errors.New("session: token uses none algorithm")
		case algorithm == "":
			algorithm = alg
		case algorithm != alg:
			return "", errors.New("session: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}
