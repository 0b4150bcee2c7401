// Package token signs and validates the stateless HS256 access tokens.
//
// A token carries the user's id (sub), name, email, role and a unique jti.
// The jti is the key that pairs an access token with its refresh token
// record, so it is required on every token this package accepts.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/storefront-identity/internal/model"
)

var (
	// ErrMalformed is returned when the input is not a parseable JWT.
	ErrMalformed = errors.New("token malformed")
	// ErrInvalidSignature is returned when the HMAC does not verify.
	ErrInvalidSignature = errors.New("token signature invalid")
	// ErrUnsupportedAlgorithm is returned for any alg other than HS256, "none" included.
	ErrUnsupportedAlgorithm = errors.New("token signing algorithm not accepted")
	// ErrExpired is returned when lifetime is validated and exp has passed.
	ErrExpired = errors.New("token expired")
	// ErrInvalidClaims covers issuer, audience, not-before and missing sub/jti.
	ErrInvalidClaims = errors.New("token claims invalid")
)

var signingMethod = jwt.SigningMethodHS256

// Claims is the access token payload.
type Claims struct {
	UserName string `json:"name,omitempty"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// UserID parses the numeric subject.
func (c *Claims) UserID() (uint64, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q", ErrInvalidClaims, c.Subject)
	}
	return id, nil
}

// Options configures a Codec. Secret must be non-empty.
type Options struct {
	Secret           string
	Issuer           string
	Audience         string
	TTL              time.Duration
	ClockSkew        time.Duration
	ValidateIssuer   bool
	ValidateAudience bool
}

// Issued is a freshly signed access token.
type Issued struct {
	Token     string
	JwtID     string
	ExpiresAt time.Time
}

// Codec issues and parses access tokens. It holds no mutable state and is
// safe for concurrent use.
type Codec struct {
	secret []byte
	opts   Options
	now    func() time.Time
}

// NewCodec builds a Codec. A nil clock means time.Now.
func NewCodec(opts Options, now func() time.Time) (*Codec, error) {
	if opts.Secret == "" {
		return nil, errors.New("token: empty signing secret")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("token: TTL must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: []byte(opts.Secret), opts: opts, now: now}, nil
}

// TTL returns the configured access token lifetime.
func (c *Codec) TTL() time.Duration { return c.opts.TTL }

// Policy returns the configured validation policy with lifetime checks on.
func (c *Codec) Policy() Policy {
	return Policy{
		ValidateLifetime: true,
		ValidateIssuer:   c.opts.ValidateIssuer,
		ValidateAudience: c.opts.ValidateAudience,
		ClockSkew:        c.opts.ClockSkew,
	}
}

// Issue signs an access token for u bound to jti.
func (c *Codec) Issue(u model.User, jti string) (Issued, error) {
	if jti == "" {
		return Issued{}, fmt.Errorf("%w: empty jti", ErrInvalidClaims)
	}
	now := c.now().UTC()
	exp := now.Add(c.opts.TTL)
	claims := Claims{
		UserName: u.UserName,
		Email:    u.Email,
		Role:     string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(u.ID, 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	if c.opts.Issuer != "" {
		claims.Issuer = c.opts.Issuer
	}
	if c.opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.opts.Audience}
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(c.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign access token: %w", err)
	}
	return Issued{Token: signed, JwtID: jti, ExpiresAt: exp}, nil
}

// ParseAndValidate verifies raw under p and returns its claims. Algorithm
// and signature are always checked; p only decides lifetime, issuer and
// audience.
func (c *Codec) ParseAndValidate(raw string, p Policy) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.NewParser(c.parserOptions(p)...).ParseWithClaims(raw, claims, c.keyFunc)
	if err != nil {
		return nil, classify(err)
	}
	if !p.ValidateLifetime {
		if err := c.checkIssuerAudience(claims, p); err != nil {
			return nil, err
		}
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub or jti", ErrInvalidClaims)
	}
	return claims, nil
}

func (c *Codec) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method == nil || t.Method.Alg() != signingMethod.Alg() {
		return nil, ErrUnsupportedAlgorithm
	}
	return c.secret, nil
}

func (c *Codec) parserOptions(p Policy) []jwt.ParserOption {
	if !p.ValidateLifetime {
		// registered-claim validation is all-or-nothing in jwt/v5; issuer and
		// audience are re-checked by hand
		return []jwt.ParserOption{jwt.WithoutClaimsValidation()}
	}
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(c.now),
		jwt.WithLeeway(p.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if p.ValidateIssuer {
		opts = append(opts, jwt.WithIssuer(c.opts.Issuer))
	}
	if p.ValidateAudience {
		opts = append(opts, jwt.WithAudience(c.opts.Audience))
	}
	return opts
}

func (c *Codec) checkIssuerAudience(claims *Claims, p Policy) error {
	if p.ValidateIssuer && claims.Issuer != c.opts.Issuer {
		return fmt.Errorf("%w: issuer", ErrInvalidClaims)
	}
	if p.ValidateAudience {
		for _, aud := range claims.Audience {
			if aud == c.opts.Audience {
				return nil
			}
		}
		return fmt.Errorf("%w: audience", ErrInvalidClaims)
	}
	return nil
}

// classify collapses jwt/v5 errors onto this package's coarse kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnsupportedAlgorithm), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrUnsupportedAlgorithm
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return ErrInvalidClaims
	default:
		return ErrMalformed
	}
}
