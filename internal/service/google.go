package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// GoogleIdentity is the verified subset of a Google ID token.
type GoogleIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	GivenName     string
	Name          string
}

// GoogleVerifier validates a Google ID token for this service's client id.
type GoogleVerifier interface {
	Verify(ctx context.Context, idToken string) (GoogleIdentity, error)
}

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

var errGoogleClaims = errors.New("google id token claims rejected")

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

// JWKSGoogleVerifier checks RS256 signatures against Google's published
// keys. The key set is fetched on first use and refreshed in the
// background afterwards.
type JWKSGoogleVerifier struct {
	clientID string
	jwksURL  string
	log      *zap.Logger

	mu   sync.Mutex
	jwks *keyfunc.JWKS
}

func NewGoogleVerifier(clientID, jwksURL string, log *zap.Logger) *JWKSGoogleVerifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWKSGoogleVerifier{clientID: clientID, jwksURL: jwksURL, log: log}
}

// NewStaticGoogleVerifier uses a fixed key set and never fetches.
func NewStaticGoogleVerifier(clientID string, jwks *keyfunc.JWKS) *JWKSGoogleVerifier {
	return &JWKSGoogleVerifier{clientID: clientID, jwks: jwks, log: zap.NewNop()}
}

func (v *JWKSGoogleVerifier) keys() (*keyfunc.JWKS, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.jwks != nil {
		return v.jwks, nil
	}
	jwks, err := keyfunc.Get(v.jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			v.log.Warn("google jwks refresh failed", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch google jwks: %w", err)
	}
	v.jwks = jwks
	return jwks, nil
}

// Close stops the background key refresh.
func (v *JWKSGoogleVerifier) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

func (v *JWKSGoogleVerifier) Verify(ctx context.Context, idToken string) (GoogleIdentity, error) {
	if err := ctx.Err(); err != nil {
		return GoogleIdentity{}, err
	}
	jwks, err := v.keys()
	if err != nil {
		return GoogleIdentity{}, err
	}

	claims := &googleClaims{}
	_, err = jwt.ParseWithClaims(idToken, claims, jwks.Keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("parse google id token: %w", err)
	}
	if !validGoogleIssuer(claims.Issuer) {
		return GoogleIdentity{}, fmt.Errorf("%w: issuer %q", errGoogleClaims, claims.Issuer)
	}
	if v.clientID == "" || !claims.VerifyAudience(v.clientID, true) {
		return GoogleIdentity{}, fmt.Errorf("%w: audience", errGoogleClaims)
	}
	if claims.Subject == "" || strings.TrimSpace(claims.Email) == "" {
		return GoogleIdentity{}, fmt.Errorf("%w: missing sub or email", errGoogleClaims)
	}
	return GoogleIdentity{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		GivenName:     claims.GivenName,
		Name:          claims.Name,
	}, nil
}

func validGoogleIssuer(iss string) bool {
	for _, ok := range googleIssuers {
		if iss == ok {
			return true
		}
	}
	return false
}
