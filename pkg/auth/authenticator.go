package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of minted tenant tokens.
const DefaultTTL = time.Hour

var (
	// ErrTokenExpired marks a structurally valid token past its exp claim.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid covers every other verification failure. The detail
	// stays server-side; callers see a uniform rejection.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Config configures the tenant token authenticator.
type Config struct {
	// Secret signs and verifies HS256 tokens. At least 32 bytes.
	Secret []byte
	// Issuer, when set, is required on every token.
	Issuer string
	// TTL bounds minted tokens. Zero selects DefaultTTL.
	TTL time.Duration
}

// Authenticator verifies tenant bearer tokens: HS256 JWTs whose subject
// is the tenant id, with exp and iat required.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator validates cfg and returns an Authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("auth: signing secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Authenticator{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    time.Now,
	}, nil
}

// Mint issues a token for tenantID. Used by the seed CLI and tests;
// production deployments usually mint at their identity provider.
func (a *Authenticator) Mint(tenantID string) (string, error) {
	if tenantID == "" {
		return "", errors.New("auth: tenant id must not be empty")
	}
	now := a.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   tenantID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	if a.issuer != "" {
		claims.Issuer = a.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate verifies token and returns the principal it names.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.IssuedAt == nil {
		return Principal{}, ErrTokenInvalid
	}
	return Principal{TenantID: claims.Subject}, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
	}
	return a.secret, nil
}
