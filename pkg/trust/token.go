package trust

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a trust token fails verification.
var ErrInvalidToken = errors.New("invalid trust token")

// Claims is the JWT payload carrying a trust context.
type Claims struct {
	jwt.RegisteredClaims
	Trust        int      `json:"trust"`
	Capabilities []string `json:"caps,omitempty"`
}

// TokenCodec decodes trust contexts from HMAC-signed bearer tokens issued by the
// trust service. Issue exists for operators and tests.
type TokenCodec struct {
	key    []byte
	issuer string
	clock  func() time.Time
}

// NewTokenCodec creates a codec for tokens signed with key by issuer.
func NewTokenCodec(key []byte, issuer string) *TokenCodec {
	return &TokenCodec{key: key, issuer: issuer, clock: time.Now}
}

// WithClock overrides clock for testing.
func (c *TokenCodec) WithClock(clock func() time.Time) *TokenCodec {
	c.clock = clock
	return c
}

// Issue signs a token for the given context valid for ttl.
func (c *TokenCodec) Issue(tc Context, ttl time.Duration) (string, error) {
	now := c.clock()
	caps := make([]string, 0, len(tc.Capabilities))
	for _, cp := range tc.Capabilities.Slice() {
		caps = append(caps, string(cp))
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tc.ActorID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Trust:        int(tc.Score),
		Capabilities: caps,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign trust token: %w", err)
	}
	return signed, nil
}

// Decode verifies raw and returns the trust context it carries.
// Unknown capabilities are rejected rather than silently dropped.
func (c *TokenCodec) Decode(raw string) (Context, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Context{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	level := Level(claims.Trust)
	if !level.Valid() {
		return Context{}, fmt.Errorf("%w: trust %d out of range", ErrInvalidToken, claims.Trust)
	}

	caps := make(CapabilitySet, len(claims.Capabilities))
	for _, s := range claims.Capabilities {
		cp, err := ParseCapability(s)
		if err != nil {
			return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		caps[cp] = struct{}{}
	}

	return Context{
		ActorID:      claims.Subject,
		Score:        level,
		Capabilities: caps,
	}, nil
}
