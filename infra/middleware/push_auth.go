package middleware

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"triage_server/pkg/apperr"
	"triage_server/pkg/httputil"
	"triage_server/pkg/logger"
)

const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// Google signs push OIDC tokens with either issuer form.
var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents one RSA JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// jwksCache caches the key set with a TTL. Google rotates keys rarely;
// a kid miss inside the TTL still forces a refresh so rotations are
// picked up without waiting out the window.
type jwksCache struct {
	mu        sync.RWMutex
	jwks      *JWKS
	fetchedAt time.Time
	ttl       time.Duration
	url       string
	client    *http.Client
}

func (c *jwksCache) getKey(kid string) (*JWK, error) {
	c.mu.RLock()
	if c.jwks != nil && time.Since(c.fetchedAt) < c.ttl {
		for _, key := range c.jwks.Keys {
			if key.Kid == kid {
				c.mu.RUnlock()
				return &key, nil
			}
		}
	}
	c.mu.RUnlock()

	if err := c.refresh(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, key := range c.jwks.Keys {
		if key.Kid == kid {
			return &key, nil
		}
	}
	return nil, fmt.Errorf("key not found: %s", kid)
}

func (c *jwksCache) refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.client.Get(c.url)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	c.jwks = &jwks
	c.fetchedAt = time.Now()
	logger.Info("JWKS refreshed, %d keys loaded", len(jwks.Keys))
	return nil
}

// parseRSAPublicKey parses an RSA public key from a JWK
func parseRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// PushVerifier validates the OIDC bearer tokens Pub/Sub attaches to push
// deliveries: RS256 against Google's JWKS, audience pinned to this
// deployment's push URL.
type PushVerifier struct {
	audience string
	cache    *jwksCache
}

// NewPushVerifier builds a verifier for the given audience. jwksURL is
// overridable for tests; empty means Google's.
func NewPushVerifier(audience, jwksURL string) *PushVerifier {
	if jwksURL == "" {
		jwksURL = googleJWKSURL
	}
	return &PushVerifier{
		audience: audience,
		cache: &jwksCache{
			ttl:    10 * time.Minute,
			url:    jwksURL,
			client: httputil.JWKSClient(),
		},
	}
}

// Handler returns the fiber middleware enforcing verification.
func (v *PushVerifier) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return apperr.Unauthorized("missing bearer token")
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
			}
			kid, ok := token.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("missing kid in token header")
			}
			jwk, err := v.cache.getKey(kid)
			if err != nil {
				return nil, fmt.Errorf("failed to get public key: %w", err)
			}
			return parseRSAPublicKey(jwk)
		},
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithAudience(v.audience),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			logger.WithError(err).Warn("Push token validation failed")
			return apperr.InvalidToken("push token rejected")
		}

		issuer, err := token.Claims.GetIssuer()
		if err != nil || !isGoogleIssuer(issuer) {
			logger.Warn("Push token from unexpected issuer: %q", issuer)
			return apperr.InvalidToken("push token rejected")
		}

		return c.Next()
	}
}

func isGoogleIssuer(issuer string) bool {
	for _, allowed := range googleIssuers {
		if issuer == allowed {
			return true
		}
	}
	return false
}
