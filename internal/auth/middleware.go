// Package auth validates Auth0-issued JWTs and exposes the authenticated
// subject to handlers. The SSE endpoints accept the token via the
// Authorization header or the access_token query parameter, since browser
// EventSource cannot set headers.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// jwksRefreshInterval bounds how often the key set is refetched; SSE clients
// reconnect every few seconds, so hitting the JWKS endpoint per request
// would hammer Auth0.
const jwksRefreshInterval = 10 * time.Minute

// Auth0Config holds Auth0 configuration.
type Auth0Config struct {
	Domain   string
	Audience string
	Issuer   string
}

// NewAuth0Config creates Auth0 configuration from provided values.
func NewAuth0Config(domain, audience string) *Auth0Config {
	return &Auth0Config{
		Domain:   domain,
		Audience: audience,
		Issuer:   fmt.Sprintf("https://%s/", domain),
	}
}

// jwk is one RSA entry of the JWKS document.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// jwksCache fetches the domain's key set on demand and keeps the parsed RSA
// keys for jwksRefreshInterval. A kid miss inside the window forces a
// refetch once, covering key rotation.
type jwksCache struct {
	domain string

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func newJWKSCache(domain string) *jwksCache {
	return &jwksCache{domain: domain, keys: make(map[string]*rsa.PublicKey)}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetched) < jwksRefreshInterval {
		return key, nil
	}
	if err := c.refetch(ctx); err != nil {
		return nil, err
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *jwksCache) refetch(ctx context.Context) error {
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", c.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create JWKS request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			return err
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetched = time.Now()
	return nil
}

// publicKey converts the base64url modulus/exponent pair into an RSA key.
func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus of %s: %w", k.Kid, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent of %s: %w", k.Kid, err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// JWTMiddleware creates JWT validation middleware for Auth0. The key set is
// cached across requests.
func JWTMiddleware(config *Auth0Config) echo.MiddlewareFunc {
	cache := newJWKSCache(config.Domain)
	return echojwt.WithConfig(echojwt.Config{
		KeyFunc: func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}

			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, fmt.Errorf("kid not found in token header")
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				return nil, fmt.Errorf("invalid token claims")
			}
			if err := validateClaims(claims, config); err != nil {
				return nil, err
			}

			return cache.key(context.Background(), kid)
		},
		// Allow tokens via Authorization header or access_token query param
		// (for browser EventSource).
		TokenLookup: "header:Authorization:Bearer ,query:access_token",
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or missing JWT token")
		},
	})
}

// OptionalJWTMiddleware validates a token when one is present and otherwise
// lets the request through unauthenticated.
func OptionalJWTMiddleware(config *Auth0Config) echo.MiddlewareFunc {
	required := JWTMiddleware(config)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" && c.QueryParam("access_token") == "" {
				return next(c)
			}
			return required(next)(c)
		}
	}
}

func validateClaims(claims jwt.MapClaims, config *Auth0Config) error {
	switch aud := claims["aud"].(type) {
	case string:
		if aud != config.Audience {
			return fmt.Errorf("invalid audience")
		}
	case []interface{}:
		found := false
		for _, a := range aud {
			if s, ok := a.(string); ok && s == config.Audience {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("invalid audience")
		}
	default:
		return fmt.Errorf("invalid or missing audience")
	}

	iss, ok := claims["iss"].(string)
	if !ok || iss != config.Issuer {
		return fmt.Errorf("invalid issuer")
	}
	return nil
}

// GetUserID extracts the authenticated subject from the JWT in context.
func GetUserID(c echo.Context) (string, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return "", fmt.Errorf("no JWT token found in context")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid JWT claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("sub claim not found or not a string")
	}

	return sub, nil
}
