// Package auth turns bearer tokens into principals.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification modes. Dev trusts "tenant:role" tokens and request headers.
const (
	ModeDev  = "dev"
	ModeHMAC = "hmac"
	ModeJWKS = "jwks"
)

const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleUser       = "user"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Principal struct {
	Tenant  string
	Role    string
	Subject string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanDispatch reports whether p may change fleet state or request dispatches.
func (p Principal) CanDispatch() bool { return p.Role == RoleAdmin || p.Role == RoleDispatcher }

type ctxKey struct{}

func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

type Config struct {
	Mode        string
	HMACSecret  string
	JWKSURL     string
	Issuer      string
	Audience    string
	TenantClaim string
	RoleClaim   string
	JWKSTTL     time.Duration
}

// Verifier validates tokens and extracts tenant and role claims.
type Verifier struct {
	cfg    Config
	parser *jwt.Parser
	http   *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func NewVerifier(cfg Config) (*Verifier, error) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = ModeDev
	}
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tenant"
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.JWKSTTL <= 0 {
		cfg.JWKSTTL = 10 * time.Minute
	}

	var opts []jwt.ParserOption
	switch cfg.Mode {
	case ModeDev:
	case ModeHMAC:
		if cfg.HMACSecret == "" {
			return nil, errors.New("auth: hmac mode needs a secret")
		}
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	case ModeJWKS:
		if cfg.JWKSURL == "" {
			return nil, errors.New("auth: jwks mode needs a JWKS URL")
		}
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	default:
		return nil, fmt.Errorf("auth: unsupported mode %q", cfg.Mode)
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		http:   &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (v *Verifier) Mode() string { return v.cfg.Mode }

func (v *Verifier) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrNoToken
	}
	if v.cfg.Mode == ModeDev {
		tenant, role, ok := strings.Cut(token, ":")
		if !ok || tenant == "" || role == "" {
			return Principal{}, fmt.Errorf("%w: dev tokens look like tenant:role", ErrInvalidToken)
		}
		return Principal{Tenant: tenant, Role: strings.ToLower(role)}, nil
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keyFunc); err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	tenant, _ := claims[v.cfg.TenantClaim].(string)
	if tenant == "" {
		return Principal{}, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, v.cfg.TenantClaim)
	}
	role, _ := claims[v.cfg.RoleClaim].(string)
	if role == "" {
		role = RoleUser
	}
	sub, _ := claims.GetSubject()
	return Principal{Tenant: tenant, Role: strings.ToLower(role), Subject: sub}, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if v.cfg.Mode == ModeHMAC {
		return []byte(v.cfg.HMACSecret), nil
	}
	kid, _ := t.Header["kid"].(string)
	return v.rsaKey(kid)
}

func (v *Verifier) rsaKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.fetched) > v.cfg.JWKSTTL
	v.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	// unknown kid also triggers a refetch so rotated keys are picked up
	if err := v.fetchJWKS(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("kid %q not in JWKS", kid)
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *Verifier) fetchJWKS() error {
	resp, err := v.http.Get(v.cfg.JWKSURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return fmt.Errorf("jwks key %s: %w", k.Kid, err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return fmt.Errorf("jwks key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.fetched = time.Now()
	v.mu.Unlock()
	return nil
}
