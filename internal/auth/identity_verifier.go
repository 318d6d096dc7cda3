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
	"go.uber.org/zap"
)

const (
	defaultJWKSCacheTTL = 10 * time.Minute
	tokenQueryParameter = "token"
	bearerPrefix        = "Bearer "
)

var (
	errMissingToken          = errors.New("access token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")

	// ErrInvalidVerifierConfig marks constructor-time configuration failures.
	ErrInvalidVerifierConfig = errors.New("auth: invalid identity verifier config")
)

// IdentityVerifierConfig bundles configuration required to instantiate an IdentityVerifier.
type IdentityVerifierConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Identity exposes the stable user identity produced by the external identity provider.
type Identity struct {
	UserID   string
	Audience string
	Issuer   string
	Expiry   time.Time
	IssuedAt time.Time
}

// IdentityVerifier verifies bearer tokens offline against the identity
// provider's published JWKS. It is the only identity surface this service
// consumes; everything beyond a verified user id lives elsewhere.
type IdentityVerifier struct {
	audience   string
	jwksURL    string
	issuers    map[string]struct{}
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	keys       *signingKeyCache
}

// NewIdentityVerifier constructs a verifier with validated configuration.
func NewIdentityVerifier(cfg IdentityVerifierConfig) (*IdentityVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}

	issuers := make(map[string]struct{}, len(cfg.AllowedIssuers))
	for _, issuer := range cfg.AllowedIssuers {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}

	return &IdentityVerifier{
		audience:   audience,
		jwksURL:    jwksURL,
		issuers:    issuers,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		keys:       &signingKeyCache{ttl: cacheTTL},
	}, nil
}

// Verify validates the provided bearer token and returns the stable identity.
func (v *IdentityVerifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Identity{}, errMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.lookupKey(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("token signature invalid")
	}

	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return Identity{}, errUntrustedIssuer
	}
	if claims.Subject == "" {
		return Identity{}, errMissingSubject
	}

	identity := Identity{
		UserID:   claims.Subject,
		Issuer:   claims.Issuer,
		Audience: v.audience,
	}
	if claims.ExpiresAt != nil {
		identity.Expiry = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	return identity, nil
}

// CredentialFromRequest extracts the bearer credential from a connection
// request: the `token` query parameter, or the Authorization header.
// An empty return means no credential was supplied.
func CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParameter)); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	return ""
}

func (v *IdentityVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}
	if err := v.refreshKeys(ctx, now); err != nil {
		return nil, err
	}
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (v *IdentityVerifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}

	response, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keyMap := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || key.Use != "sig" {
			continue
		}
		publicKey, err := key.toRSAPublicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keyMap[key.KeyID] = publicKey
	}
	if len(keyMap) == 0 {
		return errors.New("jwks document contained no usable keys")
	}

	v.keys.store(keyMap, fetchedAt)
	return nil
}

type signingKeyCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *signingKeyCache) get(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *signingKeyCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	KeyType string `json:"kty"`
	Alg     string `json:"alg"`
	KeyID   string `json:"kid"`
	Use     string `json:"use"`
	Modulus string `json:"n"`
	Exp     string `json:"e"`
}

func (k jwk) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulusBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exp)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}

	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: exponent,
	}, nil
}
