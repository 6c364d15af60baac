package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Caller is the authenticated principal behind a control-plane request.
type Caller struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// JWTVerifier validates bearer tokens against a cached JWKS. The key
// set is refreshed in the background so verification never blocks on
// network I/O.
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewJWTVerifier fetches the JWKS once to warm the cache and starts a
// background refresh loop.
func NewJWTVerifier(jwksURL string) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := verifier.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	verifier.keySet = keySet

	go verifier.backgroundRefresh()

	return verifier, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.keySetMutex.Unlock()
		}
		// Errors retry on the next tick.
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// CallerFromRequest extracts and validates the JWT from the
// Authorization header.
func (v *JWTVerifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	callerID := token.Subject()
	if callerID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}

	return &Caller{ID: callerID, Email: email}, nil
}
