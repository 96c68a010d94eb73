package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// rawClaims mirrors the Cognito-style bearer token payload this service
// projects from: sub → userId, cognito:groups → groups, plus email and
// cognito:username passthrough.
type rawClaims struct {
	Subject  string   `json:"sub"`
	Groups   []string `json:"cognito:groups"`
	Email    string   `json:"email"`
	Username string   `json:"cognito:username"`
	Audience string   `json:"aud"`
	Issuer   string   `json:"iss"`
	Expiry   int64    `json:"exp"`
}

// Verifier checks a bearer token's signature against a remote JWKS and
// projects the verified payload into Claims.
// It wraps go-oidc's RemoteKeySet directly — driven by hand rather than
// through go-oidc's full Authorization Code / ID-token verifier, since this
// service only ever verifies already-issued tokens (see DESIGN.md).
type Verifier struct {
	mu      sync.RWMutex
	keySet  *oidc.RemoteKeySet
	jwksURL string
	issuer  string
}

// NewVerifier builds a Verifier backed by the JWKS served at jwksURL
// (typically `https://cognito-idp.<region>.amazonaws.com/<userPoolID>/.well-known/jwks.json`).
// issuer is the exact `iss` claim value expected on every token.
func NewVerifier(ctx context.Context, jwksURL, issuer string) *Verifier {
	return &Verifier{
		keySet:  oidc.NewRemoteKeySet(ctx, jwksURL),
		jwksURL: jwksURL,
		issuer:  issuer,
	}
}

// Refresh replaces the underlying remote key set with a freshly constructed
// one, so a rotated signing key becomes effective without waiting for the
// first verification failure that would otherwise trigger go-oidc's own
// lazy re-fetch. Intended to be called periodically by internal/maintenance.
func (v *Verifier) Refresh(ctx context.Context) {
	fresh := oidc.NewRemoteKeySet(ctx, v.jwksURL)
	v.mu.Lock()
	v.keySet = fresh
	v.mu.Unlock()
}

// Verify validates rawToken's signature against the remote key set,
// validates issuer and expiry, and projects the payload into Claims. Any
// failure returns ErrTokenInvalid or ErrTokenExpired.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	v.mu.RLock()
	keySet := v.keySet
	v.mu.RUnlock()

	payload, err := keySet.VerifySignature(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	var rc rawClaims
	if err := json.Unmarshal(payload, &rc); err != nil {
		return nil, fmt.Errorf("%w: malformed claims payload: %v", ErrTokenInvalid, err)
	}

	if rc.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, rc.Issuer)
	}

	if rc.Expiry == 0 || time.Unix(rc.Expiry, 0).Before(time.Now()) {
		return nil, ErrTokenExpired
	}

	return &Claims{
		UserID:   rc.Subject,
		Groups:   rc.Groups,
		Email:    rc.Email,
		Username: rc.Username,
	}, nil
}
