package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CookieName is the cookie the browser client stores its credential in.
const CookieName = "token"

// Gatekeeper authenticates a request once: credential extraction, signature
// verification, and identity resolution through a cached directory.
type Gatekeeper struct {
	verifier  *Verifier
	directory Directory
	cache     *ristretto.Cache
	cacheTTL  time.Duration
}

// NewGatekeeper builds a gatekeeper. A non-positive cacheTTL disables caching.
func NewGatekeeper(verifier *Verifier, directory Directory, cacheTTL time.Duration) (*Gatekeeper, error) {
	if verifier == nil || directory == nil {
		return nil, errors.New("gatekeeper requires a verifier and a directory")
	}
	g := &Gatekeeper{verifier: verifier, directory: directory, cacheTTL: cacheTTL}
	if cacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     1e4,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("identity cache: %w", err)
		}
		g.cache = cache
	}
	return g, nil
}

// Authenticate resolves the identity behind r. AuthError reports credential
// problems; any other error means the directory could not be consulted.
func (g *Gatekeeper) Authenticate(r *http.Request) (Identity, error) {
	token := credentialFrom(r)
	if token == "" {
		return Identity{}, newAuthError(MissingCredential, nil)
	}

	subject, err := g.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}

	if g.cache != nil {
		if v, ok := g.cache.Get(subject); ok {
			if id, ok := v.(Identity); ok {
				return id, nil
			}
		}
	}

	id, err := g.directory.Lookup(r.Context(), subject)
	if errors.Is(err, ErrIdentityNotFound) {
		return Identity{}, newAuthError(UnknownIdentity, fmt.Errorf("user %q", subject))
	}
	if err != nil {
		if errors.Is(err, ErrDirectoryUnavailable) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	if g.cache != nil {
		g.cache.SetWithTTL(subject, id, 1, g.cacheTTL)
	}
	return id, nil
}

// Close releases the identity cache.
func (g *Gatekeeper) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}

func credentialFrom(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
