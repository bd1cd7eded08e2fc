// Package upload ensures deployment files exist in central storage and
// hands out short-lived download URLs and access tokens.
package upload

import (
	"time"

	"github.com/dchest/uniuri"
	"github.com/jellydator/ttlcache/v3"

	"github.com/deploykit/deployd/internal/derrors"
)

var hexAlphabet = []byte("0123456789abcdef")

// newAccessToken mints a fresh random 32-hex-char token.
func newAccessToken() string {
	return uniuri.NewLenChars(32, hexAlphabet)
}

// TokenRegistry maps access tokens to real signed download URLs so
// peer proxies can retrieve content through the service without ever
// seeing storage credentials.
type TokenRegistry struct {
	tokens *ttlcache.Cache[string, string]
}

// NewTokenRegistry creates a registry with background expiry.
func NewTokenRegistry() *TokenRegistry {
	tokens := ttlcache.New(
		// Lookups must not extend a token's life: its TTL strictly
		// outlives the URL's effective TTL and nothing more.
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	go tokens.Start()

	return &TokenRegistry{tokens: tokens}
}

// Register associates token with url for ttl.
func (r *TokenRegistry) Register(token, url string, ttl time.Duration) {
	r.tokens.Set(token, url, ttl)
}

// TryGetDownloadUrl resolves token to its signed URL. Unknown and
// expired tokens both report Unauthorized so nothing about the token
// space leaks.
func (r *TokenRegistry) TryGetDownloadUrl(token string) (string, error) {
	item := r.tokens.Get(token)
	if item == nil {
		return "", derrors.New(derrors.KindUnauthorized, "unknown download token")
	}

	return item.Value(), nil
}

// Stop halts background expiry.
func (r *TokenRegistry) Stop() {
	r.tokens.Stop()
}
