package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"
)

// Auth signs private Bitbank requests.
//
// Bitbank authentication is a single HMAC-SHA256 layer: every private call
// carries ACCESS-KEY, a strictly increasing ACCESS-NONCE, and
// ACCESS-SIGNATURE = hex(HMAC-SHA256(secret, nonce + payload)), where the
// payload is the request path (with query) for GET and the JSON body for POST.
type Auth struct {
	key    string
	secret []byte

	mu        sync.Mutex
	lastNonce int64
}

// NewAuth creates an Auth from the API key pair.
func NewAuth(key, secret string) *Auth {
	return &Auth{key: key, secret: []byte(secret)}
}

// HasCredentials reports whether a key pair is configured. Paper mode runs
// without one (public endpoints only).
func (a *Auth) HasCredentials() bool {
	return a.key != "" && len(a.secret) > 0
}

// nonce returns a strictly increasing value. Unix milliseconds, bumped by
// one when two requests land in the same millisecond.
func (a *Auth) nonce() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := time.Now().UnixMilli()
	if n <= a.lastNonce {
		n = a.lastNonce + 1
	}
	a.lastNonce = n
	return n
}

// Headers returns the signed header set for one request. payload is the
// path+query for GET requests or the JSON body for POST requests.
func (a *Auth) Headers(payload string) map[string]string {
	n := a.nonce()
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(strconv.FormatInt(n, 10) + payload))

	return map[string]string{
		"ACCESS-KEY":       a.key,
		"ACCESS-NONCE":     strconv.FormatInt(n, 10),
		"ACCESS-SIGNATURE": hex.EncodeToString(mac.Sum(nil)),
	}
}
