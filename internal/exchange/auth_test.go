package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestAuthNonceMonotonic(t *testing.T) {
	t.Parallel()
	a := NewAuth("key", "secret")

	prev := int64(0)
	for i := 0; i < 1000; i++ {
		n := a.nonce()
		if n <= prev {
			t.Fatalf("nonce not strictly increasing: %d after %d", n, prev)
		}
		prev = n
	}
}

func TestAuthHeadersSignature(t *testing.T) {
	t.Parallel()
	a := NewAuth("key", "secret")

	h := a.Headers("/v1/user/assets")
	if h["ACCESS-KEY"] != "key" {
		t.Errorf("ACCESS-KEY = %q", h["ACCESS-KEY"])
	}

	// Recompute the signature from the returned nonce.
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(h["ACCESS-NONCE"] + "/v1/user/assets"))
	want := hex.EncodeToString(mac.Sum(nil))
	if h["ACCESS-SIGNATURE"] != want {
		t.Errorf("signature = %q, want %q", h["ACCESS-SIGNATURE"], want)
	}
}

func TestAuthHasCredentials(t *testing.T) {
	t.Parallel()

	if NewAuth("", "").HasCredentials() {
		t.Error("empty key pair should not count as credentials")
	}
	if !NewAuth("k", "s").HasCredentials() {
		t.Error("key pair should count as credentials")
	}
}
