package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Presigner mints and verifies time-limited signed URLs for direct
// object access, so upload and download traffic never has to carry a
// session credential.
type Presigner struct {
	secret  []byte
	baseURL string
	expiry  time.Duration
}

// NewPresigner creates a presigner. baseURL is the externally reachable
// server base (no trailing slash); expiry bounds how long minted URLs
// stay valid.
func NewPresigner(secret, baseURL string, expiry time.Duration) (*Presigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("presign secret is required")
	}
	if expiry <= 0 {
		return nil, fmt.Errorf("presign expiry must be positive")
	}
	return &Presigner{secret: []byte(secret), baseURL: baseURL, expiry: expiry}, nil
}

// SignPut mints a presigned upload URL for key.
func (p *Presigner) SignPut(key string, now time.Time) string {
	return p.sign("PUT", key, now)
}

// SignGet mints a presigned download URL for key.
func (p *Presigner) SignGet(key string, now time.Time) string {
	return p.sign("GET", key, now)
}

func (p *Presigner) sign(method, key string, now time.Time) string {
	expires := now.Add(p.expiry).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", p.signature(method, key, expires))
	return fmt.Sprintf("%s/objects/%s?%s", p.baseURL, escapeKeyPath(key), q.Encode())
}

// escapeKeyPath escapes each key segment while keeping the slashes that
// structure the key visible in the URL path.
func escapeKeyPath(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// Verify checks a request's signature and expiry against its method and
// object key.
func (p *Presigner) Verify(method, key, expiresStr, signature string, now time.Time) error {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires parameter: %w", err)
	}
	if now.Unix() > expires {
		return fmt.Errorf("presigned URL expired")
	}
	expected := p.signature(method, key, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func (p *Presigner) signature(method string, key string, expires int64) string {
	mac := hmac.New(sha256.New, p.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
