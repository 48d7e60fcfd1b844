// Package objectstore issues presigned upload/download URLs for a
// content-addressed object bucket. It mirrors a presigned-URL object
// storage API (e.g. Tencent COS/S3): this gateway signs URLs only, it
// never touches object bytes.
package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"
)

const (
	// UploadExpiry is how long a presigned upload URL remains valid.
	UploadExpiry = 300 * time.Second
	// DownloadExpiry is how long a presigned download URL remains valid.
	DownloadExpiry = 60 * time.Second
)

// Config holds the credentials used to sign URLs, matching the
// cos_config.json shape (secret_id, secret_key, region).
type Config struct {
	SecretID  string
	SecretKey string
	Region    string
	Bucket    string
	Endpoint  string // base URL, e.g. "https://<bucket>.cos.<region>.myqcloud.com"
}

// Gateway issues presigned URLs via HMAC-SHA256 query-string signing.
type Gateway struct {
	cfg Config
	now func() time.Time
}

// New builds a Gateway from cfg.
func New(cfg Config) *Gateway {
	return &Gateway{cfg: cfg, now: time.Now}
}

func (g *Gateway) sign(method, key string, expires time.Time) string {
	payload := fmt.Sprintf("%s\n%s\n%s\n%d", method, g.cfg.Bucket, key, expires.Unix())
	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Gateway) presign(method, key string, ttl time.Duration) string {
	expires := g.now().Add(ttl)
	sig := g.sign(method, key, expires)
	q := url.Values{}
	q.Set("q-sign-algorithm", "sha256")
	q.Set("q-ak", g.cfg.SecretID)
	q.Set("q-sign-time", fmt.Sprintf("%d", expires.Unix()))
	q.Set("q-key-time", fmt.Sprintf("%d", expires.Unix()))
	q.Set("q-signature", sig)
	return fmt.Sprintf("%s/%s?%s", g.cfg.Endpoint, url.PathEscape(key), q.Encode())
}

// PresignedUpload returns a PUT URL valid for UploadExpiry, keyed by the
// content hash+suffix filename.
func (g *Gateway) PresignedUpload(key string) string {
	return g.presign("PUT", key, UploadExpiry)
}

// PresignedDownload returns a GET URL valid for DownloadExpiry.
func (g *Gateway) PresignedDownload(key string) string {
	return g.presign("GET", key, DownloadExpiry)
}
