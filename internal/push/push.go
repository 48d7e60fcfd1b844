// Package push sends device notifications through an APNs-shaped
// HTTP/2 gateway: ES256 JWT provider authentication, one POST per
// notification, and invalid-token reporting so the push worker can purge
// stale tokens from persistence.
package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
)

// Config identifies the provider credentials, mirroring the original
// hardcoded team_id/key_id/bundle_id/key_path constants.
type Config struct {
	TeamID   string
	KeyID    string
	BundleID string
	KeyPath  string // path to a PEM-encoded EC private key (.p8)
	Sandbox  bool
}

const (
	sandboxURL    = "https://api.sandbox.push.apple.com"
	productionURL = "https://api.push.apple.com"

	// jwtRefresh is how long a signed provider token remains valid before
	// being regenerated; Apple recommends reusing tokens for up to an hour.
	jwtRefresh = 50 * time.Minute
)

// Result reports the outcome of one Send call.
type Result int

const (
	ResultOK Result = iota
	ResultInvalidToken
	ResultTransient
)

// Gateway sends notifications to APNs over HTTP/2.
type Gateway struct {
	cfg        Config
	key        *ecdsa.PrivateKey
	httpClient *http.Client
	baseURL    string

	mu        sync.Mutex
	cachedJWT string
	jwtIssued time.Time
}

// New loads the ES256 signing key from cfg.KeyPath and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	pemBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("push: read key file: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("push: parse EC private key: %w", err)
	}

	transport := &http2.Transport{}
	base := productionURL
	if cfg.Sandbox {
		base = sandboxURL
	}
	return &Gateway{
		cfg:        cfg,
		key:        key,
		httpClient: &http.Client{Transport: transport, Timeout: 10 * time.Second},
		baseURL:    base,
	}, nil
}

func (g *Gateway) providerToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cachedJWT != "" && time.Since(g.jwtIssued) < jwtRefresh {
		return g.cachedJWT, nil
	}

	claims := jwt.MapClaims{
		"iss": g.cfg.TeamID,
		"iat": time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = g.cfg.KeyID
	signed, err := tok.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("push: sign provider jwt: %w", err)
	}
	g.cachedJWT = signed
	g.jwtIssued = time.Now()
	return signed, nil
}

// Payload is the notification body delivered to the client.
type Payload struct {
	Title string
	Body  string
}

type apsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type apsBody struct {
	Alert apsAlert `json:"alert"`
	Sound string   `json:"sound"`
	Badge int      `json:"badge"`
}

type notification struct {
	APS apsBody `json:"aps"`
}

// Send delivers one notification to deviceToken.
func (g *Gateway) Send(ctx context.Context, deviceToken string, payload Payload) (Result, error) {
	jwtTok, err := g.providerToken()
	if err != nil {
		return ResultTransient, err
	}

	body, err := json.Marshal(notification{APS: apsBody{
		Alert: apsAlert{Title: payload.Title, Body: payload.Body},
		Sound: "default",
		Badge: 1,
	}})
	if err != nil {
		return ResultTransient, err
	}

	url := fmt.Sprintf("%s/3/device/%s", g.baseURL, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ResultTransient, err
	}
	req.Header.Set("authorization", "bearer "+jwtTok)
	req.Header.Set("apns-topic", g.cfg.BundleID)
	req.Header.Set("apns-id", uuid.NewString())
	req.Header.Set("content-type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return ResultTransient, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return ResultOK, nil
	}

	var apnsErr struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apnsErr)
	if resp.StatusCode == http.StatusBadRequest && apnsErr.Reason == "BadDeviceToken" {
		return ResultInvalidToken, nil
	}
	if resp.StatusCode == http.StatusGone && apnsErr.Reason == "Unregistered" {
		return ResultInvalidToken, nil
	}
	return ResultTransient, fmt.Errorf("push: apns status %d reason %s", resp.StatusCode, apnsErr.Reason)
}

// PreviewBody derives the push notification body from a message per the
// §4.9 preview rules: fixed literals for file/gif/image attachments, a
// generic notice for long text, otherwise the text itself.
func PreviewBody(msgType, text string) string {
	switch strings.ToLower(msgType) {
	case "file":
		return "[文件]"
	case "gif":
		return "[表情符号]"
	case "image":
		return "[图片]"
	}
	if len([]rune(text)) > 30 {
		return "您有一条新消息"
	}
	return text
}
