package backup

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Headers sent with every webhook upload.
const (
	HeaderSignature = "X-Backup-Signature"
	HeaderKey       = "X-Backup-Key"
	HeaderTimestamp = "X-Backup-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature produced by SignPayload.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookTarget POSTs snapshots to an HTTP endpoint. When a secret is set
// the body is signed and the signature sent as "sha256=<hex>".
type WebhookTarget struct {
	url        string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

func NewWebhookTarget(rawURL, secret string) (*WebhookTarget, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	return &WebhookTarget{
		url:        rawURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook backup target requires a url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Upload returns the "fileId" or "id" from a JSON response body when the
// receiver supplies one, otherwise the key.
func (t *WebhookTarget) Upload(ctx context.Context, key string, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderKey, key)
	req.Header.Set(HeaderTimestamp, t.now().UTC().Format(time.RFC3339))
	if t.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, t.secret))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var ack struct {
		FileID string `json:"fileId"`
		ID     string `json:"id"`
	}
	if json.Unmarshal(body, &ack) == nil {
		if ack.FileID != "" {
			return ack.FileID, nil
		}
		if ack.ID != "" {
			return ack.ID, nil
		}
	}
	return key, nil
}
