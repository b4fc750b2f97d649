package relay

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
	"strconv"
	"strings"
	"time"

	"docmigrate/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook POSTs each event as JSON. With a secret set, the body is signed
// with HMAC-SHA256 in X-Docmigrate-Signature.
type Webhook struct {
	name   string
	url    string
	secret string
	client *http.Client
}

func NewWebhook(name, url, secret string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &Webhook{name: "webhook:" + name, url: url, secret: secret, client: client}
}

func (w *Webhook) Name() string { return w.name }

func (w *Webhook) Close() error { return nil }

func (w *Webhook) Deliver(ctx context.Context, evt domain.AuditEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Docmigrate-Event", string(evt.EventType))
	req.Header.Set("X-Docmigrate-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Docmigrate-Job", evt.JobID)
	if strings.TrimSpace(w.secret) != "" {
		req.Header.Set("X-Docmigrate-Signature", "sha256="+Sign(w.secret, data))
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
