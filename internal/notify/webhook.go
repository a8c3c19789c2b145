package notify

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
	"strings"
	"time"

	"orderline/internal/domain"
	"orderline/internal/ids"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts notifications as JSON. When Secret is set the body is signed
// with HMAC-SHA256 in the X-Orderline-Signature header.
type Webhook struct {
	URL    string
	Secret string
	Types  []string
	Client *http.Client
}

func NewWebhook(url, secret string, types ...string) *Webhook {
	return &Webhook{URL: url, Secret: secret, Types: types, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (w *Webhook) Dispatch(ctx context.Context, n domain.Notification) error {
	if !newTypeFilter(w.Types).match(n.Type) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orderline-Event", n.Type)
	req.Header.Set("X-Orderline-Delivery", ids.Random())
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Orderline-Signature", "sha256="+Sign(w.Secret, data))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type typeFilter struct {
	all bool
	set map[string]struct{}
}

func newTypeFilter(types []string) typeFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return typeFilter{all: true}
	}
	return typeFilter{set: set}
}

func (f typeFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
