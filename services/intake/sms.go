package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Notifier delivers the photo download link to a guest's phone. Delivery is
// at-least-once; the idempotency key lets the gateway drop duplicates from
// retried sync attempts.
type Notifier interface {
	SendLink(ctx context.Context, phone, url, idempotencyKey string) (string, error)
	Ping(ctx context.Context) error
}

// SMSGateway talks to an HTTP SMS provider.
type SMSGateway struct {
	client  *http.Client
	baseURL string
	apiKey  string
	sender  string
}

// NewSMSGateway configures the gateway client. Message formatting lives with
// the provider; this client only hands over the link.
func NewSMSGateway(baseURL, apiKey, sender string) (*SMSGateway, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("sms gateway url is required")
	}
	if apiKey == "" {
		return nil, errors.New("sms api key is required")
	}

	return &SMSGateway{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		sender:  sender,
	}, nil
}

// SendLink submits the message and returns the gateway's delivery id.
func (g *SMSGateway) SendLink(ctx context.Context, phone, url, idempotencyKey string) (string, error) {
	if g == nil {
		return "", errors.New("sms gateway not configured")
	}
	if phone == "" {
		return "", errors.New("phone is required")
	}
	if url == "" {
		return "", errors.New("url is required")
	}

	payload, err := json.Marshal(map[string]string{
		"to":   phone,
		"from": g.sender,
		"body": url,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		DeliveryID string `json:"delivery_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode sms response: %w", err)
	}
	return out.DeliveryID, nil
}

// Ping performs a lightweight authenticated check against the gateway.
func (g *SMSGateway) Ping(ctx context.Context) error {
	if g == nil {
		return errors.New("sms gateway not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/ping", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms gateway ping returned %d", resp.StatusCode)
	}
	return nil
}
