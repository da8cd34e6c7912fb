package escrow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Session is a hosted payment session created by the gateway. The requester
// is redirected to RedirectURL to pay; the gateway calls back with Ref.
type Session struct {
	Ref         string
	RedirectURL string
}

// PaymentGateway is the narrow contract with the external payment
// collaborator. A nil gateway means offline mode: escrow funds immediately
// without a checkout redirect.
type PaymentGateway interface {
	CreateHostedSession(ctx context.Context, amount float64, jobRef string) (Session, error)
	ConfirmSession(ctx context.Context, sessionRef string) (string, error)
	VerifyWebhookSignature(payload, signature []byte) bool
}

// HostedGateway talks to a hosted-checkout provider over HTTP. Webhook
// signatures are HMAC-SHA256 over the raw payload, hex encoded.
type HostedGateway struct {
	baseURL       string
	webhookSecret []byte
	client        *http.Client
}

func NewHostedGateway(baseURL, webhookSecret string) *HostedGateway {
	return &HostedGateway{
		baseURL:       baseURL,
		webhookSecret: []byte(webhookSecret),
		client:        &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *HostedGateway) CreateHostedSession(ctx context.Context, amount float64, jobRef string) (Session, error) {
	body, err := json.Marshal(map[string]any{
		"amount":    amount,
		"reference": jobRef,
	})
	if err != nil {
		return Session{}, fmt.Errorf("escrow: marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("escrow: build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("escrow: create hosted session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Session{}, fmt.Errorf("escrow: gateway returned status %d", resp.StatusCode)
	}

	var out struct {
		SessionRef  string `json:"session_ref"`
		RedirectURL string `json:"redirect_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Session{}, fmt.Errorf("escrow: decode session response: %w", err)
	}
	if out.SessionRef == "" {
		return Session{}, fmt.Errorf("escrow: gateway returned empty session ref")
	}

	return Session{Ref: out.SessionRef, RedirectURL: out.RedirectURL}, nil
}

func (g *HostedGateway) ConfirmSession(ctx context.Context, sessionRef string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/sessions/"+sessionRef, nil)
	if err != nil {
		return "", fmt.Errorf("escrow: build confirm request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("escrow: confirm session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("escrow: gateway returned status %d", resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("escrow: decode confirm response: %w", err)
	}
	return out.Status, nil
}

func (g *HostedGateway) VerifyWebhookSignature(payload, signature []byte) bool {
	mac := hmac.New(sha256.New, g.webhookSecret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), signature)
}
