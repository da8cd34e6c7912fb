package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"escrowflow/fault"
)

// RetryableError marks a webhook processing failure the gateway should
// redeliver. Business-rule failures are never retryable.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the gateway should redeliver after err.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// Confirmer is the slice of the engine the webhook handler needs.
type Confirmer interface {
	ConfirmFunded(ctx context.Context, sessionRef string) error
}

// WebhookHandler normalizes gateway callbacks into engine calls. It
// distinguishes signature and business failures (final) from store failures
// (retryable) so the gateway only redelivers the latter.
type WebhookHandler struct {
	gateway   PaymentGateway
	confirmer Confirmer
}

func NewWebhookHandler(gateway PaymentGateway, confirmer Confirmer) *WebhookHandler {
	return &WebhookHandler{gateway: gateway, confirmer: confirmer}
}

// Handle verifies the signature and confirms funding for paid sessions.
// Calling it twice for the same session is safe: the engine's confirm is
// idempotent.
func (h *WebhookHandler) Handle(ctx context.Context, payload, signature []byte) error {
	if h.gateway == nil {
		return fault.Unprocessable("no payment gateway is configured")
	}
	if !h.gateway.VerifyWebhookSignature(payload, signature) {
		return fault.Unauthorized("webhook signature mismatch")
	}

	var event struct {
		SessionRef string `json:"session_ref"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return fault.Validation("malformed webhook payload")
	}
	if event.SessionRef == "" {
		return fault.Validation("webhook payload is missing session_ref")
	}
	if event.Status != "paid" {
		// Ignore non-terminal gateway states; the gateway keeps us posted.
		return nil
	}

	if err := h.confirmer.ConfirmFunded(ctx, event.SessionRef); err != nil {
		if _, isBusiness := fault.KindOf(err); isBusiness {
			return err
		}
		return &RetryableError{Err: fmt.Errorf("escrow: confirm funded: %w", err)}
	}
	return nil
}
