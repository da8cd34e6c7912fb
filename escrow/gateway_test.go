package escrow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHostedGateway_VerifyWebhookSignature(t *testing.T) {
	gateway := NewHostedGateway("http://gateway.local", "shhh")
	payload := []byte(`{"session_ref":"sess-1","status":"paid"}`)

	mac := hmac.New(sha256.New, []byte("shhh"))
	mac.Write(payload)
	good := []byte(hex.EncodeToString(mac.Sum(nil)))

	if !gateway.VerifyWebhookSignature(payload, good) {
		t.Fatalf("expected valid signature to verify")
	}
	if gateway.VerifyWebhookSignature(payload, []byte("deadbeef")) {
		t.Fatalf("expected forged signature to fail")
	}
	if gateway.VerifyWebhookSignature([]byte(`{"tampered":true}`), good) {
		t.Fatalf("expected signature over different payload to fail")
	}
}

func TestHostedGateway_CreateHostedSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"session_ref":"sess-42","redirect_url":"https://pay.example/sess-42"}`))
	}))
	defer srv.Close()

	gateway := NewHostedGateway(srv.URL, "shhh")
	session, err := gateway.CreateHostedSession(context.Background(), 1800, "job-1")
	if err != nil {
		t.Fatalf("create hosted session: %v", err)
	}
	if session.Ref != "sess-42" {
		t.Errorf("expected session ref sess-42, got %q", session.Ref)
	}
	if session.RedirectURL != "https://pay.example/sess-42" {
		t.Errorf("unexpected redirect url %q", session.RedirectURL)
	}
}

func TestHostedGateway_CreateHostedSessionGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gateway := NewHostedGateway(srv.URL, "shhh")
	if _, err := gateway.CreateHostedSession(context.Background(), 500, "job-2"); err == nil {
		t.Fatalf("expected error on gateway failure")
	}
}
