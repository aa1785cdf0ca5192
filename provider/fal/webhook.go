package fal

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	ce "github.com/ineyio/creditengine"
)

// DefaultJWKSURL publishes the keys fal signs webhooks with.
const DefaultJWKSURL = "https://rest.alpha.fal.ai/.well-known/jwks.json"

// Webhook signature headers.
const (
	HeaderRequestID = "X-Fal-Webhook-Request-Id"
	HeaderUserID    = "X-Fal-Webhook-User-Id"
	HeaderTimestamp = "X-Fal-Webhook-Timestamp"
	HeaderSignature = "X-Fal-Webhook-Signature"
)

var (
	ErrMissingSignature = errors.New("creditengine/fal: missing webhook signature headers")
	ErrStaleTimestamp   = errors.New("creditengine/fal: webhook timestamp outside tolerance")
	ErrBadSignature     = errors.New("creditengine/fal: webhook signature mismatch")
)

// Verifier checks fal's ED25519 webhook signatures.
type Verifier struct {
	keys      []ed25519.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier from base64url-encoded public keys.
func NewVerifier(encodedKeys []string, tolerance time.Duration) (*Verifier, error) {
	v := &Verifier{tolerance: tolerance, now: time.Now}
	for i, k := range encodedKeys {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k, "="))
		if err != nil {
			return nil, fmt.Errorf("creditengine/fal: key[%d]: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("creditengine/fal: key[%d]: want %d bytes, got %d", i, ed25519.PublicKeySize, len(raw))
		}
		v.keys = append(v.keys, ed25519.PublicKey(raw))
	}
	if len(v.keys) == 0 {
		return nil, fmt.Errorf("creditengine/fal: at least one webhook key is required")
	}
	return v, nil
}

// Verify checks the signature headers against body.
//
// The signed message is request id, user id, timestamp and the hex SHA-256
// of the body, joined by newlines.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	requestID := h.Get(HeaderRequestID)
	userID := h.Get(HeaderUserID)
	ts := h.Get(HeaderTimestamp)
	sigHex := h.Get(HeaderSignature)
	if requestID == "" || userID == "" || ts == "" || sigHex == "" {
		return ErrMissingSignature
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	if d := v.now().Sub(time.Unix(sec, 0)); d > v.tolerance || d < -v.tolerance {
		return ErrStaleTimestamp
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	sum := sha256.Sum256(body)
	msg := []byte(strings.Join([]string{requestID, userID, ts, hex.EncodeToString(sum[:])}, "\n"))
	for _, k := range v.keys {
		if ed25519.Verify(k, msg, sig) {
			return nil
		}
	}
	return ErrBadSignature
}

type jwks struct {
	Keys []struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		X   string `json:"x"`
	} `json:"keys"`
}

// FetchKeys downloads fal's JWKS and returns the Ed25519 keys in the
// encoding NewVerifier accepts.
func FetchKeys(ctx context.Context, client *http.Client, jwksURL string) ([]string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creditengine/fal: create jwks request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creditengine/fal: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("creditengine/fal: fetch jwks: status %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("creditengine/fal: decode jwks: %w", err)
	}
	var keys []string
	for _, k := range set.Keys {
		if k.Kty == "OKP" && k.Crv == "Ed25519" && k.X != "" {
			keys = append(keys, k.X)
		}
	}
	return keys, nil
}

// WebhookEvent is the body fal posts to a webhook URL.
type WebhookEvent struct {
	RequestID        string          `json:"request_id"`
	GatewayRequestID string          `json:"gateway_request_id"`
	Status           string          `json:"status"`
	Error            string          `json:"error"`
	Payload          json.RawMessage `json:"payload"`
}

// ParseWebhook decodes a webhook body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("creditengine/fal: decode webhook: %w", err)
	}
	if ev.RequestID == "" {
		return WebhookEvent{}, fmt.Errorf("creditengine/fal: webhook without request_id")
	}
	return ev, nil
}

type trainingPayload struct {
	DiffusersLoraFile struct {
		URL string `json:"url"`
	} `json:"diffusers_lora_file"`
}

type imagePayload struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// Outcome maps the event to an engine outcome for a job of the given kind.
// A success without an artifact is reported as a failure: nothing was produced.
func (e WebhookEvent) Outcome(kind ce.JobKind) ce.Outcome {
	switch strings.ToUpper(e.Status) {
	case "OK", "COMPLETED":
	default:
		reason := e.Error
		if reason == "" {
			reason = "provider status " + e.Status
		}
		return ce.Failed(reason)
	}

	artifact := e.artifactURL(kind)
	if artifact == "" {
		return ce.Failed("provider returned no artifact")
	}
	return ce.Succeeded(artifact)
}

func (e WebhookEvent) artifactURL(kind ce.JobKind) string {
	if len(e.Payload) == 0 {
		return ""
	}
	if kind == ce.KindTraining {
		var p trainingPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return ""
		}
		return p.DiffusersLoraFile.URL
	}
	var p imagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || len(p.Images) == 0 {
		return ""
	}
	return p.Images[0].URL
}
