package fal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	ce "github.com/ineyio/creditengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1767268800, 0)

func newTestKey(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv, base64.RawURLEncoding.EncodeToString(pub)
}

func newTestVerifier(t *testing.T, keys ...string) *Verifier {
	t.Helper()
	v, err := NewVerifier(keys, 5*time.Minute)
	require.NoError(t, err)
	v.now = func() time.Time { return testNow }
	return v
}

func signedHeaders(priv ed25519.PrivateKey, requestID string, ts time.Time, body []byte) http.Header {
	sum := sha256.Sum256(body)
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	msg := strings.Join([]string{requestID, "user-42", tsStr, hex.EncodeToString(sum[:])}, "\n")

	h := http.Header{}
	h.Set(HeaderRequestID, requestID)
	h.Set(HeaderUserID, "user-42")
	h.Set(HeaderTimestamp, tsStr)
	h.Set(HeaderSignature, hex.EncodeToString(ed25519.Sign(priv, []byte(msg))))
	return h
}

func TestVerifier_Valid(t *testing.T) {
	priv, pub := newTestKey(t)
	v := newTestVerifier(t, pub)
	body := []byte(`{"request_id":"req-1","status":"OK"}`)

	assert.NoError(t, v.Verify(signedHeaders(priv, "req-1", testNow, body), body))
}

func TestVerifier_KeyRotation(t *testing.T) {
	_, oldPub := newTestKey(t)
	priv, newPub := newTestKey(t)
	v := newTestVerifier(t, oldPub, newPub)
	body := []byte(`{}`)

	assert.NoError(t, v.Verify(signedHeaders(priv, "req-1", testNow, body), body))
}

func TestVerifier_TamperedBody(t *testing.T) {
	priv, pub := newTestKey(t)
	v := newTestVerifier(t, pub)

	h := signedHeaders(priv, "req-1", testNow, []byte(`{"status":"ERROR"}`))
	assert.ErrorIs(t, v.Verify(h, []byte(`{"status":"OK"}`)), ErrBadSignature)
}

func TestVerifier_WrongKey(t *testing.T) {
	priv, _ := newTestKey(t)
	_, otherPub := newTestKey(t)
	v := newTestVerifier(t, otherPub)
	body := []byte(`{}`)

	assert.ErrorIs(t, v.Verify(signedHeaders(priv, "req-1", testNow, body), body), ErrBadSignature)
}

func TestVerifier_StaleTimestamp(t *testing.T) {
	priv, pub := newTestKey(t)
	v := newTestVerifier(t, pub)
	body := []byte(`{}`)

	assert.ErrorIs(t, v.Verify(signedHeaders(priv, "req-1", testNow.Add(-6*time.Minute), body), body), ErrStaleTimestamp)
	assert.ErrorIs(t, v.Verify(signedHeaders(priv, "req-1", testNow.Add(6*time.Minute), body), body), ErrStaleTimestamp)
	assert.NoError(t, v.Verify(signedHeaders(priv, "req-1", testNow.Add(-4*time.Minute), body), body))
}

func TestVerifier_MissingHeaders(t *testing.T) {
	priv, pub := newTestKey(t)
	v := newTestVerifier(t, pub)
	body := []byte(`{}`)

	for _, name := range []string{HeaderRequestID, HeaderUserID, HeaderTimestamp, HeaderSignature} {
		h := signedHeaders(priv, "req-1", testNow, body)
		h.Del(name)
		assert.ErrorIs(t, v.Verify(h, body), ErrMissingSignature, name)
	}
}

func TestVerifier_MalformedSignature(t *testing.T) {
	priv, pub := newTestKey(t)
	v := newTestVerifier(t, pub)
	body := []byte(`{}`)

	h := signedHeaders(priv, "req-1", testNow, body)
	h.Set(HeaderSignature, "zz-not-hex")
	assert.ErrorIs(t, v.Verify(h, body), ErrBadSignature)
}

func TestNewVerifier_InvalidKeys(t *testing.T) {
	_, err := NewVerifier(nil, time.Minute)
	assert.Error(t, err)

	_, err = NewVerifier([]string{"!!!"}, time.Minute)
	assert.Error(t, err)

	_, err = NewVerifier([]string{base64.RawURLEncoding.EncodeToString([]byte("short"))}, time.Minute)
	assert.Error(t, err)

	// Padded keys are accepted.
	_, pub := newTestKey(t)
	_, err = NewVerifier([]string{pub + "="}, time.Minute)
	assert.NoError(t, err)
}

func TestFetchKeys(t *testing.T) {
	_, pub1 := newTestKey(t)
	_, pub2 := newTestKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"keys":[
			{"kty":"OKP","crv":"Ed25519","x":%q},
			{"kty":"RSA","n":"abc","e":"AQAB"},
			{"kty":"OKP","crv":"Ed25519","x":%q}
		]}`, pub1, pub2)
	}))
	defer srv.Close()

	keys, err := FetchKeys(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{pub1, pub2}, keys)

	_, err = NewVerifier(keys, time.Minute)
	assert.NoError(t, err)
}

func TestFetchKeys_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := FetchKeys(context.Background(), nil, srv.URL)
	assert.Error(t, err)
}

func TestParseWebhook(t *testing.T) {
	ev, err := ParseWebhook([]byte(`{"request_id":"req-1","gateway_request_id":"gw-1","status":"OK","payload":{"images":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, "gw-1", ev.GatewayRequestID)

	_, err = ParseWebhook([]byte(`{"status":"OK"}`))
	assert.Error(t, err)

	_, err = ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
}

func TestWebhookEvent_Outcome(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind ce.JobKind
		want ce.Outcome
	}{
		{
			name: "training ok",
			body: `{"request_id":"r","status":"OK","payload":{"diffusers_lora_file":{"url":"https://cdn/lora.safetensors"}}}`,
			kind: ce.KindTraining,
			want: ce.Succeeded("https://cdn/lora.safetensors"),
		},
		{
			name: "image ok",
			body: `{"request_id":"r","status":"OK","payload":{"images":[{"url":"https://cdn/1.png"},{"url":"https://cdn/2.png"}]}}`,
			kind: ce.KindSingleImage,
			want: ce.Succeeded("https://cdn/1.png"),
		},
		{
			name: "error with message",
			body: `{"request_id":"r","status":"ERROR","error":"Invalid status code: 422"}`,
			kind: ce.KindPackImage,
			want: ce.Failed("Invalid status code: 422"),
		},
		{
			name: "error without message",
			body: `{"request_id":"r","status":"ERROR"}`,
			kind: ce.KindSingleImage,
			want: ce.Failed("provider status ERROR"),
		},
		{
			name: "ok without artifact",
			body: `{"request_id":"r","status":"OK","payload":{"images":[]}}`,
			kind: ce.KindSingleImage,
			want: ce.Failed("provider returned no artifact"),
		},
		{
			name: "ok with wrong payload shape",
			body: `{"request_id":"r","status":"OK","payload":{"images":[{"url":"https://cdn/1.png"}]}}`,
			kind: ce.KindTraining,
			want: ce.Failed("provider returned no artifact"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Outcome(tt.kind))
		})
	}
}
