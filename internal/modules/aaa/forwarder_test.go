package aaa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/domain"
)

func TestForwardSignsAndPosts(t *testing.T) {
	secret := "super-secret"
	var gotPath, gotTimestamp, gotSignature string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTimestamp = r.Header.Get("x-selun-timestamp")
		gotSignature = r.Header.Get("x-selun-signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(srv.URL, "https://selun.example", secret, time.Second, zerolog.Nop())
	require.NoError(t, f.Forward(context.Background(), "job-42"))

	assert.Equal(t, "/selun/allocate", gotPath)

	var body map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "job-42", body["job_id"])
	assert.Equal(t, "https://selun.example", body["selun_base_url"])

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTimestamp + "."))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSignature)
}

func TestForwardNon2xxIsWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(srv.URL, "https://selun.example", "s", time.Second, zerolog.Nop())
	err := f.Forward(context.Background(), "job-42")
	assert.ErrorIs(t, err, domain.ErrWebhookFailure)
}

func TestForwardTimeoutIsWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(srv.URL, "https://selun.example", "s", 20*time.Millisecond, zerolog.Nop())
	err := f.Forward(context.Background(), "job-42")
	assert.ErrorIs(t, err, domain.ErrWebhookFailure)
}

func TestForwardDisabledWithoutBaseURL(t *testing.T) {
	f := New("", "https://selun.example", "s", time.Second, zerolog.Nop())
	assert.False(t, f.Enabled())
	assert.NoError(t, f.Forward(context.Background(), "job-42"))
}
