package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_RecordsSourceReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 42.5}`))
	}))
	defer srv.Close()

	client := New(zerolog.Nop())

	var out struct {
		Price float64 `json:"price"`
	}
	ref, err := client.JSON(context.Background(), "testprov", srv.URL+"/v1/price", "tool-1", nil, &out)
	require.NoError(t, err)

	assert.Equal(t, 42.5, out.Price)
	assert.Equal(t, "tool-1", ref.ID)
	assert.Equal(t, "testprov", ref.Provider)
	assert.Equal(t, "/v1/price", ref.Endpoint)
	assert.WithinDuration(t, time.Now().UTC(), ref.FetchedAt, 5*time.Second)

	refs := client.References()
	require.Len(t, refs, 1)
	assert.Equal(t, "tool-1", refs[0].ID)
}

func TestJSON_NonOKIsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(zerolog.Nop())

	var out map[string]interface{}
	_, err := client.JSON(context.Background(), "testprov", srv.URL, "tool-2", nil, &out)
	require.Error(t, err)

	fetchErr, ok := err.(*Error)
	require.True(t, ok, "expected *fetch.Error, got %T", err)
	assert.Equal(t, http.StatusTooManyRequests, fetchErr.StatusCode)
	assert.True(t, fetchErr.IsRateLimited())

	// Failures never record references
	assert.Empty(t, client.References())
}

func TestText_ReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	client := New(zerolog.Nop())

	body, ref, err := client.Text(context.Background(), "testprov", srv.URL, "tool-3", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
	assert.Equal(t, "tool-3", ref.ID)
}

func TestJSON_PassesHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-CMC_PRO_API_KEY")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(zerolog.Nop())

	var out map[string]interface{}
	_, err := client.JSON(context.Background(), "coinmarketcap", srv.URL, "tool-4",
		map[string]string{"X-CMC_PRO_API_KEY": "key-123"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "key-123", got)
}

func TestCircuitBreaker_OpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(zerolog.Nop())

	var out map[string]interface{}
	for i := 0; i < 10; i++ {
		_, _ = client.JSON(context.Background(), "flaky", srv.URL, "tool", nil, &out)
	}

	// After the trip threshold the breaker rejects without dialing.
	start := time.Now()
	_, err := client.JSON(context.Background(), "flaky", srv.URL, "tool", nil, &out)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSetMinInterval_SpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(zerolog.Nop())
	host := srv.Listener.Addr().String()
	client.SetMinInterval(host, 150*time.Millisecond)

	var out map[string]interface{}
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.JSON(context.Background(), "paced", srv.URL, "tool", nil, &out)
		require.NoError(t, err)
	}

	// Two gaps of 150ms after the initial token.
	assert.GreaterOrEqual(t, time.Since(start), 280*time.Millisecond)
}
