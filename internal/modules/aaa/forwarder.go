package aaa

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
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
)

// allocatePath is the downstream allocator endpoint.
const allocatePath = "/selun/allocate"

// request is the webhook body contract.
type request struct {
	JobID        string `json:"job_id"`
	SelunBaseURL string `json:"selun_base_url"`
}

// Forwarder dispatches finalised allocations to the downstream
// allocator with an HMAC-signed webhook.
type Forwarder struct {
	baseURL      string
	selunBaseURL string
	secret       []byte
	httpClient   *http.Client
	log          zerolog.Logger
	now          func() time.Time
}

// New creates the forwarder. An empty baseURL disables dispatch.
func New(baseURL, selunBaseURL, hmacSecret string, timeout time.Duration, log zerolog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Forwarder{
		baseURL:      baseURL,
		selunBaseURL: selunBaseURL,
		secret:       []byte(hmacSecret),
		httpClient:   &http.Client{Timeout: timeout},
		log:          log.With().Str("component", "aaa_forwarder").Logger(),
		now:          time.Now,
	}
}

// Enabled reports whether a downstream allocator is configured.
func (f *Forwarder) Enabled() bool { return f.baseURL != "" }

// Forward POSTs the job reference to the allocator. Non-2xx responses
// and timeouts surface as ErrWebhookFailure; the caller records the
// outcome on the job and completes regardless.
func (f *Forwarder) Forward(ctx context.Context, jobID string) error {
	if !f.Enabled() {
		return nil
	}

	body, err := json.Marshal(request{JobID: jobID, SelunBaseURL: f.selunBaseURL})
	if err != nil {
		return fmt.Errorf("%w: marshal body: %v", domain.ErrWebhookFailure, err)
	}

	timestamp := strconv.FormatInt(f.now().Unix(), 10)
	signature := f.sign(timestamp, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+allocatePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrWebhookFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-selun-timestamp", timestamp)
	req.Header.Set("x-selun-signature", signature)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWebhookFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: allocator answered HTTP %d", domain.ErrWebhookFailure, resp.StatusCode)
	}

	f.log.Info().Str("job_id", jobID).Msg("Allocation forwarded to AAA")
	return nil
}

// sign builds "sha256=hex(HMAC(secret, "<timestamp>.<body>"))".
func (f *Forwarder) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
