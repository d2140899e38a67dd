package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RequestTimeout is the hard per-request deadline. Providers that
// cannot answer within it are treated as failed for this attempt.
const RequestTimeout = 12 * time.Second

// maxTrackedReferences bounds the in-memory source reference log.
const maxTrackedReferences = 500

// SourceReference records a successful upstream fetch for the audit
// trail carried in phase outputs.
type SourceReference struct {
	ID        string    `json:"id"` // tool call id supplied by the caller
	Provider  string    `json:"provider"`
	Endpoint  string    `json:"endpoint"`
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Error is the typed failure returned for any unsuccessful fetch.
// Retries are the caller's decision.
type Error struct {
	Provider   string
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s): HTTP %d", e.URL, e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRateLimited reports whether the upstream answered 429.
func (e *Error) IsRateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// Client is a timeout-bounded JSON/text fetcher with per-host minimum
// intervals and a per-provider circuit breaker. All pipeline network
// traffic flows through one Client so source references stay ordered.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	refs     []SourceReference
}

// New creates a fetch client.
func New(log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: RequestTimeout},
		log:        log.With().Str("client", "fetch").Logger(),
		limiters:   make(map[string]*rate.Limiter),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetMinInterval enforces a minimum spacing between requests to host.
func (c *Client) SetMinInterval(host string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiters[host] = rate.NewLimiter(rate.Every(interval), 1)
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[host]; ok {
		return lim
	}
	// Unconfigured hosts get a generous default so a misbehaving
	// provider cannot starve the rest of an attempt.
	lim := rate.NewLimiter(rate.Every(100*time.Millisecond), 2)
	c.limiters[host] = lim
	return lim
}

func (c *Client) breakerFor(provider string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit state changed")
		},
	})
	c.breakers[provider] = cb
	return cb
}

// JSON fetches url and decodes the body into out. On success the
// source reference is recorded and returned.
func (c *Client) JSON(ctx context.Context, provider, rawURL, toolCallID string, headers map[string]string, out interface{}) (*SourceReference, error) {
	body, ref, err := c.fetch(ctx, provider, rawURL, toolCallID, headers, "application/json")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, &Error{Provider: provider, URL: rawURL, Err: fmt.Errorf("decode response: %w", err)}
	}
	return ref, nil
}

// Text fetches url and returns the raw body as a string.
func (c *Client) Text(ctx context.Context, provider, rawURL, toolCallID string, headers map[string]string) (string, *SourceReference, error) {
	body, ref, err := c.fetch(ctx, provider, rawURL, toolCallID, headers, "")
	if err != nil {
		return "", nil, err
	}
	return string(body), ref, nil
}

func (c *Client) fetch(ctx context.Context, provider, rawURL, toolCallID string, headers map[string]string, accept string) ([]byte, *SourceReference, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, &Error{Provider: provider, URL: rawURL, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	if err := c.limiterFor(parsed.Host).Wait(ctx); err != nil {
		return nil, nil, &Error{Provider: provider, URL: rawURL, Err: err}
	}

	result, err := c.breakerFor(provider).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &Error{Provider: provider, URL: rawURL, Err: err}
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		req.Header.Set("User-Agent", "selun-engine/1.0")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &Error{Provider: provider, URL: rawURL, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			// Drain so the connection can be reused.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, &Error{Provider: provider, URL: rawURL, StatusCode: resp.StatusCode}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Provider: provider, URL: rawURL, Err: err}
		}
		return body, nil
	})
	if err != nil {
		if _, ok := err.(*Error); !ok {
			// Open-circuit rejections arrive as plain gobreaker errors.
			err = &Error{Provider: provider, URL: rawURL, Err: err}
		}
		return nil, nil, err
	}

	ref := SourceReference{
		ID:        toolCallID,
		Provider:  provider,
		Endpoint:  parsed.Path,
		URL:       rawURL,
		FetchedAt: time.Now().UTC(),
	}
	c.recordReference(ref)

	return result.([]byte), &ref, nil
}

func (c *Client) recordReference(ref SourceReference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = append(c.refs, ref)
	if len(c.refs) > maxTrackedReferences {
		c.refs = c.refs[len(c.refs)-maxTrackedReferences:]
	}
}

// References returns a copy of the recorded source references.
func (c *Client) References() []SourceReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SourceReference, len(c.refs))
	copy(out, c.refs)
	return out
}
