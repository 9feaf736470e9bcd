package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wildcastradio/aircast/internal/auth"
	"github.com/wildcastradio/aircast/internal/health"
)

const (
	requestTimeout = 15 * time.Second
	// maxRetries bounds retries of idempotent requests on 5xx responses.
	maxRetries = 3
	retryDelay = 500 * time.Millisecond
)

// Broadcast is the server's broadcast resource.
type Broadcast struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt"`
}

// StreamStatus is the REST status endpoint payload.
type StreamStatus struct {
	Healthy       bool       `json:"healthy"`
	Recovering    bool       `json:"recovering"`
	BroadcastLive bool       `json:"broadcastLive"`
	ListenerCount int        `json:"listenerCount"`
	Bitrate       int        `json:"bitrate"`
	ErrorMessage  string     `json:"errorMessage"`
	LastCheckedAt *time.Time `json:"lastCheckedAt"`
	StreamURL     string     `json:"streamUrl"`
}

// StatusError carries a non-2xx API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: server returned %d: %s", e.Code, e.Body)
}

// Client talks to the radio server's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	log     *slog.Logger
}

func NewClient(baseURL string, tokens auth.TokenSource, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		tokens:  tokens,
		log:     log.With("component", "api"),
	}
}

// CreateBroadcast registers a new broadcast and returns it.
func (c *Client) CreateBroadcast(ctx context.Context, title, description string) (*Broadcast, error) {
	var b Broadcast
	payload := map[string]string{"title": title, "description": description}
	if err := c.do(ctx, http.MethodPost, "/api/broadcasts", payload, &b, false); err != nil {
		return nil, err
	}
	return &b, nil
}

// StartBroadcast flips the broadcast live.
func (c *Client) StartBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	var b Broadcast
	path := fmt.Sprintf("/api/broadcasts/%s/start", id)
	if err := c.do(ctx, http.MethodPost, path, nil, &b, false); err != nil {
		return nil, err
	}
	return &b, nil
}

// EndBroadcast ends the broadcast. Retried on 5xx: ending twice is
// harmless, leaving a zombie broadcast is not.
func (c *Client) EndBroadcast(ctx context.Context, id string) error {
	path := fmt.Sprintf("/api/broadcasts/%s/end", id)
	return c.do(ctx, http.MethodPost, path, nil, nil, true)
}

// ActiveBroadcast returns the DJ's live broadcast, or nil when none.
func (c *Client) ActiveBroadcast(ctx context.Context) (*Broadcast, error) {
	var b Broadcast
	err := c.do(ctx, http.MethodGet, "/api/broadcasts/active", nil, &b, true)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if b.ID == "" {
		return nil, nil
	}
	return &b, nil
}

// FetchStatus pulls the public stream status, shaped as a health report
// for the tracker.
func (c *Client) FetchStatus(ctx context.Context) (health.Report, error) {
	var s StreamStatus
	if err := c.do(ctx, http.MethodGet, "/api/stream/status", nil, &s, true); err != nil {
		return health.Report{}, err
	}
	at := time.Now()
	if s.LastCheckedAt != nil {
		at = *s.LastCheckedAt
	}
	return health.Report{
		Healthy:      s.Healthy,
		Recovering:   s.Recovering,
		Live:         s.BroadcastLive,
		Listeners:    s.ListenerCount,
		Bitrate:      s.Bitrate,
		ErrorMessage: s.ErrorMessage,
		At:           at,
	}, nil
}

// do performs one API request. When retry is set, 5xx responses and
// transport errors are retried with a short delay, up to maxRetries
// attempts total.
func (c *Client) do(ctx context.Context, method, path string, payload, out any, retry bool) error {
	attempts := 1
	if retry {
		attempts = maxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.log.Warn("retrying request", "method", method, "path", path, "attempt", i+1, "err", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		lastErr = c.doOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && se.Code < 500 {
			return lastErr // client errors never heal on retry
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range auth.Header(c.tokens) {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
