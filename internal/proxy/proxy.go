// Package proxy issues authenticated HTTP requests to peer actors. Every
// outbound request carries correlation headers; transport and HTTP failures
// are returned as structured values, never as raised errors.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/actingweb/actingweb-sub002/internal/awctx"
	"github.com/actingweb/actingweb-sub002/internal/messaging"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
)

// Shared pooled HTTP client. One per process; construction is guarded by a
// mutex and it is never closed except at process exit.
var (
	sharedMu     sync.Mutex
	sharedClient *http.Client
)

// SharedClient returns the process-wide HTTP client, creating it on first
// use. The connect timeout is fixed at first construction.
func SharedClient(connectTimeout time.Duration) *http.Client {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedClient == nil {
		sharedClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				MaxConnsPerHost:     100,
				IdleConnTimeout:     30 * time.Second,
			},
			// Redirects surface to the caller: a 302 must reach the
			// fallback logic instead of being followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return sharedClient
}

// Target identifies the peer endpoint a call is addressed to, usually
// loaded from a trust record. Passphrase, when set, arms the single
// Bearer-to-Basic retry.
type Target struct {
	ActorID    string
	PeerID     string
	BaseURI    string
	Secret     string
	Passphrase string
}

// Result is the outcome of one logical call (including its optional
// fallback retry). Value holds the decoded JSON body when the response was
// JSON, or a structured error dict when the call failed; a 2xx non-JSON
// body leaves Value nil with Body set.
type Result struct {
	StatusCode        int
	Header            http.Header
	Body              []byte
	Value             map[string]any
	Location          string
	Transport         bool // true when the request never completed
	UsedBasicFallback bool
	Duration          time.Duration
}

// OK reports a completed 2xx response.
func (r *Result) OK() bool {
	return !r.Transport && r.StatusCode >= 200 && r.StatusCode < 300
}

// Err extracts the structured error when the call failed.
func (r *Result) Err() (code int, message string, ok bool) {
	if r.Value == nil {
		return 0, "", false
	}
	return messaging.AsErrorDict(r.Value)
}

// Client issues requests to peers over the shared HTTP client.
type Client struct {
	http        *http.Client
	readTimeout time.Duration
	logger      zerolog.Logger
}

// New creates a proxy client. connect bounds dialing (applied at shared
// client construction), read bounds a whole call when the caller's context
// carries no deadline of its own.
func New(connect, read time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		http:        SharedClient(connect),
		readTimeout: read,
		logger:      logger.With().Str("component", "proxy").Logger(),
	}
}

// joinURL builds baseuri/path?params with surrounding slashes normalized.
func joinURL(baseURI, path string, params url.Values) string {
	u := strings.TrimRight(baseURI, "/")
	if p := strings.Trim(path, "/"); p != "" {
		u += "/" + p
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// GetResource issues a GET to path under the target's base URI.
func (c *Client) GetResource(ctx context.Context, t Target, path string, params url.Values) *Result {
	return c.do(ctx, t, http.MethodGet, joinURL(t.BaseURI, path, params), nil, nil)
}

// CreateResource issues a POST with a JSON body. The Location response
// header, when present, is captured into the result.
func (c *Client) CreateResource(ctx context.Context, t Target, path string, body any) *Result {
	raw, err := json.Marshal(body)
	if err != nil {
		return &Result{
			StatusCode: 500,
			Transport:  true,
			Value:      messaging.ErrorDict(500, fmt.Sprintf("encode request body: %v", err)),
		}
	}
	return c.do(ctx, t, http.MethodPost, joinURL(t.BaseURI, path, nil), raw, map[string]string{
		"Content-Type": "application/json",
	})
}

// ChangeResource issues a PUT with a JSON body.
func (c *Client) ChangeResource(ctx context.Context, t Target, path string, body any) *Result {
	raw, err := json.Marshal(body)
	if err != nil {
		return &Result{
			StatusCode: 500,
			Transport:  true,
			Value:      messaging.ErrorDict(500, fmt.Sprintf("encode request body: %v", err)),
		}
	}
	return c.do(ctx, t, http.MethodPut, joinURL(t.BaseURI, path, nil), raw, map[string]string{
		"Content-Type": "application/json",
	})
}

// DeleteResource issues a DELETE to path under the target's base URI.
func (c *Client) DeleteResource(ctx context.Context, t Target, path string) *Result {
	return c.do(ctx, t, http.MethodDelete, joinURL(t.BaseURI, path, nil), nil, nil)
}

// Deliver POSTs a prepared body to an absolute URL with caller-supplied
// headers. Used for callback delivery, where the fan-out manager owns the
// envelope bytes, compression, and timeout.
func (c *Client) Deliver(ctx context.Context, t Target, rawURL string, body []byte, headers map[string]string) *Result {
	return c.do(ctx, t, http.MethodPost, rawURL, body, headers)
}

// FetchMeta GETs a plain-text meta resource under baseURI, unauthenticated.
// Satisfies the capability cache's fetcher interface.
func (c *Client) FetchMeta(ctx context.Context, baseURI, path string) (string, int, error) {
	r := c.do(ctx, Target{BaseURI: baseURI}, http.MethodGet, joinURL(baseURI, path, nil), nil, nil)
	if r.Transport {
		_, msg, _ := r.Err()
		return "", r.StatusCode, errors.New(msg)
	}
	return string(r.Body), r.StatusCode, nil
}

func (c *Client) do(ctx context.Context, t Target, method, rawURL string, body []byte, headers map[string]string) *Result {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}

	// One logical call keeps one X-Request-ID across the fallback retry.
	requestID := awctx.NewRequestID()
	parentID := awctx.RequestID(ctx)
	logger := awctx.Logger(ctx, c.logger)

	start := time.Now()
	resp, err := c.send(ctx, t, method, rawURL, body, headers, requestID, parentID, false)
	if err != nil {
		monitoring.RecordProxyRequest("error")
		return transportFailure(err, time.Since(start))
	}

	fallback := false
	if (resp.StatusCode == http.StatusFound ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden) && t.Passphrase != "" {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		logger.Debug().
			Int("status", resp.StatusCode).
			Str("url", rawURL).
			Msg("Bearer rejected, retrying with trustee Basic auth")

		resp, err = c.send(ctx, t, method, rawURL, body, headers, requestID, parentID, true)
		if err != nil {
			monitoring.RecordProxyRequest("error")
			return transportFailure(err, time.Since(start))
		}
		fallback = true
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		monitoring.RecordProxyRequest("error")
		return transportFailure(err, time.Since(start))
	}

	result := &Result{
		StatusCode:        resp.StatusCode,
		Header:            resp.Header,
		Body:              raw,
		UsedBasicFallback: fallback,
		Duration:          time.Since(start),
	}
	if method == http.MethodPost {
		result.Location = resp.Header.Get("Location")
	}

	var decoded map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		result.Value = decoded
	} else if !result.OK() {
		result.Value = messaging.ErrorDict(resp.StatusCode, messaging.NonJSONErrorMessage(resp.StatusCode))
	}

	outcome := "ok"
	if fallback {
		outcome = "fallback"
	}
	if !result.OK() {
		outcome = "error"
	}
	monitoring.RecordProxyRequest(outcome)

	logger.Debug().
		Str("method", method).
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Bool("fallback", fallback).
		Dur("duration", result.Duration).
		Msg("Peer request completed")
	return result
}

func (c *Client) send(ctx context.Context, t Target, method, rawURL string, body []byte, headers map[string]string, requestID, parentID string, basic bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-Request-ID", requestID)
	if parentID != "" {
		req.Header.Set("X-Parent-Request-ID", parentID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if basic {
		cred := base64.StdEncoding.EncodeToString([]byte("trustee:" + t.Passphrase))
		req.Header.Set("Authorization", "Basic "+cred)
	} else if t.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+t.Secret)
	}

	return c.http.Do(req)
}

// transportFailure classifies a request that never completed: 408 for
// timeouts, 502 for connect or network failures, 500 otherwise.
func transportFailure(err error, duration time.Duration) *Result {
	code := 500
	message := err.Error()

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = 408
		message = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		code = 408
		message = "request timed out"
	default:
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			code = 502
		}
	}

	return &Result{
		StatusCode: code,
		Transport:  true,
		Value:      messaging.ErrorDict(code, message),
		Duration:   duration,
	}
}
