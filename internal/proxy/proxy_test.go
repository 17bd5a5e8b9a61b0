package proxy

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actingweb/actingweb-sub002/internal/awctx"
)

func newTestClient() *Client {
	return New(2*time.Second, 5*time.Second, zerolog.Nop())
}

// recordingHandler captures every request it serves.
type recordingHandler struct {
	mu       sync.Mutex
	requests []*http.Request
	handler  http.HandlerFunc
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests = append(h.requests, r.Clone(context.Background()))
	h.mu.Unlock()
	h.handler(w, r)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *recordingHandler) request(i int) *http.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[i]
}

func TestCorrelationHeadersAlwaysPresent(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := newTestClient()
	// Unauthenticated target: correlation headers must still be sent.
	r := c.GetResource(context.Background(), Target{BaseURI: srv.URL}, "meta", nil)
	require.True(t, r.OK())

	req := h.request(0)
	assert.NotEmpty(t, req.Header.Get("X-Request-ID"))
	assert.Empty(t, req.Header.Get("X-Parent-Request-ID"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestParentRequestIDInherited(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, parent := awctx.Set(context.Background(), "", "actor-a", "", true)
	c := newTestClient()
	c.GetResource(ctx, Target{BaseURI: srv.URL, Secret: "tok"}, "resource", nil)

	req := h.request(0)
	assert.Equal(t, parent, req.Header.Get("X-Parent-Request-ID"))
	assert.NotEqual(t, parent, req.Header.Get("X-Request-ID"), "outbound id must be fresh")
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
}

func TestBasicFallbackOn401(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok" {
			w.WriteHeader(401)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := newTestClient()
	r := c.GetResource(context.Background(), Target{
		BaseURI:    srv.URL,
		Secret:     "tok",
		Passphrase: "pass123",
	}, "resource", nil)

	require.True(t, r.OK())
	assert.True(t, r.UsedBasicFallback)
	assert.Equal(t, map[string]any{"ok": true}, r.Value)

	require.Equal(t, 2, h.count())
	first, second := h.request(0), h.request(1)

	wantBasic := "Basic " + base64.StdEncoding.EncodeToString([]byte("trustee:pass123"))
	assert.Equal(t, "Bearer tok", first.Header.Get("Authorization"))
	assert.Equal(t, wantBasic, second.Header.Get("Authorization"))

	// Both attempts correlate as one logical call.
	assert.Equal(t, first.Header.Get("X-Request-ID"), second.Header.Get("X-Request-ID"))
	assert.Equal(t, first.Header.Get("X-Parent-Request-ID"), second.Header.Get("X-Parent-Request-ID"))
}

func TestFallbackOn302NotFollowed(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok" {
			w.Header().Set("Location", "http://elsewhere.example.com/login")
			w.WriteHeader(302)
			return
		}
		w.WriteHeader(204)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := newTestClient()
	r := c.GetResource(context.Background(), Target{
		BaseURI:    srv.URL,
		Secret:     "tok",
		Passphrase: "p",
	}, "resource", nil)

	require.True(t, r.OK())
	assert.True(t, r.UsedBasicFallback)
	// The redirect target was never fetched; both hits landed on our server.
	assert.Equal(t, 2, h.count())
}

func TestNoFallbackWithoutPassphrase(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := newTestClient()
	r := c.GetResource(context.Background(), Target{BaseURI: srv.URL, Secret: "tok"}, "x", nil)

	assert.Equal(t, 401, r.StatusCode)
	assert.False(t, r.UsedBasicFallback)
	assert.Equal(t, 1, h.count())
}

func TestNoSecondRetryAfterFallback(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := newTestClient()
	r := c.GetResource(context.Background(), Target{
		BaseURI:    srv.URL,
		Secret:     "tok",
		Passphrase: "p",
	}, "x", nil)

	assert.Equal(t, 403, r.StatusCode)
	assert.Equal(t, 2, h.count(), "exactly one fallback retry")
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base, path string
		params     url.Values
		want       string
	}{
		{"http://h/a1/", "/trust/", nil, "http://h/a1/trust"},
		{"http://h/a1", "trust", nil, "http://h/a1/trust"},
		{"http://h/a1", "", nil, "http://h/a1"},
		{"http://h/a1", "props", url.Values{"q": {"x y"}}, "http://h/a1/props?q=x+y"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, joinURL(tc.base, tc.path, tc.params))
	}
}

func TestParamsNotMutated(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	params := url.Values{"a": {"1"}, "b": {"2"}}
	c := newTestClient()
	c.GetResource(context.Background(), Target{BaseURI: srv.URL}, "r", params)

	assert.Equal(t, url.Values{"a": {"1"}, "b": {"2"}}, params)
	assert.Equal(t, "1", h.request(0).URL.Query().Get("a"))
}

func TestPostCapturesLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Location", "http://h/a1/trust/friend/peer-9")
		w.WriteHeader(201)
	}))
	defer srv.Close()

	c := newTestClient()
	r := c.CreateResource(context.Background(), Target{BaseURI: srv.URL}, "trust", map[string]any{"relationship": "friend"})

	require.Equal(t, 201, r.StatusCode)
	assert.Equal(t, "http://h/a1/trust/friend/peer-9", r.Location)
}

func TestNon2xxNonJSONSynthesizesErrorDict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	c := newTestClient()
	r := c.GetResource(context.Background(), Target{BaseURI: srv.URL}, "x", nil)

	code, msg, ok := r.Err()
	require.True(t, ok)
	assert.Equal(t, 500, code)
	assert.Equal(t, "HTTP 500 with non-JSON response", msg)
	assert.False(t, r.Transport)
}

func TestNon2xxJSONBodyPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"code":404,"message":"no such subscription"}}`))
	}))
	defer srv.Close()

	c := newTestClient()
	r := c.GetResource(context.Background(), Target{BaseURI: srv.URL}, "x", nil)

	code, msg, ok := r.Err()
	require.True(t, ok)
	assert.Equal(t, 404, code)
	assert.Equal(t, "no such subscription", msg)
}

func Test2xxNonJSONKeepsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("callbackcompression,subscriptionresync"))
	}))
	defer srv.Close()

	c := newTestClient()
	r := c.GetResource(context.Background(), Target{BaseURI: srv.URL}, "meta/actingweb/supported", nil)

	require.True(t, r.OK())
	assert.Nil(t, r.Value)
	assert.Equal(t, "callbackcompression,subscriptionresync", string(r.Body))
}

func TestTimeoutClassifiedAs408(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := New(2*time.Second, 50*time.Millisecond, zerolog.Nop())
	r := c.GetResource(context.Background(), Target{BaseURI: srv.URL}, "slow", nil)

	assert.True(t, r.Transport)
	code, _, ok := r.Err()
	require.True(t, ok)
	assert.Equal(t, 408, code)
}

func TestConnectionRefusedClassifiedAs502(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := newTestClient()
	r := c.GetResource(context.Background(), Target{BaseURI: base}, "x", nil)

	assert.True(t, r.Transport)
	code, _, ok := r.Err()
	require.True(t, ok)
	assert.Equal(t, 502, code)
}

func TestDeliverSendsPreparedHeadersAndBody(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		got = r.Clone(context.Background())
		w.WriteHeader(204)
	}))
	defer srv.Close()

	c := newTestClient()
	r := c.Deliver(context.Background(), Target{Secret: "tok"}, srv.URL+"/callbacks/subscriptions/p/s",
		[]byte(`{"sequence":1}`), map[string]string{
			"Content-Type": "application/json",
			"X-ActingWeb-Granularity-Downgraded": "true",
		})

	require.True(t, r.OK())
	assert.Equal(t, "true", got.Header.Get("X-ActingWeb-Granularity-Downgraded"))
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	assert.NotEmpty(t, got.Header.Get("X-Request-ID"))
	assert.JSONEq(t, `{"sequence":1}`, string(body))
}

func TestChangeResourcePut(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := newTestClient()
	r := c.ChangeResource(context.Background(), Target{BaseURI: srv.URL, Secret: "s"}, "subscriptions/me/sub1", map[string]any{"sequence": 5})
	require.True(t, r.OK())
	assert.Equal(t, http.MethodPut, h.request(0).Method)
}

func TestDeleteResource(t *testing.T) {
	h := &recordingHandler{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := newTestClient()
	r := c.DeleteResource(context.Background(), Target{BaseURI: srv.URL, Secret: "s"}, "trust/friend/me")
	require.True(t, r.OK())
	assert.Equal(t, http.MethodDelete, h.request(0).Method)
}

func TestFetchMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a1/meta/actingweb/supported" {
			w.Write([]byte("subscriptionresync"))
			return
		}
		w.WriteHeader(404)
	}))
	defer srv.Close()

	c := newTestClient()
	body, status, err := c.FetchMeta(context.Background(), srv.URL+"/a1", "meta/actingweb/supported")
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "subscriptionresync", body)

	_, status, err = c.FetchMeta(context.Background(), srv.URL+"/a1", "meta/actingweb/version")
	require.NoError(t, err)
	assert.Equal(t, 404, status)
}
