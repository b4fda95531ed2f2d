package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubRenderer lets handler tests run without a browser pool.
type stubRenderer struct {
	stats  PoolStats
	ready  bool
	result *Result
	err    *Error
	calls  atomic.Int32
}

func (r *stubRenderer) Render(context.Context, *Request) (*Result, *Error) {
	r.calls.Add(1)
	return r.result, r.err
}

func (r *stubRenderer) Stats() PoolStats           { return r.stats }
func (r *stubRenderer) Ready(context.Context) bool { return r.ready }

type stubAuth struct {
	result AuthResult
}

func (a stubAuth) Check(string) AuthResult { return a.result }

type captureRecorder struct {
	mu      sync.Mutex
	records []RenderRecord
}

func (c *captureRecorder) Record(rec RenderRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureRecorder) wait(t *testing.T, n int) []RenderRecord {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.records) >= n {
			out := append([]RenderRecord(nil), c.records...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("recorder never received %d records", n)
	return nil
}

func newTestServer(t *testing.T, renderer Renderer, auth AuthProvider, recorder Recorder) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PublicBaseURL = "https://img.example.com"
	store, err := NewImageStoreMemory(time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewImageStoreMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewServer(cfg, renderer, store, auth, recorder, zerolog.Nop())
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func TestServer_RenderSuccess(t *testing.T) {
	renderer := &stubRenderer{
		ready: true,
		result: &Result{
			Image:       []byte("png-bytes"),
			ContentType: "image/png",
			Stats:       Stats{RenderMs: 12},
		},
	}
	rec := &captureRecorder{}
	srv := newTestServer(t, renderer, nil, rec)

	w := doJSON(t, srv.Handler(), "POST", "/render", `{"html":"<h1>hi</h1>"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["id"] == "" {
		t.Fatal("response missing image id")
	}
	if want := "https://img.example.com/images/" + resp["id"] + ".png"; resp["url"] != want {
		t.Errorf("url = %q, want %q", resp["url"], want)
	}

	// The image must be retrievable afterwards.
	got := doJSON(t, srv.Handler(), "GET", "/images/"+resp["id"], "")
	if got.Code != http.StatusOK {
		t.Fatalf("GET image status = %d", got.Code)
	}
	if got.Body.String() != "png-bytes" {
		t.Errorf("image body = %q", got.Body.String())
	}
	if ct := got.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}

	records := rec.wait(t, 1)
	if !records[0].Succeeded || records[0].ImageID != resp["id"] {
		t.Errorf("record = %+v, want success for %s", records[0], resp["id"])
	}
}

func TestServer_RenderJpegURLExtension(t *testing.T) {
	renderer := &stubRenderer{
		ready:  true,
		result: &Result{Image: []byte("jpg"), ContentType: "image/jpeg"},
	}
	srv := newTestServer(t, renderer, nil, nil)

	w := doJSON(t, srv.Handler(), "POST", "/render", `{"html":"<p>x</p>","format":"jpeg"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if !strings.HasSuffix(resp["url"], ".jpg") {
		t.Errorf("jpeg url = %q, want .jpg suffix", resp["url"])
	}
}

func TestServer_RenderValidationError(t *testing.T) {
	renderer := &stubRenderer{ready: true}
	srv := newTestServer(t, renderer, nil, nil)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"empty html", `{"html":""}`, CodeMissingHTML},
		{"bad json", `{"html":`, CodeInvalidJSON},
		{"bad format", `{"html":"<p>x</p>","format":"gif"}`, CodeInvalidFormat},
		{"bad width", `{"html":"<p>x</p>","width":99999}`, CodeInvalidWidth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, srv.Handler(), "POST", "/render", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var e Error
			decodeBody(t, w, &e)
			if e.Code != tc.code {
				t.Errorf("code = %q, want %q", e.Code, tc.code)
			}
		})
	}
	if renderer.calls.Load() != 0 {
		t.Errorf("renderer called %d times for invalid requests, want 0", renderer.calls.Load())
	}
}

// Admission control rejects before a browser is ever requested.
func TestServer_QueueFull(t *testing.T) {
	renderer := &stubRenderer{
		ready: true,
		stats: PoolStats{QueueLength: DefaultConfig().MaxQueueLength},
	}
	srv := newTestServer(t, renderer, nil, nil)

	w := doJSON(t, srv.Handler(), "POST", "/render", `{"html":"<p>x</p>"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	var e Error
	decodeBody(t, w, &e)
	if e.Code != CodeQueueFull {
		t.Errorf("code = %q, want %s", e.Code, CodeQueueFull)
	}
	if renderer.calls.Load() != 0 {
		t.Error("renderer must not be invoked when the queue is full")
	}
}

func TestServer_RenderFailureRelayed(t *testing.T) {
	renderer := &stubRenderer{
		ready: true,
		err:   &Error{Code: CodeRenderTimeout, Message: "render exceeded deadline"},
	}
	rec := &captureRecorder{}
	srv := newTestServer(t, renderer, nil, rec)

	w := doJSON(t, srv.Handler(), "POST", "/render", `{"html":"<p>x</p>"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var e Error
	decodeBody(t, w, &e)
	if e.Code != CodeRenderTimeout {
		t.Errorf("code = %q, want %s", e.Code, CodeRenderTimeout)
	}

	records := rec.wait(t, 1)
	if records[0].Succeeded || records[0].ErrorCode != CodeRenderTimeout {
		t.Errorf("record = %+v, want failed with %s", records[0], CodeRenderTimeout)
	}
}

// An identical request within the cache TTL is served without rendering
// again.
func TestServer_ResultCacheHit(t *testing.T) {
	renderer := &stubRenderer{
		ready:  true,
		result: &Result{Image: []byte("img"), ContentType: "image/png"},
	}
	srv := newTestServer(t, renderer, nil, nil)

	body := `{"html":"<p>cached</p>"}`
	first := doJSON(t, srv.Handler(), "POST", "/render", body)
	if first.Code != http.StatusOK {
		t.Fatalf("first render status = %d", first.Code)
	}
	second := doJSON(t, srv.Handler(), "POST", "/render", body)
	if second.Code != http.StatusOK {
		t.Fatalf("second render status = %d", second.Code)
	}

	if got := renderer.calls.Load(); got != 1 {
		t.Errorf("renderer called %d times, want 1 (second request from cache)", got)
	}

	var a, b map[string]string
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	if a["id"] != b["id"] {
		t.Errorf("cache hit returned id %q, want the original %q", b["id"], a["id"])
	}

	// A materially different request misses the cache.
	third := doJSON(t, srv.Handler(), "POST", "/render", `{"html":"<p>other</p>"}`)
	if third.Code != http.StatusOK {
		t.Fatalf("third render status = %d", third.Code)
	}
	if got := renderer.calls.Load(); got != 2 {
		t.Errorf("renderer called %d times after distinct request, want 2", got)
	}
}

func TestServer_AuthRejection(t *testing.T) {
	renderer := &stubRenderer{ready: true}
	auth := stubAuth{result: AuthResult{
		Status: http.StatusUnauthorized, Code: "INVALID_KEY", Message: "unknown api key",
	}}
	srv := newTestServer(t, renderer, auth, nil)

	w := doJSON(t, srv.Handler(), "POST", "/render", `{"html":"<p>x</p>"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var e Error
	decodeBody(t, w, &e)
	if e.Code != "INVALID_KEY" {
		t.Errorf("code = %q, want INVALID_KEY", e.Code)
	}
	if renderer.calls.Load() != 0 {
		t.Error("renderer must not run for unauthenticated requests")
	}
}

func TestServer_ImageExtensionStripped(t *testing.T) {
	srv := newTestServer(t, &stubRenderer{ready: true}, nil, nil)
	id := srv.store.GenerateImageID()
	if err := srv.store.Store(id, []byte("data"), "image/webp"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	for _, path := range []string{"/images/" + id, "/images/" + id + ".webp", "/images/" + id + ".png"} {
		w := doJSON(t, srv.Handler(), "GET", path, "")
		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, w.Code)
		}
	}
}

func TestServer_ImageNotFound(t *testing.T) {
	srv := newTestServer(t, &stubRenderer{ready: true}, nil, nil)

	w := doJSON(t, srv.Handler(), "GET", "/images/nope.png", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var e Error
	decodeBody(t, w, &e)
	if e.Code != CodeNotFound {
		t.Errorf("code = %q, want %s", e.Code, CodeNotFound)
	}
}

func TestServer_Probes(t *testing.T) {
	renderer := &stubRenderer{ready: true, stats: PoolStats{PoolSize: 2}}
	srv := newTestServer(t, renderer, nil, nil)

	if w := doJSON(t, srv.Handler(), "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
	if w := doJSON(t, srv.Handler(), "GET", "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want 200 when ready", w.Code)
	}

	renderer.ready = false
	if w := doJSON(t, srv.Handler(), "GET", "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503 when not ready", w.Code)
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	srv := newTestServer(t, &stubRenderer{ready: true}, nil, nil)
	if w := doJSON(t, srv.Handler(), "GET", "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
