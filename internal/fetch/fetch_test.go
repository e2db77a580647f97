package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

func newClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, zaptest.NewLogger(t), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func mustFetch(t *testing.T, c *Client, ctx context.Context, req protocol.RequestOpts) *protocol.Response {
	t.Helper()
	resp, err := c.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("Fetch(%s %s) error = %v", req.Method, req.URL, err)
	}
	return resp
}

func assertErrorContains(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil || !strings.Contains(err.Error(), want) {
		t.Errorf("expected an error containing %q, got %v", want, err)
	}
}

func TestFetchHTTP(t *testing.T) {
	var gotUA, gotAccept, gotMethod string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = io.WriteString(w, "# hello")
	}))
	defer srv.Close()

	c := newClient(t, Config{UserAgent: "test-agent"})
	resp := mustFetch(t, c, context.Background(), protocol.RequestOpts{
		Method:  protocol.MethodPost,
		URL:     srv.URL + "/doc.md",
		Headers: map[string]string{"Accept": "text/markdown"},
		Body:    []byte("payload"),
	})

	if resp.StatusCode != 200 || string(resp.Body) != "# hello" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
	}
	if ct := resp.Headers["Content-Type"]; ct != "text/markdown" {
		t.Errorf("content type = %q", ct)
	}
	if gotUA != "test-agent" || gotAccept != "text/markdown" || gotMethod != "POST" || string(gotBody) != "payload" {
		t.Errorf("server saw UA %q accept %q method %q body %q", gotUA, gotAccept, gotMethod, gotBody)
	}
}

func TestFetchHTTPErrorStatusIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newClient(t, Config{})
	if resp := mustFetch(t, c, context.Background(), protocol.RequestOpts{URL: srv.URL}); resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	c := newClient(t, Config{MaxBodyBytes: 16})
	if _, err := c.Fetch(context.Background(), protocol.RequestOpts{URL: srv.URL}); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}

	c = newClient(t, Config{MaxBodyBytes: 64})
	if resp := mustFetch(t, c, context.Background(), protocol.RequestOpts{URL: srv.URL}); len(resp.Body) != 64 {
		t.Errorf("body = %d bytes, want 64", len(resp.Body))
	}
}

func TestFetchRejectsBadURLs(t *testing.T) {
	c := newClient(t, Config{})
	for _, u := range []string{"ftp://example.com/a", "::not a url", "file:///etc/passwd"} {
		if _, err := c.Fetch(context.Background(), protocol.RequestOpts{URL: u}); err == nil {
			t.Errorf("%s: expected an error", u)
		}
	}
}

func TestFetchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newClient(t, Config{})
	if _, err := c.Fetch(context.Background(), protocol.RequestOpts{URL: url}); err == nil {
		t.Error("expected an error from a closed server")
	}
}

func TestFetchRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newClient(t, Config{RateLimit: 0.001, Burst: 1})
	mustFetch(t, c, context.Background(), protocol.RequestOpts{URL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, protocol.RequestOpts{URL: srv.URL})
	assertErrorContains(t, err, "rate limit")
}

type fakeObjects struct {
	objects map[string]string
	err     error
}

func (f *fakeObjects) GetObject(_ context.Context, bucket, key string) (*Object, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &Object{
		Body:        io.NopCloser(strings.NewReader(body)),
		Size:        int64(len(body)),
		ContentType: "text/plain",
	}, nil
}

func TestFetchObject(t *testing.T) {
	objects := &fakeObjects{objects: map[string]string{"docs/notes/today.md": "# today"}}
	c := newClient(t, Config{MaxBodyBytes: 1024}, WithObjects(objects))
	ctx := context.Background()

	resp := mustFetch(t, c, ctx, protocol.RequestOpts{URL: "s3://docs/notes/today.md"})
	if resp.StatusCode != 200 || string(resp.Body) != "# today" || resp.Headers["Content-Type"] != "text/plain" {
		t.Errorf("GET = %d %q %v", resp.StatusCode, resp.Body, resp.Headers)
	}

	resp = mustFetch(t, c, ctx, protocol.RequestOpts{Method: protocol.MethodHead, URL: "s3://docs/notes/today.md"})
	if resp.StatusCode != 200 || len(resp.Body) != 0 {
		t.Errorf("HEAD = %d with %d body bytes", resp.StatusCode, len(resp.Body))
	}

	if resp = mustFetch(t, c, ctx, protocol.RequestOpts{URL: "s3://docs/missing.md"}); resp.StatusCode != 404 {
		t.Errorf("missing object status = %d, want 404", resp.StatusCode)
	}

	resp = mustFetch(t, c, ctx, protocol.RequestOpts{Method: protocol.MethodDelete, URL: "s3://docs/notes/today.md"})
	if resp.StatusCode != 405 {
		t.Errorf("DELETE status = %d, want 405", resp.StatusCode)
	}

	_, err := c.Fetch(ctx, protocol.RequestOpts{URL: "s3://docs"})
	assertErrorContains(t, err, "needs a bucket and a key")
}

func TestFetchObjectErrors(t *testing.T) {
	ctx := context.Background()

	c := newClient(t, Config{})
	_, err := c.Fetch(ctx, protocol.RequestOpts{URL: "s3://docs/a.md"})
	assertErrorContains(t, err, "no object store configured")

	boom := errors.New("access denied")
	c = newClient(t, Config{}, WithObjects(&fakeObjects{err: boom}))
	if _, err := c.Fetch(ctx, protocol.RequestOpts{URL: "s3://docs/a.md"}); !errors.Is(err, boom) {
		t.Errorf("expected the store error, got %v", err)
	}

	c = newClient(t, Config{MaxBodyBytes: 2}, WithObjects(&fakeObjects{objects: map[string]string{"docs/a.md": "large"}}))
	if _, err := c.Fetch(ctx, protocol.RequestOpts{URL: "s3://docs/a.md"}); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestNewS3(t *testing.T) {
	s3, err := NewS3(S3Config{Endpoint: "localhost:9000", AccessKey: "minio", SecretKey: "minio123"})
	if err != nil {
		t.Fatalf("NewS3() error = %v", err)
	}
	if s3.client == nil {
		t.Error("no minio client")
	}

	c := newClient(t, Config{S3: S3Config{Endpoint: "localhost:9000"}})
	if c.objects == nil {
		t.Error("an S3 endpoint should configure the object store")
	}
}
