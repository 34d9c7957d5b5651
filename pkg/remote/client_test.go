package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

type staticCatalog struct {
	specs map[string]*engine.ResourceSpec
}

func (c *staticCatalog) Spec(resourceType string) (*engine.ResourceSpec, bool) {
	spec, ok := c.specs[resourceType]
	return spec, ok
}

func (c *staticCatalog) Types() []string {
	types := make([]string, 0, len(c.specs))
	for t := range c.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func testCatalog() *staticCatalog {
	return &staticCatalog{specs: map[string]*engine.ResourceSpec{
		"configuration": {
			Type:              "configuration",
			IdentifyingFields: []string{"name"},
		},
		"block": {
			Type:              "block",
			IdentifyingFields: []string{"cidr"},
			ParentTypes:       []string{"configuration", "block"},
			CIDRScoped:        true,
		},
		"network": {
			Type:              "network",
			IdentifyingFields: []string{"cidr"},
			ParentTypes:       []string{"configuration", "block"},
			CIDRScoped:        true,
		},
		"address": {
			Type:              "address",
			IdentifyingFields: []string{"address"},
			ParentTypes:       []string{"network"},
		},
		"dhcp_range": {
			Type:              "dhcp_range",
			IdentifyingFields: []string{"start", "end"},
			ParentTypes:       []string{"network"},
		},
		"view": {
			Type:              "view",
			IdentifyingFields: []string{"name"},
			ParentTypes:       []string{"configuration"},
		},
		"zone": {
			Type:              "zone",
			IdentifyingFields: []string{"name"},
			ParentTypes:       []string{"view", "zone"},
		},
		"host_record": {
			Type:              "host_record",
			IdentifyingFields: []string{"name"},
			ParentTypes:       []string{"zone"},
		},
	}}
}

// withSessions wraps next with the session endpoint: POST /sessions hands
// out creds, and every other request must present them.
func withSessions(t *testing.T, creds string, next http.HandlerFunc) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/sessions" {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"apiToken":"token-1","basicAuthenticationCredentials":%q}`, creds)
			return
		}
		if r.Header.Get("Authorization") != "Basic "+creds {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:  server.URL,
		Username: "importer",
		Password: "secret",
	}, testCatalog(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{Username: "u"}, testCatalog(), zerolog.Nop()); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := NewClient(Config{BaseURL: "http://x"}, testCatalog(), zerolog.Nop()); err == nil {
		t.Error("expected error for missing username")
	}
	if _, err := NewClient(Config{BaseURL: "http://x", Username: "u"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing catalog")
	}
}

func TestSessionReuse(t *testing.T) {
	var logins int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/sessions" {
			atomic.AddInt32(&logins, 1)
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode login body: %v", err)
			}
			if body["username"] != "importer" || body["password"] != "secret" {
				t.Errorf("unexpected login body: %v", body)
			}
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"apiToken":"t","basicAuthenticationCredentials":"cred-1"}`)
			return
		}
		if r.Header.Get("Authorization") != "Basic cred-1" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		io.WriteString(w, `{"id": 42, "type": "address"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := client.Get(ctx, "address", 42); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if n := atomic.LoadInt32(&logins); n != 1 {
		t.Errorf("expected 1 login across 2 requests, got %d", n)
	}
}

func TestSessionRenewal(t *testing.T) {
	var logins int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/sessions" {
			n := atomic.AddInt32(&logins, 1)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"apiToken":"t","basicAuthenticationCredentials":"cred-%d"}`, n)
			return
		}
		// Only the second session's credentials work, so the first
		// request must renew.
		if r.Header.Get("Authorization") != "Basic cred-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"id": 42, "type": "address"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	state, err := client.Get(context.Background(), "address", 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state["id"] != float64(42) {
		t.Errorf("expected id 42, got %v", state["id"])
	}
	if n := atomic.LoadInt32(&logins); n != 2 {
		t.Errorf("expected 2 logins, got %d", n)
	}
}

func TestAuthFailureAfterRenewal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/sessions" {
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"apiToken":"t","basicAuthenticationCredentials":"cred-1"}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Get(context.Background(), "address", 42)
	if err == nil {
		t.Fatal("expected error when every request returns 401")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeAuthFailed {
		t.Errorf("expected code %s, got %v", engine.ErrCodeAuthFailed, err)
	}
}

func TestLoginRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"message":"invalid credentials","code":"Unauthorized"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Get(context.Background(), "address", 1)
	if err == nil {
		t.Fatal("expected login failure")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeAuthFailed {
		t.Errorf("expected code %s, got %v", engine.ErrCodeAuthFailed, err)
	}
}

func TestRateLimited(t *testing.T) {
	recorder := &fakeRecorder{}
	server := httptest.NewServer(withSessions(t, "cred-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	client.SetRecorder(recorder)
	_, err := client.Get(context.Background(), "address", 1)
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if !engine.IsThrottled(err) {
		t.Errorf("expected throttled error, got %v", err)
	}
	if hint := engine.RetryAfterHint(err); hint != 7*time.Second {
		t.Errorf("expected retry hint 7s, got %v", hint)
	}
	if atomic.LoadInt32(&recorder.rateLimits) != 1 {
		t.Errorf("expected 1 rate limit recorded, got %d", recorder.rateLimits)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
		class  string
	}{
		{"not found", http.StatusNotFound, `{"message":"entity not found"}`, engine.IsNotFound, "not found"},
		{"conflict", http.StatusConflict, `{"message":"duplicate address"}`, engine.IsConflict, "conflict"},
		{"validation", http.StatusBadRequest, `{"message":"cidr malformed"}`, engine.IsValidation, "validation"},
		{"server error", http.StatusInternalServerError, `boom`, engine.IsTransient, "transient"},
		{"bad gateway", http.StatusBadGateway, ``, engine.IsTransient, "transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(withSessions(t, "cred-1", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			client := newTestClient(t, server)
			_, err := client.Get(context.Background(), "address", 1)
			if err == nil {
				t.Fatalf("expected error for status %d", tt.status)
			}
			if !tt.check(err) {
				t.Errorf("expected %s classification, got %v", tt.class, err)
			}
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	server := httptest.NewServer(withSessions(t, "cred-1", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:  server.URL,
		Username: "importer",
		Password: "secret",
		Timeout:  50 * time.Millisecond,
	}, testCatalog(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Get(context.Background(), "address", 1)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !engine.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeTimeout {
		t.Errorf("expected code %s, got %v", engine.ErrCodeTimeout, err)
	}
}

func TestRecorderCounts(t *testing.T) {
	recorder := &fakeRecorder{}
	server := httptest.NewServer(withSessions(t, "cred-1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": 1, "type": "address"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	client.SetRecorder(recorder)
	if _, err := client.Get(context.Background(), "address", 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// One call for the login, one for the fetch.
	if n := atomic.LoadInt32(&recorder.calls); n != 2 {
		t.Errorf("expected 2 calls recorded, got %d", n)
	}
	if n := atomic.LoadInt32(&recorder.errors); n != 0 {
		t.Errorf("expected 0 errors recorded, got %d", n)
	}
}

func TestAPIMessage(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{
			name:   "message only",
			status: http.StatusNotFound,
			body:   `{"message":"entity not found"}`,
			want:   "entity not found",
		},
		{
			name:   "message and code",
			status: http.StatusNotFound,
			body:   `{"message":"entity not found","code":"NoSuchEntity"}`,
			want:   "entity not found (code NoSuchEntity)",
		},
		{
			name:   "with detail",
			status: http.StatusBadRequest,
			body:   `{"message":"bad request","code":"Invalid","detail":"cidr overlaps"}`,
			want:   "bad request (code Invalid): cidr overlaps",
		},
		{
			name:   "plain text body",
			status: http.StatusBadGateway,
			body:   "upstream unavailable",
			want:   "upstream unavailable",
		},
		{
			name:   "empty body",
			status: http.StatusServiceUnavailable,
			body:   "",
			want:   "Service Unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.WriteHeader(tt.status)
			io.WriteString(rec, tt.body)
			got := apiMessage(rec.Result())
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAPIMessageTruncatesDetail(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(rec, `{"message":"bad request","detail":%q}`, long)

	got := apiMessage(rec.Result())
	want := "bad request: " + long[:197] + "..."
	if got != want {
		t.Errorf("expected truncated detail, got %q", got)
	}
}

type fakeRecorder struct {
	calls      int32
	errors     int32
	rateLimits int32
}

func (f *fakeRecorder) RecordRemoteCall(method string, status int, duration time.Duration) {
	atomic.AddInt32(&f.calls, 1)
}

func (f *fakeRecorder) RecordRemoteError(method string, class engine.ErrorClass) {
	atomic.AddInt32(&f.errors, 1)
}

func (f *fakeRecorder) RecordRateLimit() {
	atomic.AddInt32(&f.rateLimits, 1)
}
