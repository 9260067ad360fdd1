package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if seen == "" {
		t.Fatal("request id not set")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("header %q != context %q", got, seen)
	}

	// An incoming id is preserved.
	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "fixed-id" {
		t.Fatalf("request id = %q, want fixed-id", seen)
	}
}

func TestRateLimitRejectsBursts(t *testing.T) {
	h := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 2, 1)

	var limited bool
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatal("burst was never limited")
	}

	// A different client has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh client status = %d", rec.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"Bearer   abc  ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("header %q: expected error", tc.header)
			}
			continue
		}
		if err != nil {
			t.Fatalf("header %q: %v", tc.header, err)
		}
		if got != tc.want {
			t.Fatalf("header %q: got %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing frame options header")
	}
}
