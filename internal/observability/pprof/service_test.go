package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":             "/debug/pprof/",
		"/debug/pprof": "/debug/pprof/",
		"prof":         "/prof/",
		"/prof/":       "/prof/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		"0.0.0.0:6060":   false,
		":6060":          false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestWithToken(t *testing.T) {
	t.Parallel()
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	h := withToken("s3cret", ok)

	cases := []struct {
		name   string
		mutate func(*http.Request)
		want   int
	}{
		{"no credentials", func(_ *http.Request) {}, http.StatusUnauthorized},
		{"wrong query token", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", "nope")
			r.URL.RawQuery = q.Encode()
		}, http.StatusUnauthorized},
		{"query token", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", "s3cret")
			r.URL.RawQuery = q.Encode()
		}, http.StatusOK},
		{"bearer token", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer s3cret")
		}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
			tc.mutate(req)
			rec := httptest.NewRecorder()
			h(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	// Empty token disables auth entirely.
	rec := httptest.NewRecorder()
	withToken("", ok)(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with auth disabled", rec.Code)
	}
}
