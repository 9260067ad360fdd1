package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/requests/abc":                "/v1/requests/:id",
		"/v1/requests/abc/resolve":        "/v1/requests/:id/resolve",
		"/v1/grants/abc/usage":            "/v1/grants/:id/usage",
		"/v1/subjects/u-1/permissions":    "/v1/subjects/:id/permissions",
		"/v1/assignments/evaluate":        "/v1/assignments/evaluate",
		"/v1/requests?status=pending":     "/v1/requests",
		"/v1/permissions/summary?x=1":     "/v1/permissions/summary",
		"/healthz":                        "/healthz",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
