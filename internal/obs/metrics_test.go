package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/sessions/01ABCDEF":             "/v1/sessions/:id",
		"/v1/sessions/01ABCDEF?verbose=1":   "/v1/sessions/:id",
		"/v1/actions/confirm/req-42":        "/v1/actions/confirm/:id",
		"/v1/actions/evaluate":              "/v1/actions/evaluate",
		"/v1/authenticate":                  "/v1/authenticate",
		"/v1/validate?category=path":        "/v1/validate",
		"/v1/sessions/01ABCDEF/extra":       "/v1/sessions/01ABCDEF/extra",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
