package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/envelopes":                     "/v1/envelopes",
		"/v1/envelopes/abc":                 "/v1/envelopes/:id",
		"/v1/envelopes/abc/send":            "/v1/envelopes/:id/send",
		"/v1/documents/doc-1":               "/v1/documents/:id",
		"/v1/signing/sessions":              "/v1/signing/sessions",
		"/v1/signing/sessions/s1/submit":    "/v1/signing/sessions/:id/submit",
		"/v1/signing/sessions/s1/fields/f9": "/v1/signing/sessions/:id/fields/:id",
		"/v1/envelopes/abc/audit?verify=1":  "/v1/envelopes/:id/audit",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
