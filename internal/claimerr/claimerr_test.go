package claimerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		resumable bool
		reason    string
	}{
		{"not_found", NotFound("resolve", "no mapping", nil), false, ReasonCodeNotFound},
		{"invalid", InvalidClaim("price", "empty claim", nil), false, ReasonInvalidClaim},
		{"signing", Signing("sign", errors.New("open /keys/f1.pem: no such file")), false, ReasonSigningFailed},
		{"facility", FacilityNotFound("tier", "F9"), false, ReasonFacilityNotFound},
		{"unavailable", UpstreamUnavailable("submit", nil), true, ReasonUpstreamUnavailable},
		{"transient", Transient("lookup", errors.New("conn reset")), true, ReasonTransient},
		{"wrapped_not_found", fmt.Errorf("line 2: %w", NotFound("resolve", "no mapping", nil)), false, ReasonCodeNotFound},
		{"cancelled", context.Canceled, false, ReasonCancelled},
		{"unclassified", errors.New("boom"), true, ReasonInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsResumable(tc.err); got != tc.resumable {
				t.Errorf("IsResumable: got %v, want %v", got, tc.resumable)
			}
			if got := IsTerminal(tc.err); got == tc.resumable {
				t.Errorf("IsTerminal: got %v, want %v", got, !tc.resumable)
			}
			if got := Reason(tc.err); got != tc.reason {
				t.Errorf("Reason: got %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestSanitize_HidesCause(t *testing.T) {
	err := fmt.Errorf("sign claim: %w", Signing("load key", errors.New("open /etc/keys/../../secret.pem: denied")))

	msg := Sanitize(err)
	if strings.Contains(msg, "/etc") || strings.Contains(msg, "secret") {
		t.Fatalf("sanitized message leaks internal detail: %q", msg)
	}
	if !strings.HasPrefix(msg, string(KindSigning)) {
		t.Errorf("expected message to start with kind, got %q", msg)
	}

	if got := Sanitize(errors.New("pq: password authentication failed for user admin")); got != "internal error" {
		t.Errorf("unclassified error should be generic, got %q", got)
	}
	if got := Sanitize(nil); got != "" {
		t.Errorf("nil error should sanitize to empty, got %q", got)
	}
}

func TestNilIsNeitherTerminalNorResumable(t *testing.T) {
	if IsResumable(nil) || IsTerminal(nil) {
		t.Fatal("nil error must not be classified")
	}
}
