package passport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trustplane/attest/pkg/canonical"
)

// VerifyResult is the outcome of a remote attestation check. Transport
// failures are reported in Reason, never as a Go error, so callers can fall
// back to local verification.
type VerifyResult struct {
	OK     bool           `json:"ok"`
	Reason string         `json:"reason,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// RemoteVerifier POSTs passports to a centralized verification endpoint.
type RemoteVerifier struct {
	VerifyURL string
	Client    *http.Client
}

// NewRemoteVerifier creates a client with the default bounded timeout.
func NewRemoteVerifier(verifyURL string) *RemoteVerifier {
	return &RemoteVerifier{
		VerifyURL: verifyURL,
		Client:    &http.Client{Timeout: 8 * time.Second},
	}
}

type remoteVerifyRequest struct {
	PassportB64 string `json:"passport_b64"`
	MetricsTag  string `json:"metrics_tag"`
	Scope       string `json:"scope"`
}

// Verify submits the base64 passport envelope and metrics tag for the given
// scope. All failures, including transport errors, come back as a non-OK
// result.
func (rv *RemoteVerifier) Verify(ctx context.Context, passportB64, metricsTag, scope string) VerifyResult {
	body, err := json.Marshal(remoteVerifyRequest{
		PassportB64: passportB64,
		MetricsTag:  metricsTag,
		Scope:       scope,
	})
	if err != nil {
		return VerifyResult{OK: false, Reason: fmt.Sprintf("remote error: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rv.VerifyURL, bytes.NewReader(body))
	if err != nil {
		return VerifyResult{OK: false, Reason: fmt.Sprintf("remote error: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rv.Client.Do(req)
	if err != nil {
		return VerifyResult{OK: false, Reason: fmt.Sprintf("remote error: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return VerifyResult{OK: false, Reason: fmt.Sprintf("remote error: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return VerifyResult{OK: false, Reason: fmt.Sprintf("remote error: HTTP %d: %s", resp.StatusCode, raw)}
	}

	var result VerifyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return VerifyResult{OK: false, Reason: fmt.Sprintf("remote error: %v", err)}
	}
	return result
}

// MakeMetricsTag derives the per-session metrics tag sent alongside remote
// verification requests: base64url HMAC-SHA256 over "session|nonce|scope".
func MakeMetricsTag(sessionID, nonce, scope string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s|%s|%s", sessionID, nonce, scope)
	return canonical.B64URL(mac.Sum(nil))
}
