package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/attest/pkg/api"
	"github.com/trustplane/attest/pkg/canonical"
	"github.com/trustplane/attest/pkg/config"
	"github.com/trustplane/attest/pkg/crypto"
	"github.com/trustplane/attest/pkg/ledger"
	"github.com/trustplane/attest/pkg/passport"
	"github.com/trustplane/attest/pkg/token"
)

type stubAuth struct {
	claims jwt.MapClaims
	err    error
}

func (a *stubAuth) Verify(_ context.Context, _ string) (jwt.MapClaims, error) {
	return a.claims, a.err
}

type fixture struct {
	server *Server
	signer *crypto.Signer
	cfg    *config.Config
	ts     *httptest.Server
}

func newFixture(t *testing.T, auth ExternalAuth) *fixture {
	t.Helper()

	signer, err := crypto.NewSigner(1)
	require.NoError(t, err)

	cfg := &config.Config{
		Env:           "development",
		Issuer:        "did:attest:test",
		CommitKey:     []byte("commit-key"),
		AuditKey:      []byte("audit-key"),
		MetricsSecret: []byte("metrics-secret"),
		TTLDefault:    600,
	}

	l, err := ledger.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	srv, err := New(Options{
		Config:  cfg,
		KeyRing: crypto.NewKeyRing(signer),
		Ledger:  l,
		Auth:    auth,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, signer: signer, cfg: cfg, ts: ts}
}

func (f *fixture) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// signCompact builds a compact token with arbitrary claims under the fixture
// signing key, for states the issuer refuses to mint.
func (f *fixture) signCompact(t *testing.T, claims token.Claims) string {
	t.Helper()
	header := token.Header{Alg: token.AlgEd25519, KID: f.signer.KID, Typ: token.TypeISMJ}
	input, err := canonical.SigningInput(header, claims)
	require.NoError(t, err)
	compact, err := canonical.PackCompact(header, claims, f.signer.Sign(input))
	require.NoError(t, err)
	return compact
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestDID(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.get(t, "/did")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "did:attest:test", body["did"])
	assert.Equal(t, float64(1), body["kid"])
	assert.Equal(t, "Ed25519", body["alg"])
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	resp, issued := f.post(t, "/issue", map[string]any{
		"sub":   "user-1",
		"scope": []string{"db.query"},
		"nonce": "n1",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, issued["token"])
	assert.Len(t, issued["jti"], 32)

	resp, verified := f.post(t, "/verify", map[string]any{"token": issued["token"]}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, verified["valid"])
	assert.Equal(t, "user-1", verified["sub"])
	assert.Equal(t, issued["jti"], verified["jti"])
}

func TestIssue_TTLDefault(t *testing.T) {
	f := newFixture(t, nil)

	before := time.Now().Unix()
	resp, issued := f.post(t, "/issue", map[string]any{"sub": "u", "nonce": "n"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	exp := int64(issued["exp"].(float64))
	assert.GreaterOrEqual(t, exp, before+600)
}

func TestIssue_RecordsHashedIP(t *testing.T) {
	f := newFixture(t, nil)

	_, issued := f.post(t, "/issue", map[string]any{"sub": "u", "nonce": "n"}, nil)

	rec, err := f.server.ledger.GetPassport(context.Background(), issued["jti"].(string))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, rec.IPHash, 64)
	assert.NotContains(t, rec.IPHash, "127.0.0.1")
}

func TestVerify_Garbage(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.post(t, "/verify", map[string]any{"token": "a.b"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
	assert.True(t, strings.HasPrefix(body["reason"].(string), "verification failed:"), body["reason"])
}

func TestVerify_MissingJTI(t *testing.T) {
	f := newFixture(t, nil)

	now := time.Now().Unix()
	compact := f.signCompact(t, token.Claims{
		Iss: "did:attest:test", Sub: "u", Scope: []string{}, IAT: now, Exp: now + 60, KID: 1,
	})

	_, body := f.post(t, "/verify", map[string]any{"token": compact}, nil)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "missing jti", body["reason"])
}

func TestVerify_Expired(t *testing.T) {
	f := newFixture(t, nil)

	now := time.Now().Unix()
	compact := f.signCompact(t, token.Claims{
		Iss: "did:attest:test", Sub: "u", Scope: []string{}, IAT: now - 120, Exp: now - 60, JTI: "j1", KID: 1,
	})

	_, body := f.post(t, "/verify", map[string]any{"token": compact}, nil)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "expired", body["reason"])
}

func TestRevocationFlow(t *testing.T) {
	f := newFixture(t, nil)

	_, issued := f.post(t, "/issue", map[string]any{"sub": "u", "nonce": "n"}, nil)
	jti := issued["jti"].(string)

	_, verified := f.post(t, "/verify", map[string]any{"token": issued["token"]}, nil)
	require.Equal(t, true, verified["valid"])

	resp, revoked := f.post(t, "/revoke", map[string]any{"jti": jti, "reason": "compromised"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, revoked["ok"])
	assert.Equal(t, jti, revoked["jti"])

	_, verified = f.post(t, "/verify", map[string]any{"token": issued["token"]}, nil)
	assert.Equal(t, false, verified["valid"])
	assert.Equal(t, "revoked", verified["reason"])

	// revoke is idempotent
	resp, _ = f.post(t, "/revoke", map[string]any{"jti": jti}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRevoke_ByToken(t *testing.T) {
	f := newFixture(t, nil)

	_, issued := f.post(t, "/issue", map[string]any{"sub": "u", "nonce": "n"}, nil)

	resp, revoked := f.post(t, "/revoke", map[string]any{"token": issued["token"]}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, issued["jti"], revoked["jti"])
}

func TestRevoke_RequiresTokenOrJTI(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.post(t, "/revoke", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, string(api.KindMalformed), errObj["code"])
	assert.NotEmpty(t, errObj["correlation_id"])
}

func TestIssue_AuthScopeEnforced(t *testing.T) {
	auth := &stubAuth{claims: jwt.MapClaims{"sub": "caller", "scope": "db.query tool:news.run"}}
	f := newFixture(t, auth)

	// requested scope outside the caller's grant
	resp, body := f.post(t, "/issue", map[string]any{
		"sub":   "u",
		"scope": []string{"agent.exec"},
		"nonce": "n",
	}, map[string]string{"Authorization": "Bearer external-token"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, string(api.KindScopeInsufficient), errObj["code"])

	// covered scope succeeds
	resp, _ = f.post(t, "/issue", map[string]any{
		"sub":   "u",
		"scope": []string{"db.query"},
		"nonce": "n",
	}, map[string]string{"Authorization": "Bearer external-token"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIssue_MissingBearer(t *testing.T) {
	f := newFixture(t, &stubAuth{claims: jwt.MapClaims{}})

	resp, _ := f.post(t, "/issue", map[string]any{"sub": "u", "nonce": "n"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIssue_AuthFailurePropagatesKind(t *testing.T) {
	f := newFixture(t, &stubAuth{err: api.E(api.KindTokenExpired, "token is expired")})

	resp, body := f.post(t, "/issue", map[string]any{"sub": "u", "nonce": "n"},
		map[string]string{"Authorization": "Bearer stale"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, string(api.KindTokenExpired), errObj["code"])
}

func TestAttestVerify_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	engine := passport.NewEngine(f.signer, f.cfg.CommitKey)
	p, err := engine.Issue("a1", "s1", map[string]any{"ver": 1}, 60)
	require.NoError(t, err)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	b64 := base64.StdEncoding.EncodeToString(raw)
	tag := passport.MakeMetricsTag(p.SessionID, p.Nonce, "db.query", f.cfg.MetricsSecret)

	resp, body := f.post(t, "/attest/verify", map[string]any{
		"passport_b64": b64,
		"metrics_tag":  tag,
		"scope":        "db.query",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	claims := body["claims"].(map[string]any)
	assert.Equal(t, "a1", claims["agent_id"])
	assert.Equal(t, "db.query", claims["scope"])
}

func TestAttestVerify_TagMismatch(t *testing.T) {
	f := newFixture(t, nil)

	engine := passport.NewEngine(f.signer, f.cfg.CommitKey)
	p, err := engine.Issue("a1", "s1", map[string]any{"ver": 1}, 60)
	require.NoError(t, err)

	raw, _ := json.Marshal(p)
	resp, body := f.post(t, "/attest/verify", map[string]any{
		"passport_b64": base64.StdEncoding.EncodeToString(raw),
		"metrics_tag":  "wrong",
		"scope":        "db.query",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["reason"], "metrics tag mismatch")
}

func TestAttestVerify_Expired(t *testing.T) {
	f := newFixture(t, nil)

	engine := passport.NewEngine(f.signer, f.cfg.CommitKey)
	p, err := engine.Issue("a1", "s1", map[string]any{"ver": 1}, 60)
	require.NoError(t, err)
	p.Exp = time.Now().Unix() - 10

	raw, _ := json.Marshal(p)
	_, body := f.post(t, "/attest/verify", map[string]any{
		"passport_b64": base64.StdEncoding.EncodeToString(raw),
		"metrics_tag":  "x",
		"scope":        "db.query",
	}, nil)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "expired", body["reason"])
}

func TestAttestVerify_BadEncoding(t *testing.T) {
	f := newFixture(t, nil)

	_, body := f.post(t, "/attest/verify", map[string]any{
		"passport_b64": "!!!not-base64!!!",
		"metrics_tag":  "x",
		"scope":        "db.query",
	}, nil)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["reason"], "verification failed:")
}

func TestCorrelationIDHeaderRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Correlation-ID", "fixed-id")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "fixed-id", resp.Header.Get("X-Correlation-ID"))
}
