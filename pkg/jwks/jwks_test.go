package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/attest/pkg/api"
)

type fixture struct {
	key     *rsa.PrivateKey
	kid     string
	doc     []byte
	fetches atomic.Int64
	// fail switches the endpoint to 500s
	fail atomic.Bool
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fixture{key: key, kid: "test-key-1"}
	f.doc = jwksDoc(f.kid, &key.PublicKey)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		if f.fail.Load() {
			http.Error(w, "upstream down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(f.doc)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func jwksDoc(kid string, pub *rsa.PublicKey) []byte {
	doc, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": kid,
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
	return doc
}

func (f *fixture) signToken(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return s
}

func TestCache_FastPathSkipsRefetch(t *testing.T) {
	f := newFixture(t)
	c := NewCacheFromURL(f.srv.URL)

	_, err := c.Key(context.Background(), f.kid)
	require.NoError(t, err)
	_, err = c.Key(context.Background(), f.kid)
	require.NoError(t, err)

	assert.Equal(t, int64(1), f.fetches.Load())
	assert.Greater(t, c.CacheAge(), time.Duration(0))
}

func TestCache_UnknownKID(t *testing.T) {
	f := newFixture(t)
	c := NewCacheFromURL(f.srv.URL)

	_, err := c.Key(context.Background(), "no-such-kid")
	require.Error(t, err)
	assert.Equal(t, api.KindKidUnknown, api.KindOf(err))
}

func TestCache_StaleFallbackOnFetchError(t *testing.T) {
	f := newFixture(t)
	c := NewCacheFromURL(f.srv.URL)

	_, err := c.Key(context.Background(), f.kid)
	require.NoError(t, err)

	// expire the cache and break the endpoint: lookups keep working off the
	// stale set
	c.TTL = time.Nanosecond
	f.fail.Store(true)

	got, err := c.Key(context.Background(), f.kid)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCache_UnavailableWithNothingCached(t *testing.T) {
	f := newFixture(t)
	f.fail.Store(true)
	c := NewCacheFromURL(f.srv.URL)

	_, err := c.Key(context.Background(), f.kid)
	require.Error(t, err)
	assert.Equal(t, api.KindJWKSUnavailable, api.KindOf(err))
}

func TestCache_MalformedDocumentFailsDespiteStaleKeys(t *testing.T) {
	f := newFixture(t)
	c := NewCacheFromURL(f.srv.URL)

	_, err := c.Key(context.Background(), f.kid)
	require.NoError(t, err)

	// a malformed refresh fails even with stale keys on hand; the stale
	// fallback is reserved for unreachability
	c.TTL = time.Nanosecond
	f.doc = []byte("not json{")

	_, err = c.Key(context.Background(), f.kid)
	require.Error(t, err)
	assert.Equal(t, api.KindJWKSMalformed, api.KindOf(err))

	// the failed refresh left the old key set intact: an HTTP outage now
	// still serves the stale keys
	f.doc = nil
	f.fail.Store(true)

	got, err := c.Key(context.Background(), f.kid)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCache_MalformedDocumentColdCache(t *testing.T) {
	f := newFixture(t)
	f.doc = []byte("not json{")
	c := NewCacheFromURL(f.srv.URL)

	_, err := c.Key(context.Background(), f.kid)
	require.Error(t, err)
	assert.Equal(t, api.KindJWKSMalformed, api.KindOf(err))
}

func TestCache_MissingKeysArray(t *testing.T) {
	f := newFixture(t)
	f.doc = []byte(`{"other":1}`)
	c := NewCacheFromURL(f.srv.URL)

	// valid JSON without a keys array is malformed, not unavailable
	_, err := c.Key(context.Background(), f.kid)
	require.Error(t, err)
	assert.Equal(t, api.KindJWKSMalformed, api.KindOf(err))
}

func TestCache_MissingKeysArrayWithStaleKeys(t *testing.T) {
	f := newFixture(t)
	c := NewCacheFromURL(f.srv.URL)

	_, err := c.Key(context.Background(), f.kid)
	require.NoError(t, err)

	c.TTL = time.Nanosecond
	f.doc = []byte(`{"other":1}`)

	_, err = c.Key(context.Background(), f.kid)
	require.Error(t, err)
	assert.Equal(t, api.KindJWKSMalformed, api.KindOf(err))
}

func TestCache_ClearForcesRefetch(t *testing.T) {
	f := newFixture(t)
	c := NewCacheFromURL(f.srv.URL)

	_, err := c.Key(context.Background(), f.kid)
	require.NoError(t, err)
	c.ClearCache()
	assert.Equal(t, time.Duration(0), c.CacheAge())

	_, err = c.Key(context.Background(), f.kid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.fetches.Load())
}

func baseClaims(aud, iss string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": "user-1",
		"aud": aud,
		"iss": iss,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

func TestVerifier_HappyPath(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "https://api.example.com", "https://idp.example.com/")

	token := f.signToken(t, baseClaims("https://api.example.com", "https://idp.example.com/"), f.kid)
	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
}

func TestVerifier_Expired(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "aud", "iss")

	claims := baseClaims("aud", "iss")
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err := v.Verify(context.Background(), f.signToken(t, claims, f.kid))
	require.Error(t, err)
	assert.Equal(t, api.KindTokenExpired, api.KindOf(err))
}

func TestVerifier_AudienceMismatch(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "aud", "iss")

	_, err := v.Verify(context.Background(), f.signToken(t, baseClaims("other-aud", "iss"), f.kid))
	require.Error(t, err)
	assert.Equal(t, api.KindAudienceMismatch, api.KindOf(err))
}

func TestVerifier_IssuerMismatch(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "aud", "iss")

	_, err := v.Verify(context.Background(), f.signToken(t, baseClaims("aud", "other-iss"), f.kid))
	require.Error(t, err)
	assert.Equal(t, api.KindIssuerMismatch, api.KindOf(err))
}

func TestVerifier_UnknownKID(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "aud", "iss")

	_, err := v.Verify(context.Background(), f.signToken(t, baseClaims("aud", "iss"), "rotated-away"))
	require.Error(t, err)
	assert.Equal(t, api.KindKidUnknown, api.KindOf(err))
}

func TestVerifier_MissingKID(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "aud", "iss")

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims("aud", "iss"))
	delete(tok.Header, "kid")
	s, err := tok.SignedString(f.key)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, api.KindKidMissing, api.KindOf(err))
}

func TestVerifier_RejectsNonRS256(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "aud", "iss")

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims("aud", "iss"))
	tok.Header["kid"] = f.kid
	s, err := tok.SignedString([]byte("hmac-secret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, api.KindAlgUnsupported, api.KindOf(err))
}

func TestVerifier_TamperedSignature(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "aud", "iss")

	token := f.signToken(t, baseClaims("aud", "iss"), f.kid)
	tampered := token[:len(token)-4] + "AAAA"

	_, err := v.Verify(context.Background(), tampered)
	require.Error(t, err)
	assert.Equal(t, api.KindBadSignature, api.KindOf(err))
}

func TestVerifier_Malformed(t *testing.T) {
	f := newFixture(t)
	v := NewVerifier(NewCacheFromURL(f.srv.URL), "aud", "iss")

	_, err := v.Verify(context.Background(), "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, api.KindMalformed, api.KindOf(err))
}
