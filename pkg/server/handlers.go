package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/trustplane/attest/pkg/api"
	"github.com/trustplane/attest/pkg/canonical"
	"github.com/trustplane/attest/pkg/crypto"
	"github.com/trustplane/attest/pkg/ledger"
	"github.com/trustplane/attest/pkg/passport"
	"github.com/trustplane/attest/pkg/policy"
	"github.com/trustplane/attest/pkg/receipt"
	"github.com/trustplane/attest/pkg/token"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleDID(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, map[string]any{
		"did": s.cfg.Issuer,
		"kid": s.keyring.ActiveKID(),
		"alg": token.AlgEd25519,
	})
}

type issueRequest struct {
	Sub   string   `json:"sub"`
	Scope []string `json:"scope"`
	TTL   int64    `json:"ttl"`
	Nonce string   `json:"nonce"`
	OrgID string   `json:"org_id"`
	Raw   string   `json:"raw"`
}

type issueResponse struct {
	Token string `json:"token"`
	KID   int    `json:"kid"`
	JTI   string `json:"jti"`
	Exp   int64  `json:"exp"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.obs.TrackOperation(r.Context(), "issue")
	var opErr error
	defer func() { done(opErr) }()

	var req issueRequest
	if err := decodeJSON(r, &req); err != nil {
		opErr = err
		api.WriteError(w, r, err)
		return
	}

	if s.auth != nil {
		claims, err := s.authenticate(r)
		if err != nil {
			opErr = err
			api.WriteError(w, r, err)
			return
		}
		granted, _ := claims["scope"].(string)
		if !policy.HasScopes(granted, req.Scope) {
			opErr = api.E(api.KindScopeInsufficient, "caller scope does not cover requested scope")
			api.WriteError(w, r, opErr)
			return
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTLDefault
	}

	compact, claims, err := s.tokens.Issue(token.IssueRequest{
		Sub:   req.Sub,
		Scope: req.Scope,
		TTL:   ttl,
		Nonce: req.Nonce,
		OrgID: req.OrgID,
		Raw:   req.Raw,
	})
	if err != nil {
		opErr = err
		api.WriteError(w, r, err)
		return
	}

	rec := &ledger.PassportRecord{
		JTI:        claims.JTI,
		Sub:        claims.Sub,
		OrgID:      claims.OrgID,
		Scope:      strings.Join(claims.Scope, " "),
		KID:        claims.KID,
		IAT:        claims.IAT,
		Exp:        claims.Exp,
		Nonce:      claims.Nonce,
		IPHash:     hashClientIP(r),
		MetricsTag: claims.MTag,
		Sig:        sigSegment(compact),
	}
	if err := s.ledger.SavePassport(ctx, rec); err != nil {
		opErr = api.Wrap(api.KindInternal, "ledger write failed", err)
		api.WriteError(w, r, opErr)
		return
	}

	s.logger.Info("token issued",
		"jti", claims.JTI,
		"sub", claims.Sub,
		"kid", claims.KID,
		"exp", claims.Exp,
		"correlation_id", api.GetCorrelationID(ctx))

	api.WriteJSON(w, issueResponse{Token: compact, KID: claims.KID, JTI: claims.JTI, Exp: claims.Exp})
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid  bool     `json:"valid"`
	Sub    string   `json:"sub,omitempty"`
	Scope  []string `json:"scope,omitempty"`
	OrgID  string   `json:"org_id,omitempty"`
	Exp    int64    `json:"exp,omitempty"`
	KID    int      `json:"kid,omitempty"`
	JTI    string   `json:"jti,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.obs.TrackOperation(r.Context(), "verify")
	var opErr error
	defer func() { done(opErr) }()

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		opErr = err
		api.WriteError(w, r, err)
		return
	}

	_, claims, err := token.Verify(req.Token, s.keyring)
	if err != nil {
		api.WriteJSON(w, verifyResponse{Valid: false, Reason: failureReason(err)})
		return
	}
	if claims.JTI == "" {
		api.WriteJSON(w, verifyResponse{Valid: false, Reason: "missing jti"})
		return
	}
	if time.Now().Unix() >= claims.Exp {
		api.WriteJSON(w, verifyResponse{Valid: false, Reason: "expired"})
		return
	}

	revoked, err := s.ledger.IsRevoked(ctx, claims.JTI)
	if err != nil {
		opErr = api.Wrap(api.KindInternal, "revocation lookup failed", err)
		api.WriteError(w, r, opErr)
		return
	}
	if revoked {
		api.WriteJSON(w, verifyResponse{Valid: false, Reason: "revoked"})
		return
	}

	api.WriteJSON(w, verifyResponse{
		Valid: true,
		Sub:   claims.Sub,
		Scope: claims.Scope,
		OrgID: claims.OrgID,
		Exp:   claims.Exp,
		KID:   claims.KID,
		JTI:   claims.JTI,
	})
}

type revokeRequest struct {
	Token  string `json:"token"`
	JTI    string `json:"jti"`
	Reason string `json:"reason"`
	ByUser string `json:"by_user"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.obs.TrackOperation(r.Context(), "revoke")
	var opErr error
	defer func() { done(opErr) }()

	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		opErr = err
		api.WriteError(w, r, err)
		return
	}
	if req.Token == "" && req.JTI == "" {
		opErr = api.E(api.KindMalformed, "token or jti is required")
		api.WriteError(w, r, opErr)
		return
	}

	jti := req.JTI
	if jti == "" {
		// the signature check keeps forged revocations out; expiry is
		// irrelevant here since revoking an expired token is harmless
		_, claims, err := token.Verify(req.Token, s.keyring)
		if err != nil {
			opErr = err
			api.WriteError(w, r, err)
			return
		}
		if claims.JTI == "" {
			opErr = api.E(api.KindMalformed, "token carries no jti")
			api.WriteError(w, r, opErr)
			return
		}
		jti = claims.JTI
	}

	if err := s.ledger.Revoke(ctx, &ledger.Revocation{
		JTI:       jti,
		RevokedAt: time.Now(),
		Reason:    req.Reason,
		ByUser:    req.ByUser,
	}); err != nil {
		opErr = api.Wrap(api.KindInternal, "revocation write failed", err)
		api.WriteError(w, r, opErr)
		return
	}

	rcpt, err := s.receipts.Issue("revoke", "", receipt.HashResult([]byte(jti)), map[string]any{"jti": jti})
	if err == nil {
		s.logger.Info("token revoked",
			"jti", jti,
			"reason", req.Reason,
			"receipt_digest", rcpt.Digest,
			"correlation_id", api.GetCorrelationID(ctx))
	} else {
		s.logger.Warn("token revoked without receipt", "jti", jti, "error", err)
	}

	api.WriteJSON(w, map[string]any{"ok": true, "jti": jti})
}

type attestVerifyRequest struct {
	PassportB64 string `json:"passport_b64"`
	MetricsTag  string `json:"metrics_tag"`
	Scope       string `json:"scope"`
}

// handleAttestVerify is the server side of the remote attestation protocol:
// it validates a sealed passport without ever seeing the committed metrics.
func (s *Server) handleAttestVerify(w http.ResponseWriter, r *http.Request) {
	var req attestVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteError(w, r, err)
		return
	}

	raw, err := decodePassportB64(req.PassportB64)
	if err != nil {
		api.WriteJSON(w, passport.VerifyResult{OK: false, Reason: "verification failed: bad passport encoding"})
		return
	}
	var p passport.Passport
	if err := json.Unmarshal(raw, &p); err != nil {
		api.WriteJSON(w, passport.VerifyResult{OK: false, Reason: "verification failed: bad passport payload"})
		return
	}

	switch s.engine.InspectSealed(&p) {
	case passport.StatusExpired:
		api.WriteJSON(w, passport.VerifyResult{OK: false, Reason: "expired"})
		return
	case passport.StatusTampered:
		api.WriteJSON(w, passport.VerifyResult{OK: false, Reason: "verification failed: bad signature"})
		return
	}

	expectedTag := passport.MakeMetricsTag(p.SessionID, p.Nonce, req.Scope, s.cfg.MetricsSecret)
	if !crypto.ConstantTimeEqual(expectedTag, req.MetricsTag) {
		api.WriteJSON(w, passport.VerifyResult{OK: false, Reason: "verification failed: metrics tag mismatch"})
		return
	}

	api.WriteJSON(w, passport.VerifyResult{
		OK:     true,
		Reason: "OK",
		Claims: map[string]any{
			"agent_id":   p.AgentID,
			"session_id": p.SessionID,
			"scope":      req.Scope,
			"exp":        p.Exp,
		},
	})
}

// authenticate validates the Authorization bearer token against the external
// identity provider.
func (s *Server) authenticate(r *http.Request) (map[string]any, error) {
	header := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || bearer == "" {
		return nil, api.E(api.KindMalformed, "missing Authorization bearer token")
	}
	claims, err := s.auth.Verify(r.Context(), bearer)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return api.Wrap(api.KindMalformed, "invalid JSON body", err)
	}
	return nil
}

// failureReason renders a token verification error the way verify responses
// report it, without leaking internals.
func failureReason(err error) string {
	var kinded *api.Error
	if errors.As(err, &kinded) {
		switch kinded.Kind {
		case api.KindTokenExpired:
			return "expired"
		case api.KindTokenRevoked:
			return "revoked"
		}
		return "verification failed: " + kinded.Detail
	}
	return "verification failed: invalid token"
}

// hashClientIP returns the sha256 hex of the caller's IP. The raw address is
// never persisted.
func hashClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:])
}

// sigSegment extracts the signature segment of a compact token for the ledger.
func sigSegment(compact string) string {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

func decodePassportB64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return canonical.B64URLDecode(s)
}
