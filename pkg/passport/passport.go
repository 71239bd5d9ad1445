// Package passport implements attestation passports: signed, self-contained
// envelopes that prove an agent held a specific set of private session metrics
// at issuance without revealing them. The commitment is an HMAC over canonical
// JSON; the signature is Ed25519 over a canonical pack of the identifying
// fields and the original TTL.
package passport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/trustplane/attest/pkg/canonical"
	"github.com/trustplane/attest/pkg/crypto"
)

// Passport is the attestation envelope. JSON field names are wire-stable.
type Passport struct {
	AgentID      string `json:"agent_id"`
	SessionID    string `json:"session_id"`
	Commitment   string `json:"commitment"`
	Nonce        string `json:"nonce"`
	TTLSOriginal int64  `json:"ttl_s_original"`
	Exp          int64  `json:"exp"`
	IssuedAt     int64  `json:"issued_at"`
	Sig          string `json:"sig"`
	VerifyingKey string `json:"verifying_key"`
}

// Status classifies the outcome of a full inspection.
type Status string

const (
	StatusVerified Status = "VERIFIED"
	StatusExpired  Status = "EXPIRED"
	StatusTampered Status = "TAMPERED"
)

// Engine issues and verifies passports with a fixed commitment key. The
// signer is resolved per issuance so key rotation takes effect immediately.
type Engine struct {
	signer    func() *crypto.Signer
	commitKey []byte
	now       func() time.Time
}

// NewEngine creates a passport engine over a single signing key. The signer is
// only needed for issuance; verification uses the verifying key embedded in
// each passport.
func NewEngine(signer *crypto.Signer, commitKey []byte) *Engine {
	return &Engine{
		signer:    func() *crypto.Signer { return signer },
		commitKey: commitKey,
		now:       time.Now,
	}
}

// NewEngineWithRing creates a passport engine that issues under the ring's
// active key, so a rotation switches issuance without rebuilding the engine.
func NewEngineWithRing(ring *crypto.KeyRing, commitKey []byte) *Engine {
	return &Engine{signer: ring.Active, commitKey: commitKey, now: time.Now}
}

// signedMessage is the exact structure covered by the signature. The TTL field
// holds ttl_s_original verbatim; verifiers must never recompute it from the
// clock.
type signedMessage struct {
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	Commitment string `json:"commitment"`
	TTLS       int64  `json:"ttl_s"`
	Nonce      string `json:"nonce"`
}

func packMessage(agentID, sessionID, commitment string, ttlS int64, nonce string) ([]byte, error) {
	return canonical.Encode(signedMessage{
		AgentID:    agentID,
		SessionID:  sessionID,
		Commitment: commitment,
		TTLS:       ttlS,
		Nonce:      nonce,
	})
}

// Issue creates a passport attesting that the agent's session carried
// redactedMetrics. The returned passport verifies for ttlS seconds.
func (e *Engine) Issue(agentID, sessionID string, redactedMetrics map[string]any, ttlS int64) (*Passport, error) {
	if agentID == "" || sessionID == "" {
		return nil, fmt.Errorf("agent_id and session_id are required")
	}
	if ttlS <= 0 {
		return nil, fmt.Errorf("ttl_s must be positive")
	}
	signer := e.signer()
	if signer == nil {
		return nil, fmt.Errorf("engine has no signing key")
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	commitment, err := crypto.Commit(redactedMetrics, e.commitKey)
	if err != nil {
		return nil, err
	}

	msg, err := packMessage(agentID, sessionID, commitment, ttlS, nonce)
	if err != nil {
		return nil, err
	}
	sig := signer.Sign(msg)

	now := e.now().Unix()
	return &Passport{
		AgentID:      agentID,
		SessionID:    sessionID,
		Commitment:   commitment,
		Nonce:        nonce,
		TTLSOriginal: ttlS,
		Exp:          now + ttlS,
		IssuedAt:     now,
		Sig:          base64.StdEncoding.EncodeToString(sig),
		VerifyingKey: base64.StdEncoding.EncodeToString(signer.PublicKey()),
	}, nil
}

// Verify reports whether p is an unexpired, untampered passport for the given
// agent, session, and metrics. The signed message is reconstructed with the
// passport's stored ttl_s_original so verification is stable across clock
// skew.
func (e *Engine) Verify(p *Passport, expectedAgentID, expectedSessionID string, expectedMetrics map[string]any) bool {
	return e.Inspect(p, expectedAgentID, expectedSessionID, expectedMetrics) == StatusVerified
}

// Inspect is Verify with the failure class exposed.
func (e *Engine) Inspect(p *Passport, expectedAgentID, expectedSessionID string, expectedMetrics map[string]any) Status {
	if p == nil {
		return StatusTampered
	}
	if e.now().Unix() > p.Exp {
		return StatusExpired
	}

	if !e.VerifyCommitmentOnly(p, expectedMetrics) {
		return StatusTampered
	}
	if p.AgentID != expectedAgentID || p.SessionID != expectedSessionID {
		return StatusTampered
	}

	msg, err := packMessage(expectedAgentID, expectedSessionID, p.Commitment, p.TTLSOriginal, p.Nonce)
	if err != nil {
		return StatusTampered
	}
	vk, err := base64.StdEncoding.DecodeString(p.VerifyingKey)
	if err != nil {
		return StatusTampered
	}
	sig, err := base64.StdEncoding.DecodeString(p.Sig)
	if err != nil {
		return StatusTampered
	}
	if !crypto.Verify(msg, sig, ed25519.PublicKey(vk)) {
		return StatusTampered
	}
	return StatusVerified
}

// InspectSealed verifies a passport without knowledge of the committed
// metrics: expiry plus the signature over the embedded identity, commitment,
// ttl_s_original, and nonce. A centralized verifier that never sees the raw
// metrics uses this path.
func (e *Engine) InspectSealed(p *Passport) Status {
	if p == nil {
		return StatusTampered
	}
	if e.now().Unix() > p.Exp {
		return StatusExpired
	}

	msg, err := packMessage(p.AgentID, p.SessionID, p.Commitment, p.TTLSOriginal, p.Nonce)
	if err != nil {
		return StatusTampered
	}
	vk, err := base64.StdEncoding.DecodeString(p.VerifyingKey)
	if err != nil {
		return StatusTampered
	}
	sig, err := base64.StdEncoding.DecodeString(p.Sig)
	if err != nil {
		return StatusTampered
	}
	if !crypto.Verify(msg, sig, ed25519.PublicKey(vk)) {
		return StatusTampered
	}
	return StatusVerified
}

// VerifyCommitmentOnly runs just the constant-time commitment check. Cheap
// early filter before full signature verification.
func (e *Engine) VerifyCommitmentOnly(p *Passport, expectedMetrics map[string]any) bool {
	if p == nil {
		return false
	}
	expected, err := crypto.Commit(expectedMetrics, e.commitKey)
	if err != nil {
		return false
	}
	return crypto.ConstantTimeEqual(expected, p.Commitment)
}

// IsExpired checks expiry without any cryptographic work.
func (e *Engine) IsExpired(p *Passport) bool {
	if p == nil {
		return true
	}
	return e.now().Unix() > p.Exp
}

func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
