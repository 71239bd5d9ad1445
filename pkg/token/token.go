// Package token implements the compact three-segment attestation token: two
// canonical-JSON segments and an Ed25519 signature over their joined base64url
// form. It is JWT-shaped on the wire but the trust plane is the canonical
// codec, not a JWT library.
package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/attest/pkg/api"
	"github.com/trustplane/attest/pkg/canonical"
	"github.com/trustplane/attest/pkg/crypto"
)

// AlgEd25519 is the only algorithm compact tokens are ever issued or accepted
// under.
const AlgEd25519 = "Ed25519"

// TypeISMJ marks the compact attestation token type in headers.
const TypeISMJ = "ISMJ"

// Header is the first envelope segment.
type Header struct {
	Alg string `json:"alg"`
	KID int    `json:"kid"`
	Typ string `json:"typ"`
}

// Claims is the second envelope segment.
type Claims struct {
	Iss   string   `json:"iss"`
	Sub   string   `json:"sub"`
	Scope []string `json:"scope"`
	OrgID string   `json:"org_id,omitempty"`
	IAT   int64    `json:"iat"`
	Exp   int64    `json:"exp"`
	JTI   string   `json:"jti"`
	Nonce string   `json:"nonce"`
	KID   int      `json:"kid"`
	MTag  string   `json:"mtag"`
}

// Issuer mints compact tokens under the keyring's active key.
type Issuer struct {
	Iss           string
	KeyRing       *crypto.KeyRing
	MetricsSecret []byte
	now           func() time.Time
}

// NewIssuer creates a token issuer for the given issuer identity.
func NewIssuer(iss string, kr *crypto.KeyRing, metricsSecret []byte) *Issuer {
	return &Issuer{Iss: iss, KeyRing: kr, MetricsSecret: metricsSecret, now: time.Now}
}

// IssueRequest carries the caller-supplied issuance inputs.
type IssueRequest struct {
	Sub   string
	Scope []string
	TTL   int64
	Nonce string
	OrgID string
	Raw   string
}

// issuanceContext is what mtag commits to: the full issuance context
// including the private raw value, which never appears in the token itself.
type issuanceContext struct {
	Sub   string   `json:"sub"`
	Scope []string `json:"scope"`
	OrgID string   `json:"org_id"`
	Raw   string   `json:"raw"`
	Nonce string   `json:"nonce"`
	IAT   int64    `json:"iat"`
}

// Issue signs a compact token and returns it with its claims.
func (i *Issuer) Issue(req IssueRequest) (string, *Claims, error) {
	if req.Sub == "" {
		return "", nil, api.E(api.KindMalformed, "sub is required")
	}
	if req.TTL <= 0 {
		return "", nil, api.E(api.KindMalformed, "ttl must be positive")
	}
	scope := req.Scope
	if scope == nil {
		scope = []string{}
	}

	signer := i.KeyRing.Active()
	now := i.now().Unix()
	jti := uuid.New()

	mtag, err := crypto.Commit(issuanceContext{
		Sub:   req.Sub,
		Scope: scope,
		OrgID: req.OrgID,
		Raw:   req.Raw,
		Nonce: req.Nonce,
		IAT:   now,
	}, i.MetricsSecret)
	if err != nil {
		return "", nil, api.Wrap(api.KindInternal, "mtag computation failed", err)
	}

	claims := &Claims{
		Iss:   i.Iss,
		Sub:   req.Sub,
		Scope: scope,
		OrgID: req.OrgID,
		IAT:   now,
		Exp:   now + req.TTL,
		JTI:   fmt.Sprintf("%x", jti[:]),
		Nonce: req.Nonce,
		KID:   signer.KID,
		MTag:  mtag,
	}
	header := Header{Alg: AlgEd25519, KID: signer.KID, Typ: TypeISMJ}

	signingInput, err := canonical.SigningInput(header, claims)
	if err != nil {
		return "", nil, api.Wrap(api.KindInternal, "token encoding failed", err)
	}
	sig := signer.Sign(signingInput)

	compact, err := canonical.PackCompact(header, claims, sig)
	if err != nil {
		return "", nil, api.Wrap(api.KindInternal, "token packing failed", err)
	}
	return compact, claims, nil
}

// Verify checks structure, algorithm, and signature of a compact token against
// the keyring and returns its claims. Expiry and revocation are the caller's
// concern: the signature is valid either way and different callers treat those
// states differently.
func Verify(compact string, kr *crypto.KeyRing) (*Header, *Claims, error) {
	parts, err := canonical.UnpackCompact(compact)
	if err != nil {
		return nil, nil, api.Wrap(api.KindMalformed, "invalid token format", err)
	}

	var header Header
	if err := json.Unmarshal(parts.Header, &header); err != nil {
		return nil, nil, api.Wrap(api.KindMalformed, "invalid token header", err)
	}
	if header.Alg != AlgEd25519 {
		return nil, nil, api.E(api.KindAlgUnsupported, fmt.Sprintf("unsupported alg %q", header.Alg))
	}

	if err := kr.VerifyKID(header.KID, parts.SigningInput, parts.Signature); err != nil {
		return nil, nil, err
	}

	var claims Claims
	if err := json.Unmarshal(parts.Payload, &claims); err != nil {
		return nil, nil, api.Wrap(api.KindMalformed, "invalid token payload", err)
	}
	return &header, &claims, nil
}
