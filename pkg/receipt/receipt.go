// Package receipt produces keyed audit receipts for completed actions. A
// receipt binds an action, its inputs, the lease that authorized it, and the
// result hash into a canonical payload whose digest is authenticated with the
// audit key. Anyone holding the key can recompute and compare offline.
package receipt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/trustplane/attest/pkg/api"
	"github.com/trustplane/attest/pkg/canonical"
)

// DefaultBucketSize groups receipt timestamps into one-minute buckets so that
// receipts for the same logical action window compare equal.
const DefaultBucketSize int64 = 60

// Payload is the canonicalized body a receipt authenticates.
type Payload struct {
	ActionID   string         `json:"action_id"`
	Inputs     map[string]any `json:"inputs"`
	LeaseID    string         `json:"lease_id"`
	ResultHash string         `json:"result_hash"`
	TSBucket   int64          `json:"ts_bucket"`
}

// Receipt is the issued artifact: the payload plus its digest and MAC.
type Receipt struct {
	Payload Payload `json:"payload"`
	Digest  string  `json:"digest"`
	MAC     string  `json:"mac"`
}

// Issuer mints and checks receipts under a single audit key.
type Issuer struct {
	auditKey   []byte
	bucketSize int64
	now        func() time.Time
}

// NewIssuer creates a receipt issuer with the default timestamp bucket.
func NewIssuer(auditKey []byte) *Issuer {
	return &Issuer{auditKey: auditKey, bucketSize: DefaultBucketSize, now: time.Now}
}

// Issue builds a receipt for the given action. Inputs may be nil; resultHash
// should be the hex SHA-256 of the action result.
func (i *Issuer) Issue(actionID, leaseID, resultHash string, inputs map[string]any) (*Receipt, error) {
	if actionID == "" {
		return nil, api.E(api.KindMalformed, "action_id is required")
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	p := Payload{
		ActionID:   actionID,
		Inputs:     inputs,
		LeaseID:    leaseID,
		ResultHash: resultHash,
		TSBucket:   i.now().Unix() / i.bucketSize,
	}

	digest, mac, err := i.compute(p)
	if err != nil {
		return nil, err
	}
	return &Receipt{Payload: p, Digest: digest, MAC: mac}, nil
}

// Verify recomputes digest and MAC from the receipt's payload and compares
// both in constant time. Any payload edit flips the digest, and any digest or
// MAC edit fails the keyed comparison.
func (i *Issuer) Verify(r *Receipt) bool {
	if r == nil {
		return false
	}
	digest, mac, err := i.compute(r.Payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(digest), []byte(r.Digest)) &&
		hmac.Equal([]byte(mac), []byte(r.MAC))
}

// Recompute returns the digest and MAC the issuer would produce for the given
// payload, for offline audit tooling.
func (i *Issuer) Recompute(p Payload) (digest, mac string, err error) {
	return i.compute(p)
}

func (i *Issuer) compute(p Payload) (string, string, error) {
	enc, err := canonical.Encode(p)
	if err != nil {
		return "", "", api.Wrap(api.KindInternal, "receipt encoding failed", err)
	}
	sum := sha256.Sum256(enc)
	digest := hex.EncodeToString(sum[:])

	h := hmac.New(sha256.New, i.auditKey)
	h.Write([]byte(digest))
	return digest, hex.EncodeToString(h.Sum(nil)), nil
}

// HashResult is a convenience for producing the result_hash field.
func HashResult(result []byte) string {
	sum := sha256.Sum256(result)
	return hex.EncodeToString(sum[:])
}
