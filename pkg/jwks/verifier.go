package jwks

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustplane/attest/pkg/api"
)

// Verifier checks externally issued RS256 bearer tokens against a JWKS-backed
// key cache with pinned audience and issuer.
type Verifier struct {
	Cache    *Cache
	Audience string
	Issuer   string
}

// NewVerifier creates a verifier over the given cache.
func NewVerifier(cache *Cache, audience, issuer string) *Verifier {
	return &Verifier{Cache: cache, Audience: audience, Issuer: issuer}
}

// Verify parses and validates an external JWT and returns its claims. Every
// failure maps to a stable error kind so the facade can answer without leaking
// verifier internals.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, api.E(api.KindAlgUnsupported, fmt.Sprintf("unsupported alg %q", t.Method.Alg()))
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, api.E(api.KindKidMissing, "token header has no kid")
		}
		return v.Cache.Key(ctx, kid)
	}

	// the alg allow-list lives in the keyfunc so a disallowed alg reports as
	// ALG_UNSUPPORTED rather than a generic signature failure
	token, err := jwt.Parse(tokenString, keyfunc,
		jwt.WithAudience(v.Audience),
		jwt.WithIssuer(v.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, api.E(api.KindMalformed, "token claims are not a JSON object")
	}
	return claims, nil
}

// mapJWTError translates jwt/v5 sentinel errors into the local taxonomy,
// preferring any kinded error produced inside the keyfunc.
func mapJWTError(err error) error {
	var kinded *api.Error
	if errors.As(err, &kinded) {
		return kinded
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return api.Wrap(api.KindTokenExpired, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return api.Wrap(api.KindAudienceMismatch, "token audience does not match", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return api.Wrap(api.KindIssuerMismatch, "token issuer does not match", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return api.Wrap(api.KindBadSignature, "token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return api.Wrap(api.KindTokenExpired, "token is not valid yet", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return api.Wrap(api.KindMalformed, "token is malformed", err)
	default:
		return api.Wrap(api.KindBadSignature, "token verification failed", err)
	}
}
