package security

import (
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// JWKS returns the ring's verification keys (active and retired-in-grace) as a JWK set,
// so independent verifiers can check tokens without calling back into this service.
func (r *KeyRing) JWKS() (jwk.Set, error) {
	set := jwk.NewSet()
	for _, k := range r.VerificationKeys() {
		key, err := jwk.Import(k.Public)
		if err != nil {
			return nil, fmt.Errorf("jwks: import %s: %w", k.KID, err)
		}
		alg, ok := jwa.LookupSignatureAlgorithm(k.Algorithm)
		if !ok {
			return nil, fmt.Errorf("jwks: unknown algorithm %s for %s", k.Algorithm, k.KID)
		}
		if err := key.Set(jwk.KeyIDKey, k.KID); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("jwks: add %s: %w", k.KID, err)
		}
	}
	return set, nil
}

// JWKSJSON is JWKS marshalled to JSON.
func (r *KeyRing) JWKSJSON() ([]byte, error) {
	set, err := r.JWKS()
	if err != nil {
		return nil, err
	}
	return json.Marshal(set)
}
