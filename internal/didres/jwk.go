package didres

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// marshalX25519PrivateJWK builds an OKP/X25519 private JWK (spec §3
// Secret.Material) for a key-agreement key, kid-tagged. Hand-built rather
// than routed through lestrrat-go/jwx/v2/jwk.FromRaw: that constructor's
// raw-key inference only covers the crypto/ecdsa, crypto/rsa and
// crypto/ed25519 stdlib key types, none of which represent a bare X25519
// scalar, so the OKP/X25519 JSON shape (RFC 8037 §2) is produced directly.
func marshalX25519PrivateJWK(priv, pub []byte, kid string) ([]byte, error) {
	return json.Marshal(rawOKPJWK{
		Kty: "OKP",
		Crv: "X25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
		D:   base64.RawURLEncoding.EncodeToString(priv),
		Kid: kid,
	})
}

// marshalEd25519PrivateJWK builds an OKP/Ed25519 private JWK via
// lestrrat-go/jwx/v2/jwk, which natively recognizes crypto/ed25519 keys.
func marshalEd25519PrivateJWK(priv ed25519.PrivateKey, kid string) ([]byte, error) {
	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, fmt.Errorf("build ed25519 jwk: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	return json.Marshal(key)
}

// rawOKPJWK is the RFC 8037 OKP JWK JSON shape, used directly for X25519
// (not representable by crypto/ed25519 or jwx's raw-key inference).
type rawOKPJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
	Kid string `json:"kid,omitempty"`
}

// ParseOKPJWK decodes an OKP JWK (Ed25519 or X25519) into its raw key
// bytes. Used by the envelope codec to recover ECDH scalars/points from
// Secret.Material and from a resolved DID document's keyAgreement entries
// without depending on jwx's (ed25519-only) Raw() conversion.
func ParseOKPJWK(raw []byte) (crv string, x, d []byte, err error) {
	var k rawOKPJWK
	if err := json.Unmarshal(raw, &k); err != nil {
		return "", nil, nil, fmt.Errorf("parse OKP jwk: %w", err)
	}
	if k.Kty != "OKP" {
		return "", nil, nil, fmt.Errorf("not an OKP jwk: kty=%s", k.Kty)
	}
	if x, err = base64.RawURLEncoding.DecodeString(k.X); err != nil {
		return "", nil, nil, fmt.Errorf("decode jwk x: %w", err)
	}
	if k.D != "" {
		if d, err = base64.RawURLEncoding.DecodeString(k.D); err != nil {
			return "", nil, nil, fmt.Errorf("decode jwk d: %w", err)
		}
	}
	return k.Crv, x, d, nil
}
