package didres

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/multiformats/go-multibase"
	"golang.org/x/crypto/curve25519"

	"github.com/layr8/didcomm-mediator/internal/model"
)

// Multicodec prefixes used by did:key (https://w3c-ccg.github.io/did-method-key/).
var (
	codecEd25519Pub = []byte{0xed, 0x01}
	codecX25519Pub  = []byte{0xec, 0x01}
)

// ResolveKey expands a did:key DID into a DID document (spec §4.A,
// grounded on aries-framework-go's fingerprint.CreateDIDKey/base58 use,
// here using github.com/multiformats/go-multibase for both the
// leading-byte multibase check and the base58btc decode).
//
// An Ed25519-encoded did:key yields both an Authentication verification
// method (the Ed25519 key itself) and a KeyAgreement method (its X25519
// birational-map conversion, the standard did:key convention). An
// X25519-encoded did:key yields a KeyAgreement-only document.
func ResolveKey(did string) (*model.DIDDocument, error) {
	rest, ok := strings.CutPrefix(did, "did:key:")
	if !ok {
		return nil, fmt.Errorf("not a did:key: %s", did)
	}

	encoding, data, err := multibase.Decode(rest)
	if err != nil {
		return nil, fmt.Errorf("decode did:key multibase: %w", err)
	}
	if encoding != multibase.Base58BTC {
		return nil, fmt.Errorf("unsupported did:key multibase encoding %v", encoding)
	}

	switch {
	case hasPrefix(data, codecEd25519Pub):
		pub := ed25519.PublicKey(data[len(codecEd25519Pub):])
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("did:key: malformed ed25519 key")
		}

		xpub, err := ed25519PublicKeyToX25519(pub)
		if err != nil {
			return nil, fmt.Errorf("did:key: convert to x25519: %w", err)
		}
		xDidKey, err := EncodeX25519DIDKey(xpub)
		if err != nil {
			return nil, fmt.Errorf("did:key: encode derived x25519 key: %w", err)
		}
		xMultibase := strings.TrimPrefix(xDidKey, "did:key:")

		return &model.DIDDocument{
			ID: did,
			Authentication: []model.VerificationMethod{
				{ID: did + "#" + rest, Type: "Ed25519VerificationKey2020", Controller: did, PublicKeyMultibase: rest},
			},
			KeyAgreement: []model.VerificationMethod{
				{ID: xDidKey + "#" + xMultibase, Type: "X25519KeyAgreementKey2020", Controller: did, PublicKeyMultibase: xMultibase},
			},
		}, nil

	case hasPrefix(data, codecX25519Pub):
		return &model.DIDDocument{
			ID: did,
			KeyAgreement: []model.VerificationMethod{
				{ID: did + "#" + rest, Type: "X25519KeyAgreementKey2020", Controller: did, PublicKeyMultibase: rest},
			},
		}, nil

	default:
		return nil, fmt.Errorf("did:key: unsupported key type")
	}
}

// DecodeMultibaseKey decodes a did:key-style publicKeyMultibase value,
// stripping its multicodec prefix, for callers that need the raw key
// bytes rather than a resolved DID document (e.g. the envelope codec
// reading a did:peer keyAgreement entry's PublicKeyMultibase).
func DecodeMultibaseKey(mb string) (codec string, raw []byte, err error) {
	encoding, data, err := multibase.Decode(mb)
	if err != nil {
		return "", nil, fmt.Errorf("decode multibase key: %w", err)
	}
	if encoding != multibase.Base58BTC {
		return "", nil, fmt.Errorf("unsupported multibase encoding %v", encoding)
	}
	switch {
	case hasPrefix(data, codecEd25519Pub):
		return "ed25519", data[len(codecEd25519Pub):], nil
	case hasPrefix(data, codecX25519Pub):
		return "x25519", data[len(codecX25519Pub):], nil
	default:
		return "", nil, fmt.Errorf("unrecognized multicodec prefix")
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if data[i] != b {
			return false
		}
	}
	return true
}

// EncodeX25519DIDKey encodes a raw X25519 public key as a did:key DID.
func EncodeX25519DIDKey(pub []byte) (string, error) {
	return encodeDIDKey(codecX25519Pub, pub)
}

// EncodeEd25519DIDKey encodes a raw Ed25519 public key as a did:key DID.
func EncodeEd25519DIDKey(pub ed25519.PublicKey) (string, error) {
	return encodeDIDKey(codecEd25519Pub, pub)
}

func encodeDIDKey(codec, pub []byte) (string, error) {
	prefixed := append(append([]byte(nil), codec...), pub...)
	enc, err := multibase.Encode(multibase.Base58BTC, prefixed)
	if err != nil {
		return "", err
	}
	return "did:key:" + enc, nil
}

// GenerateEd25519DIDKey mints a fresh Ed25519 keypair and returns its
// did:key DID alongside the private key, JWK-encoded, ready to store as a
// model.Secret (spec §4.G "generate a fresh routing_did... keys are
// created and stored in the Secret store").
func GenerateEd25519DIDKey() (did string, kid model.KID, priv ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	did, err = EncodeEd25519DIDKey(pub)
	if err != nil {
		return "", "", nil, err
	}
	rest := strings.TrimPrefix(did, "did:key:")
	return did, did + "#" + rest, priv, nil
}

// GenerateX25519Keypair mints a fresh X25519 keypair for use as a
// key-agreement key (did:peer encryption purpose, routing-DID generation).
func GenerateX25519Keypair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("generate x25519 scalar: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	return pub, priv, nil
}

// ed25519PublicKeyToX25519 converts an Ed25519 public key to its X25519
// Montgomery-form counterpart via the standard birational map
// u = (1+y)/(1-y) mod p, where y is the Edwards curve point's
// y-coordinate recovered from the encoded public key (the sign bit of x
// is discarded, matching the spec's "ignore sign" convention used by
// libsodium's crypto_sign_ed25519_pk_to_curve25519).
func ed25519PublicKeyToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key length")
	}

	// Decode the compressed point: little-endian y with the top bit as
	// the sign of x (spec RFC 8032 §5.1.2).
	y := append([]byte(nil), pub...)
	y[31] &= 0x7f

	p, _ := new(big.Int).SetString(
		"57896044618658097711785492504343953926634992332820282019728792003956564819949", 10) // 2^255 - 19

	yInt := littleEndianToInt(y)

	one := big.NewInt(1)
	num := new(big.Int).Add(one, yInt)
	num.Mod(num, p)

	den := new(big.Int).Sub(one, yInt)
	den.Mod(den, p)

	denInv := new(big.Int).ModInverse(den, p)
	if denInv == nil {
		return nil, fmt.Errorf("ed25519 point has no x25519 equivalent")
	}

	u := new(big.Int).Mul(num, denInv)
	u.Mod(u, p)

	out := intToLittleEndian(u, 32)
	return out, nil
}

func littleEndianToInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func intToLittleEndian(n *big.Int, size int) []byte {
	be := n.FillBytes(make([]byte, size))
	le := make([]byte, size)
	for i, v := range be {
		le[size-1-i] = v
	}
	return le
}
