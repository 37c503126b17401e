package statekeys

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// GenerateKey returns a fresh secp256k1 keypair as hex strings. The public key
// is in 33-byte compressed form.
func GenerateKey() (pubHex, privHex string, err error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate secp256k1 key: %w", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	return hex.EncodeToString(pub), hex.EncodeToString(priv.Serialize()), nil
}

// PublicFromPrivate derives the compressed public key for a hex private key.
func PublicFromPrivate(privHex string) (string, error) {
	priv, err := parsePrivate(privHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.PubKey().SerializeCompressed()), nil
}

// Sign produces a DER-encoded ECDSA signature over digest and returns it hex
// encoded. digest must be a 32-byte hash.
func Sign(privHex string, digest []byte) (string, error) {
	if len(digest) != 32 {
		return "", fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	priv, err := parsePrivate(privHex)
	if err != nil {
		return "", err
	}
	sig := ecdsa.Sign(priv, digest)
	return hex.EncodeToString(sig.Serialize()), nil
}

// Verify checks a hex DER signature over digest against a hex public key.
// Malformed keys or signatures verify as false.
func Verify(pubHex string, digest []byte, sigHex string) bool {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub)
}

func parsePrivate(privHex string) (*secp256k1.PrivateKey, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(b))
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}
