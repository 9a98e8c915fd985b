package credential

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ErrUnsupportedKey is returned for keys that cannot sign quotes.
var ErrUnsupportedKey = errors.New("unsupported key type: quote keys must be RSA or ECDSA")

// ParseQuoteKey parses a device's quote signing key. Accepted encodings are a
// PEM "PUBLIC KEY" block (PKIX), an OpenSSH authorized_keys line, or raw PKIX
// DER. Only RSA and ECDSA keys are accepted.
func ParseQuoteKey(data []byte) (crypto.PublicKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty key")
	}

	var pub crypto.PublicKey
	switch {
	case bytes.HasPrefix(data, []byte("-----BEGIN")):
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, errors.New("invalid PEM block")
		}
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
		}
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX key: %w", err)
		}
		pub = k

	case bytes.HasPrefix(data, []byte("ssh-")) || bytes.HasPrefix(data, []byte("ecdsa-")):
		sshKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		cryptoKey, ok := sshKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("not a crypto public key")
		}
		pub = cryptoKey.CryptoPublicKey()

	default:
		k, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key: %w", err)
		}
		pub = k
	}

	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return pub, nil
	default:
		return nil, ErrUnsupportedKey
	}
}

// MarshalQuoteKey returns the PKIX DER encoding stored for a device.
func MarshalQuoteKey(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return der, nil
}

// EncodePEM wraps PKIX DER in a PEM block.
func EncodePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// Fingerprint returns the SHA-256 hex of a DER encoded key.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
