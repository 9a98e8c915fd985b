package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// EnvMasterKey is the environment variable containing the master key.
	EnvMasterKey = "VERDICT_MASTER_KEY"
	// nonceSize is the size of the GCM nonce (12 bytes is standard for AES-GCM).
	nonceSize = 12
)

var (
	// ErrNoEncryptionKey indicates no master key is configured and insecure
	// mode was not requested.
	ErrNoEncryptionKey = errors.New("VERDICT_MASTER_KEY environment variable not set")
	// ErrNoIssuerKey is returned when no credential signing key has been stored yet.
	ErrNoIssuerKey = errors.New("no issuer key stored")
)

// LoadOrGenerateKey loads the master key from file or generates a new one.
// Priority:
//  1. Environment variable VERDICT_MASTER_KEY (always takes precedence)
//  2. Key file at the specified path
//  3. Generate new key and save to file
func LoadOrGenerateKey(keyPath string) (string, error) {
	if keyStr := os.Getenv(EnvMasterKey); keyStr != "" {
		return keyStr, nil
	}

	data, err := os.ReadFile(keyPath)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}

	keyBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	keyStr := hex.EncodeToString(keyBytes)

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(keyStr), 0600); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}

	slog.Info("generated new master key", "path", keyPath)
	return keyStr, nil
}

// Sealer encrypts secrets at rest with AES-256-GCM.
type Sealer struct {
	key      []byte
	insecure bool
}

// NewSealer derives an AES-256 key from the master key string. With an empty
// master key the sealer fails with ErrNoEncryptionKey unless insecure is set,
// in which case secrets are stored as plaintext (development only).
func NewSealer(masterKey string, insecure bool) *Sealer {
	s := &Sealer{insecure: insecure}
	if masterKey != "" {
		hash := sha256.Sum256([]byte(masterKey))
		s.key = hash[:]
	}
	return s
}

// Enabled reports whether secrets are actually encrypted.
func (s *Sealer) Enabled() bool {
	return s.key != nil
}

// Seal encrypts plaintext. Format: nonce (12 bytes) || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s.key == nil {
		if s.insecure {
			return plaintext, nil
		}
		return nil, ErrNoEncryptionKey
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if s.key == nil {
		if s.insecure {
			return ciphertext, nil
		}
		return nil, ErrNoEncryptionKey
	}
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveIssuerKey seals and stores the credential signing key, replacing any
// previous one.
func (s *Store) SaveIssuerKey(ctx context.Context, sealer *Sealer, privateKey []byte) error {
	sealed, err := sealer.Seal(privateKey)
	if err != nil {
		return fmt.Errorf("failed to seal issuer key: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO issuer_keys (id, sealed_key, created_at) VALUES (1, ?, ?)`,
		sealed, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to store issuer key: %w", err)
	}
	return nil
}

// LoadIssuerKey returns the stored credential signing key, or ErrNoIssuerKey.
func (s *Store) LoadIssuerKey(ctx context.Context, sealer *Sealer) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT sealed_key FROM issuer_keys WHERE id = 1`).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoIssuerKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issuer key: %w", err)
	}
	key, err := sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open issuer key: %w", err)
	}
	return key, nil
}
