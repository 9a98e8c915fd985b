// Package credential issues and verifies the bearer credentials devices use
// to submit evidence, and parses the keys devices enroll with.
package credential

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/gobeyondidentity/verdict/pkg/store"
)

// ScopeAttest is the only scope carried by device credentials.
const ScopeAttest = "attest"

// DefaultAudience is the audience claim verdictd issues credentials for.
const DefaultAudience = "verdict/attest"

var (
	// ErrInvalidCredential covers malformed tokens, bad signatures and claim mismatches.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrExpiredCredential is returned for tokens outside their validity window.
	ErrExpiredCredential = errors.New("credential expired")
)

// leeway tolerates clock differences between issuer and device.
const leeway = time.Minute

type deviceClaims struct {
	jwt.Claims
	Scope string `json:"scope"`
}

// Issuer signs device credentials with an Ed25519 key.
type Issuer struct {
	key      ed25519.PrivateKey
	issuer   string
	audience string
	ttl      time.Duration
}

// NewIssuer creates an issuer. Tokens are valid for ttl from issuance.
func NewIssuer(key ed25519.PrivateKey, issuer, audience string, ttl time.Duration) *Issuer {
	return &Issuer{key: key, issuer: issuer, audience: audience, ttl: ttl}
}

// Issue creates a credential for deviceID.
func (i *Issuer) Issue(deviceID int64, now time.Time) (string, error) {
	signerOpts := (&jose.SignerOptions{}).WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: i.key}, signerOpts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	claims := deviceClaims{
		Claims: jwt.Claims{
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(deviceID, 10),
			Audience:  jwt.Audience{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Scope: ScopeAttest,
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize credential: %w", err)
	}
	return token, nil
}

// Verify checks a credential and returns the device id it was issued for.
func (i *Issuer) Verify(token string, now time.Time) (int64, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	var claims deviceClaims
	if err := parsed.Claims(i.key.Public(), &claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	err = claims.ValidateWithLeeway(jwt.Expected{
		Issuer:      i.issuer,
		AnyAudience: jwt.Audience{i.audience},
		Time:        now,
	}, leeway)
	if errors.Is(err, jwt.ErrExpired) || errors.Is(err, jwt.ErrNotValidYet) {
		return 0, ErrExpiredCredential
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if claims.Scope != ScopeAttest {
		return 0, fmt.Errorf("%w: scope %q", ErrInvalidCredential, claims.Scope)
	}
	deviceID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || deviceID <= 0 {
		return 0, fmt.Errorf("%w: subject %q", ErrInvalidCredential, claims.Subject)
	}
	return deviceID, nil
}

// LoadOrCreateKey returns the issuer key persisted in st, generating and
// storing a new one on first use.
func LoadOrCreateKey(ctx context.Context, st *store.Store, sealer *store.Sealer) (ed25519.PrivateKey, error) {
	raw, err := st.LoadIssuerKey(ctx, sealer)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("stored issuer key has invalid size %d", len(raw))
		}
		return ed25519.PrivateKey(raw), nil
	}
	if !errors.Is(err, store.ErrNoIssuerKey) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate issuer key: %w", err)
	}
	if err := st.SaveIssuerKey(ctx, sealer, priv); err != nil {
		return nil, err
	}
	return priv, nil
}
