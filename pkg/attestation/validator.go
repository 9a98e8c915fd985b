package attestation

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/store"
)

var (
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrStale                = errors.New("stale evidence")
	ErrNoMatchingKey        = errors.New("no matching key")
	ErrNoActivePolicy       = errors.New("no active policy")
)

// ValidatorConfig bounds evidence verification.
type ValidatorConfig struct {
	// VerifyTimeout bounds signature verification. A timeout fails closed.
	VerifyTimeout time.Duration
	// MaxEvidenceAge rejects quotes older than this. Zero disables the check.
	MaxEvidenceAge time.Duration
	// MaxClockSkew tolerates quotes dated slightly in the future.
	MaxClockSkew time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		VerifyTimeout:  5 * time.Second,
		MaxEvidenceAge: 10 * time.Minute,
		MaxClockSkew:   time.Minute,
	}
}

// Freshness is what the validator remembers of the last accepted evidence.
type Freshness struct {
	QuotedAt *time.Time
	Nonce    []byte
}

// Verified is the outcome of successful validation.
type Verified struct {
	Report store.Report
	Ref    store.EvidenceRef
}

// Validator verifies evidence bundles against an enrolled key.
type Validator struct {
	config ValidatorConfig
}

// NewValidator creates a validator.
func NewValidator(config ValidatorConfig) *Validator {
	if config.VerifyTimeout <= 0 {
		config.VerifyTimeout = DefaultValidatorConfig().VerifyTimeout
	}
	return &Validator{config: config}
}

// Verify checks, in order:
//  1. the algorithm is supported and matches the key type
//  2. the signature covers the quote (bounded by VerifyTimeout)
//  3. the quote's digests cover exactly the reported PCRs and firmware facts
//  4. the quote is newer than the last accepted one, carries a new nonce and
//     is within MaxEvidenceAge of now
//
// The evidence must have passed Validate.
func (v *Validator) Verify(ctx context.Context, ev *Evidence, key crypto.PublicKey, last Freshness, now time.Time) (*Verified, error) {
	if err := checkKeyType(ev.Algorithm, key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.config.VerifyTimeout)
	defer cancel()

	verify := verifySignature
	done := make(chan error, 1)
	go func() {
		done <- verify(ev.Algorithm, key, ev.Quote, ev.Signature)
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: verification timed out", ErrSignatureInvalid)
	}

	quote, err := DecodeQuote(ev.Quote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	pcrs, err := ev.pcrValues()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !bytes.Equal(quote.PCRDigest, PCRDigest(pcrs)) {
		return nil, fmt.Errorf("%w: quote does not cover the reported PCRs", ErrSignatureInvalid)
	}
	if !bytes.Equal(quote.FirmwareDigest, FirmwareDigest(ev.Firmware)) {
		return nil, fmt.Errorf("%w: quote does not cover the reported firmware", ErrSignatureInvalid)
	}

	quotedAt := quote.Time()
	if err := v.checkFreshness(quotedAt, quote.Nonce, last, now); err != nil {
		return nil, err
	}

	report := store.Report{
		PCRs:     make(map[int]string, len(pcrs)),
		QuotedAt: quotedAt,
		Nonce:    quote.Nonce,
	}
	for idx, b := range pcrs {
		report.PCRs[idx] = hex.EncodeToString(b)
	}
	if len(ev.Firmware) > 0 {
		report.Firmware = make(map[string]string, len(ev.Firmware))
		for k, val := range ev.Firmware {
			report.Firmware[k] = val
		}
	}

	return &Verified{Report: report, Ref: Reference(ev)}, nil
}

func (v *Validator) checkFreshness(quotedAt time.Time, nonce []byte, last Freshness, now time.Time) error {
	if last.QuotedAt != nil && !quotedAt.After(*last.QuotedAt) {
		return fmt.Errorf("%w: quote from %s is not newer than the last accepted quote", ErrStale, quotedAt.Format(time.RFC3339Nano))
	}
	if len(last.Nonce) > 0 && bytes.Equal(nonce, last.Nonce) {
		return fmt.Errorf("%w: nonce replayed", ErrStale)
	}
	if v.config.MaxEvidenceAge > 0 && now.Sub(quotedAt) > v.config.MaxEvidenceAge {
		return fmt.Errorf("%w: quote is %s old", ErrStale, now.Sub(quotedAt).Round(time.Second))
	}
	if quotedAt.Sub(now) > v.config.MaxClockSkew {
		return fmt.Errorf("%w: quote is dated %s in the future", ErrStale, quotedAt.Sub(now).Round(time.Second))
	}
	return nil
}

// Reference summarizes evidence for the appraisal record.
func Reference(ev *Evidence) store.EvidenceRef {
	quoteSum := sha256.Sum256(ev.Quote)
	sigSum := sha256.Sum256(ev.Signature)
	ref := store.EvidenceRef{
		Algorithm:       ev.Algorithm,
		QuoteDigest:     hex.EncodeToString(quoteSum[:]),
		SignatureDigest: hex.EncodeToString(sigSum[:]),
	}
	if q, err := DecodeQuote(ev.Quote); err == nil {
		ref.Nonce = hex.EncodeToString(q.Nonce)
	}
	return ref
}

func checkKeyType(algorithm string, key crypto.PublicKey) error {
	switch algorithm {
	case AlgRSAPKCS1SHA256:
		if _, ok := key.(*rsa.PublicKey); !ok {
			return fmt.Errorf("%w: %s requires an RSA key", ErrNoMatchingKey, algorithm)
		}
	case AlgECDSASHA256:
		if _, ok := key.(*ecdsa.PublicKey); !ok {
			return fmt.Errorf("%w: %s requires an ECDSA key", ErrNoMatchingKey, algorithm)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return nil
}

// verifySignature checks a quote signature. Tests replace it to stall
// verification.
var verifySignature = checkSignature

func checkSignature(algorithm string, key crypto.PublicKey, quote, sig []byte) error {
	digest := sha256.Sum256(quote)
	switch algorithm {
	case AlgRSAPKCS1SHA256:
		if err := rsa.VerifyPKCS1v15(key.(*rsa.PublicKey), crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	case AlgECDSASHA256:
		if !ecdsa.VerifyASN1(key.(*ecdsa.PublicKey), digest[:], sig) {
			return ErrSignatureInvalid
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return nil
}
