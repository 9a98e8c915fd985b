package attestation

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newECDSAKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func signEvidence(t *testing.T, signer crypto.Signer, alg string, nonce []byte, at time.Time, pcrs map[int]string, fw map[string]string) *Evidence {
	t.Helper()
	ev, err := NewEvidence(signer, alg, nonce, at, pcrs, fw)
	require.NoError(t, err)
	require.NoError(t, ev.Validate())
	return ev
}

func TestVerify_ValidEvidence(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	pcrs := map[int]string{0: digest("aa"), 1: digest("BB")}
	fw := map[string]string{"/bios/vendor": "acme"}
	v := NewValidator(DefaultValidatorConfig())

	ecKey := newECDSAKey(t)
	rsaKey := newRSAKey(t)

	tests := []struct {
		name   string
		signer crypto.Signer
		pub    crypto.PublicKey
		alg    string
	}{
		{"ecdsa", ecKey, &ecKey.PublicKey, AlgECDSASHA256},
		{"rsa", rsaKey, &rsaKey.PublicKey, AlgRSAPKCS1SHA256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := signEvidence(t, tt.signer, tt.alg, []byte("n1"), now.Add(-time.Minute), pcrs, fw)

			got, err := v.Verify(context.Background(), ev, tt.pub, Freshness{}, now)
			require.NoError(t, err)
			assert.Equal(t, digest("aa"), got.Report.PCRs[0])
			assert.Equal(t, digest("bb"), got.Report.PCRs[1], "register values are normalized to lower case")
			assert.Equal(t, "acme", got.Report.Firmware["/bios/vendor"])
			assert.Equal(t, []byte("n1"), got.Report.Nonce)
			assert.True(t, got.Report.QuotedAt.Equal(now.Add(-time.Minute)))
			assert.Equal(t, tt.alg, got.Ref.Algorithm)
			assert.Len(t, got.Ref.QuoteDigest, 64)
			assert.Equal(t, "6e31", got.Ref.Nonce)
		})
	}
}

func TestVerify_Failures(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	pcrs := map[int]string{0: digest("aa")}
	key := newECDSAKey(t)
	other := newECDSAKey(t)
	rsaKey := newRSAKey(t)
	v := NewValidator(DefaultValidatorConfig())

	lastAt := now.Add(-2 * time.Minute)
	last := Freshness{QuotedAt: &lastAt, Nonce: []byte("old")}

	tests := []struct {
		name string
		ev   func() *Evidence
		pub  crypto.PublicKey
		last Freshness
		want error
	}{
		{
			name: "wrong key",
			ev:   func() *Evidence { return signEvidence(t, key, AlgECDSASHA256, nil, now, pcrs, nil) },
			pub:  &other.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "key type does not match algorithm",
			ev:   func() *Evidence { return signEvidence(t, key, AlgECDSASHA256, nil, now, pcrs, nil) },
			pub:  &rsaKey.PublicKey,
			want: ErrNoMatchingKey,
		},
		{
			name: "unsupported algorithm",
			ev: func() *Evidence {
				ev := signEvidence(t, key, AlgECDSASHA256, nil, now, pcrs, nil)
				ev.Algorithm = "ecdsa-sha1"
				return ev
			},
			pub:  &key.PublicKey,
			want: ErrUnsupportedAlgorithm,
		},
		{
			name: "reported pcr differs from quoted pcr",
			ev: func() *Evidence {
				ev := signEvidence(t, key, AlgECDSASHA256, nil, now, pcrs, nil)
				ev.PCRs["0"] = digest("cc")
				return ev
			},
			pub:  &key.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "extra pcr not covered by quote",
			ev: func() *Evidence {
				ev := signEvidence(t, key, AlgECDSASHA256, nil, now, pcrs, nil)
				ev.PCRs["1"] = digest("bb")
				return ev
			},
			pub:  &key.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "firmware not covered by quote",
			ev: func() *Evidence {
				ev := signEvidence(t, key, AlgECDSASHA256, nil, now, pcrs, nil)
				ev.Firmware = map[string]string{"/bios/vendor": "acme"}
				return ev
			},
			pub:  &key.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "registers relabelled",
			ev: func() *Evidence {
				ev := signEvidence(t, key, AlgECDSASHA256, nil, now, map[int]string{6: digest("aa"), 7: digest("bb")}, nil)
				ev.PCRs = map[string]string{"7": digest("aa"), "8": digest("bb")}
				return ev
			},
			pub:  &key.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "registers merged into one value",
			ev: func() *Evidence {
				ev := signEvidence(t, key, AlgECDSASHA256, nil, now, map[int]string{0: digest("aa"), 1: digest("bb")}, nil)
				ev.PCRs = map[string]string{"0": digest("aa") + digest("bb")}
				return ev
			},
			pub:  &key.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "register value split across two registers",
			ev: func() *Evidence {
				ev := signEvidence(t, key, AlgECDSASHA256, nil, now, map[int]string{0: digest("aa") + digest("bb")}, nil)
				ev.PCRs = map[string]string{"0": digest("aa"), "1": digest("bb")}
				return ev
			},
			pub:  &key.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "firmware fact spliced out of a value",
			ev: func() *Evidence {
				ev := signEvidence(t, key, AlgECDSASHA256, nil, now, pcrs, map[string]string{"/a": "x\n/secureboot=on"})
				ev.Firmware = map[string]string{"/a": "x", "/secureboot": "on"}
				return ev
			},
			pub:  &key.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "tampered signature",
			ev: func() *Evidence {
				ev := signEvidence(t, rsaKey, AlgRSAPKCS1SHA256, nil, now, pcrs, nil)
				ev.Signature[0] ^= 0xff
				return ev
			},
			pub:  &rsaKey.PublicKey,
			want: ErrSignatureInvalid,
		},
		{
			name: "older than last accepted",
			ev:   func() *Evidence { return signEvidence(t, key, AlgECDSASHA256, nil, lastAt.Add(-time.Second), pcrs, nil) },
			pub:  &key.PublicKey,
			last: last,
			want: ErrStale,
		},
		{
			name: "same time as last accepted",
			ev:   func() *Evidence { return signEvidence(t, key, AlgECDSASHA256, nil, lastAt, pcrs, nil) },
			pub:  &key.PublicKey,
			last: last,
			want: ErrStale,
		},
		{
			name: "replayed nonce",
			ev:   func() *Evidence { return signEvidence(t, key, AlgECDSASHA256, []byte("old"), now, pcrs, nil) },
			pub:  &key.PublicKey,
			last: last,
			want: ErrStale,
		},
		{
			name: "too old",
			ev:   func() *Evidence { return signEvidence(t, key, AlgECDSASHA256, nil, now.Add(-time.Hour), pcrs, nil) },
			pub:  &key.PublicKey,
			want: ErrStale,
		},
		{
			name: "from the future",
			ev:   func() *Evidence { return signEvidence(t, key, AlgECDSASHA256, nil, now.Add(time.Hour), pcrs, nil) },
			pub:  &key.PublicKey,
			want: ErrStale,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.ev(), tt.pub, tt.last, now)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_ClockSkewTolerated(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	key := newECDSAKey(t)
	v := NewValidator(DefaultValidatorConfig())

	ev := signEvidence(t, key, AlgECDSASHA256, nil, now.Add(30*time.Second), map[int]string{0: digest("aa")}, nil)
	_, err := v.Verify(context.Background(), ev, &key.PublicKey, Freshness{}, now)
	assert.NoError(t, err)
}

func TestVerify_AgeCheckDisabled(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	key := newECDSAKey(t)
	cfg := DefaultValidatorConfig()
	cfg.MaxEvidenceAge = 0
	v := NewValidator(cfg)

	ev := signEvidence(t, key, AlgECDSASHA256, nil, now.Add(-72*time.Hour), map[int]string{0: digest("aa")}, nil)
	_, err := v.Verify(context.Background(), ev, &key.PublicKey, Freshness{}, now)
	assert.NoError(t, err)
}

// stallVerification makes signature checks block until the test ends.
func stallVerification(t *testing.T) {
	t.Helper()
	release := make(chan struct{})
	orig := verifySignature
	verifySignature = func(string, crypto.PublicKey, []byte, []byte) error {
		<-release
		return nil
	}
	t.Cleanup(func() {
		verifySignature = orig
		close(release)
	})
}

func TestVerify_TimeoutFailsClosed(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	key := newECDSAKey(t)
	ev := signEvidence(t, key, AlgECDSASHA256, nil, now, map[int]string{0: digest("aa")}, nil)

	stallVerification(t)
	v := NewValidator(ValidatorConfig{VerifyTimeout: time.Millisecond})

	start := time.Now()
	got, err := v.Verify(context.Background(), ev, &key.PublicKey, Freshness{}, now)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Nil(t, got)
	assert.Less(t, time.Since(start), time.Second, "verification is abandoned at the timeout")
}
