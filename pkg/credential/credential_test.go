package credential

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gobeyondidentity/verdict/pkg/store"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return NewIssuer(priv, "verdictd", "verdict/attest", time.Hour)
}

func TestIssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)
	now := time.Now()

	token, err := issuer.Issue(42, now)
	require.NoError(t, err)

	id, err := issuer.Verify(token, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestVerify_Expired(t *testing.T) {
	issuer := newTestIssuer(t)
	now := time.Now()

	token, err := issuer.Issue(1, now)
	require.NoError(t, err)

	_, err = issuer.Verify(token, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrExpiredCredential)
}

func TestVerify_WrongKey(t *testing.T) {
	token, err := newTestIssuer(t).Issue(1, time.Now())
	require.NoError(t, err)

	_, err = newTestIssuer(t).Verify(token, time.Now())
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestVerify_WrongAudience(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := NewIssuer(priv, "verdictd", "other", time.Hour).Issue(1, time.Now())
	require.NoError(t, err)

	_, err = NewIssuer(priv, "verdictd", "verdict/attest", time.Hour).Verify(token, time.Now())
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestVerify_Garbage(t *testing.T) {
	_, err := newTestIssuer(t).Verify("not.a.jwt", time.Now())
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestLoadOrCreateKey(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	sealer := store.NewSealer("master", false)

	first, err := LoadOrCreateKey(ctx, st, sealer)
	require.NoError(t, err)
	second, err := LoadOrCreateKey(ctx, st, sealer)
	require.NoError(t, err)
	assert.Equal(t, first, second, "key is generated once and reused")
}

func TestParseQuoteKey(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	rsaDER, err := MarshalQuoteKey(&rsaKey.PublicKey)
	require.NoError(t, err)
	ecDER, err := MarshalQuoteKey(&ecKey.PublicKey)
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)

	t.Run("PEM", func(t *testing.T) {
		pub, err := ParseQuoteKey([]byte(EncodePEM(rsaDER)))
		require.NoError(t, err)
		assert.IsType(t, &rsa.PublicKey{}, pub)
	})

	t.Run("DER", func(t *testing.T) {
		pub, err := ParseQuoteKey(ecDER)
		require.NoError(t, err)
		assert.IsType(t, &ecdsa.PublicKey{}, pub)
	})

	t.Run("AuthorizedKey", func(t *testing.T) {
		pub, err := ParseQuoteKey(ssh.MarshalAuthorizedKey(sshPub))
		require.NoError(t, err)
		assert.True(t, ecKey.PublicKey.Equal(pub))
	})

	t.Run("Ed25519Rejected", func(t *testing.T) {
		edPub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		der, err := MarshalQuoteKey(edPub)
		require.NoError(t, err)
		_, err = ParseQuoteKey(der)
		assert.ErrorIs(t, err, ErrUnsupportedKey)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := ParseQuoteKey([]byte("  "))
		assert.Error(t, err)
	})

	assert.Len(t, Fingerprint(ecDER), 64)
}
