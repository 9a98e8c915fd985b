package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeyondidentity/verdict/internal/testutil/cli"
	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/clierror"
	"github.com/gobeyondidentity/verdict/pkg/credential"
)

func TestParseWhen(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{raw: "2024-06-01T00:00:00Z", want: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{raw: "1h", want: now.Add(time.Hour)},
		{raw: "-30m", want: now.Add(-30 * time.Minute)},
		{raw: "tomorrow", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseWhen(tt.raw, now)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.True(t, tt.want.Equal(got), "%s: want %v, got %v", tt.raw, tt.want, got)
	}
}

func newPolicyCreateCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "create"}
	addPolicyCreateFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestPolicyRequestFromFlags(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1700000000000)

	cmd := newPolicyCreateCmd(t,
		"--name", "baseline", "--cookie", "c-1", "--device", "3", "--device", "4",
		"--valid-from", "1h", "--pcr", "0="+digest("aa"), "--fw-override", "/z", "--fw-override", "/a")
	req, err := policyRequestFromFlags(cmd, now)
	require.NoError(t, err)

	assert.Equal(t, "baseline", req["name"])
	assert.Equal(t, "c-1", req["cookie"])
	assert.Equal(t, []string{"3", "4"}, req["devices"])
	assert.Equal(t, "1700003600000", req["valid_from"])
	assert.Equal(t, map[string]string{"0": digest("aa")}, req["pcrs"])
	assert.Equal(t, []string{"/a", "/z"}, req["fw_overrides"])
	assert.NotContains(t, req, "valid_until")
	assert.NotContains(t, req, "pcr_template")
}

func TestPolicyRequestFromFlags_Template(t *testing.T) {
	t.Parallel()

	cmd := newPolicyCreateCmd(t, "--name", "golden", "--pcr-template", "0,7", "--fw-template", "/bios")
	req, err := policyRequestFromFlags(cmd, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"0", "7"}, req["pcr_template"])
	assert.Equal(t, []string{"/bios"}, req["fw_template"])
	assert.NotEmpty(t, req["cookie"], "a random cookie is generated")
	assert.NotContains(t, req, "pcrs")
}

func TestPolicyRequestFromFlags_BadTime(t *testing.T) {
	t.Parallel()

	cmd := newPolicyCreateCmd(t, "--name", "x", "--valid-until", "soon")
	_, err := policyRequestFromFlags(cmd, time.Now())
	var cliErr *clierror.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, "--valid-until", cliErr.Path)
	assert.Equal(t, clierror.ExitInvalid, cliErr.ExitCode)
}

func TestLoadSigner(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})

	signer, alg, err := loadSigner(cli.WriteFile(t, "rsa.key", string(rsaPEM)))
	require.NoError(t, err)
	assert.Equal(t, attestation.AlgRSAPKCS1SHA256, alg)

	t.Log("Evidence signed with a loaded key is accepted by the validator")
	ev, err := attestation.NewEvidence(signer, alg, nil, time.Now(), map[int]string{0: digest("aa")}, nil)
	require.NoError(t, err)
	_, err = attestation.NewValidator(attestation.DefaultValidatorConfig()).
		Verify(context.Background(), ev, signer.Public(), attestation.Freshness{}, time.Now())
	assert.NoError(t, err)

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(edKey)
	require.NoError(t, err)
	edPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	_, _, err = loadSigner(cli.WriteFile(t, "ed.key", string(edPEM)))
	assert.ErrorIs(t, err, credential.ErrUnsupportedKey)

	_, _, err = loadSigner(cli.WriteFile(t, "junk.key", "not a key"))
	assert.Error(t, err)
}

func TestReadCredential(t *testing.T) {
	t.Parallel()

	token, err := readCredential("  abc.def.ghi\n")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)

	token, err = readCredential("@" + cli.WriteFile(t, "dev.cred", "from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)

	_, err = readCredential("@" + cli.WriteFile(t, "empty.cred", "\n"))
	var cliErr *clierror.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, clierror.CodeNotAuthorized, cliErr.Code)
}

func TestLoadMeasurements(t *testing.T) {
	t.Parallel()

	path := cli.WriteFile(t, "m.yaml", "pcrs:\n  0: "+digest("aa")+"\n  7: "+digest("bb")+"\nfirmware:\n  /bios/version: "+digest("cc")+"\n")
	m, err := loadMeasurements(path)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: digest("aa"), 7: digest("bb")}, m.PCRs)
	assert.Equal(t, map[string]string{"/bios/version": digest("cc")}, m.Firmware)

	m, err = loadMeasurements(cli.WriteFile(t, "empty.yaml", "{}\n"))
	require.NoError(t, err)
	assert.NotNil(t, m.PCRs)
	assert.NotNil(t, m.Firmware)

	_, err = loadMeasurements(cli.WriteFile(t, "bad.yaml", "pcrs: [1, 2"))
	var cliErr *clierror.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, "--measurements", cliErr.Path)
}

func TestFormatTimestamp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "-", formatTimestamp(""))
	assert.Equal(t, "2023-11-14T22:13:20Z", formatTimestamp("1700000000000"))
	assert.Equal(t, "garbage", formatTimestamp("garbage"))
}

func TestSortedPCRs(t *testing.T) {
	t.Parallel()

	got := sortedPCRs(map[string]string{"10": "", "2": "", "0": ""})
	assert.Equal(t, []string{"0", "2", "10"}, got)
}
