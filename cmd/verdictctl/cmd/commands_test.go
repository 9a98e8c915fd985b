package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeyondidentity/verdict/internal/api"
	"github.com/gobeyondidentity/verdict/internal/testutil/cli"
	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/audit"
	"github.com/gobeyondidentity/verdict/pkg/clierror"
	"github.com/gobeyondidentity/verdict/pkg/credential"
	"github.com/gobeyondidentity/verdict/pkg/keymutex"
	"github.com/gobeyondidentity/verdict/pkg/lifecycle"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// newVerdictd starts a real API server backed by a temp store.
func newVerdictd(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "verdict.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, signing, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := audit.NewMultiEmitter(logger, store.NewAuditSink(st))
	locks := keymutex.New()
	issuer := credential.NewIssuer(signing, "verdictd", credential.DefaultAudience, time.Hour)
	engine := attestation.NewEngine(st, locks, attestation.EngineConfig{}, events, logger)
	manager := lifecycle.NewManager(st, engine, locks, issuer, lifecycle.Config{}, events, logger)

	srv := httptest.NewServer(api.NewServer(st, engine, manager, issuer, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func digest(b string) string {
	return strings.Repeat(b, 32)
}

func listJSON[T any](t *testing.T, ctl *cli.CommandRunner, args ...string) []T {
	t.Helper()
	res := ctl.Run(append([]string{"-o", "json"}, args...)...)
	res.AssertSuccess(t)
	var out []T
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &out), "stdout: %s", res.Stdout)
	return out
}

func TestCLI_DeviceScenario(t *testing.T) {
	// Cannot run in parallel - uses shared global rootCmd
	srv := newVerdictd(t)
	ctl := cli.Reset(rootCmd).With("--server", srv.URL, "--actor", "alice", "-o", "table")

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "dev.key")
	credPath := filepath.Join(dir, "dev.cred")

	t.Log("Generating a device key")
	res := ctl.Run("keygen", "--out", keyPath)
	res.AssertSuccess(t)
	res.AssertContains(t, "BEGIN PUBLIC KEY")

	res = ctl.Run("keygen", "--out", keyPath)
	res.AssertError(t)

	t.Log("Enrolling with a two-register template")
	res = ctl.Run("enroll", "edge-1", "--hwid", "hw-1", "--key", keyPath,
		"--pcr-template", "0,1", "--cookie", "enroll-1", "--credential-file", credPath)
	res.AssertSuccess(t)
	res.AssertContains(t, "Enrolled device")
	res.AssertContains(t, "Credential written to "+credPath)

	devices := listJSON[deviceResponse](t, ctl, "device", "list")
	require.Len(t, devices, 1)
	id := devices[0].ID
	assert.Equal(t, "edge-1", devices[0].Name)

	t.Log("First report is captured as the baseline")
	res = ctl.Run("attest", "-c", "@"+credPath, "-k", keyPath,
		"--pcr", "0="+digest("aa"), "--pcr", "1="+digest("bb"))
	res.AssertSuccess(t)
	res.AssertContains(t, "Verdict:")
	res.AssertContains(t, "trusted")

	// Quote times have millisecond resolution and must strictly increase.
	time.Sleep(5 * time.Millisecond)

	t.Log("A changed register is reported and exits with the attestation code")
	res = ctl.Run("attest", "-c", "@"+credPath, "-k", keyPath,
		"--pcr", "0="+digest("cc"), "--pcr", "1="+digest("bb"))
	res.AssertError(t)
	res.AssertContains(t, attestation.AnnotationPCRMismatch)
	res.AssertContains(t, "/pcrs/0")
	var cliErr *clierror.CLIError
	require.True(t, errors.As(res.Err, &cliErr))
	assert.Equal(t, clierror.CodeAppraisalFailed, cliErr.Code)
	assert.Equal(t, clierror.ExitAttestation, HandleError(res.Err))

	res = ctl.Run("device", "list")
	res.AssertSuccess(t)
	res.AssertContains(t, "edge-1")
	res.AssertContains(t, "vulnerable")

	t.Log("A concrete policy accepting the new value makes the device trusted again")
	res = ctl.Run("policy", "create", "--name", "pinned", "--device", id, "--cookie", "pol-1",
		"--pcr", "0="+digest("cc"), "--pcr", "1="+digest("bb"))
	res.AssertSuccess(t)
	res.AssertContains(t, "Created concrete policy")

	res = ctl.Run("device", "show", id)
	res.AssertSuccess(t)
	res.AssertContains(t, "Latest appraisal:")

	res = ctl.Run("-o", "json", "device", "show", id)
	res.AssertSuccess(t)
	var shown deviceResponse
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &shown))
	assert.Equal(t, "trusted", shown.State)
	assert.Len(t, shown.Policies, 2)

	policies := listJSON[policyResponse](t, ctl, "policy", "list")
	require.Len(t, policies, 2)
	assert.Equal(t, "pinned", policies[0].Name)

	t.Log("Tagging and renaming record the actor")
	ctl.Run("device", "tag", id, "rack=r7").AssertSuccess(t)
	ctl.Run("device", "rename", id, "edge-renamed").AssertSuccess(t)
	res = ctl.Run("device", "show", id)
	res.AssertContains(t, "rack=r7")
	res.AssertContains(t, "edge-renamed")
	res.AssertContains(t, "alice")

	t.Log("Revoking twice reports the second call as a no-op")
	res = ctl.Run("policy", "revoke", policies[0].ID)
	res.AssertSuccess(t)
	res.AssertContains(t, "revoked")
	res = ctl.Run("policy", "revoke", "999")
	res.AssertSuccess(t)
	res.AssertContains(t, "does not exist")

	t.Log("The audit trail shows the enrollment")
	events := listJSON[auditResponse](t, ctl, "audit", "list", "--type", "device.enroll")
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].Details["device_id"])

	t.Log("A resurrected device attests with the credential issued to it")
	ctl.Run("device", "retire", id).AssertSuccess(t)
	freshCred := filepath.Join(dir, "fresh.cred")
	res = ctl.Run("device", "resurrect", id, "--credential-file", freshCred)
	res.AssertSuccess(t)
	res.AssertContains(t, "resurrected as")
	res.AssertContains(t, "Credential written to "+freshCred)

	res = ctl.Run("attest", "-c", "@"+credPath, "-k", keyPath,
		"--pcr", "0="+digest("aa"), "--pcr", "1="+digest("bb"))
	res.AssertError(t)
	require.True(t, errors.As(res.Err, &cliErr))
	assert.Equal(t, clierror.CodePreconditionFailed, cliErr.Code)

	time.Sleep(5 * time.Millisecond)
	res = ctl.Run("attest", "-c", "@"+freshCred, "-k", keyPath,
		"--pcr", "0="+digest("aa"), "--pcr", "1="+digest("bb"))
	res.AssertSuccess(t)
	res.AssertContains(t, "trusted")

	res = ctl.Run("device", "show", "999")
	res.AssertError(t)
	require.True(t, errors.As(res.Err, &cliErr))
	assert.Equal(t, clierror.CodeDeviceNotFound, cliErr.Code)
}

func TestCLI_InfoAndVersion(t *testing.T) {
	// Cannot run in parallel - uses shared global rootCmd
	srv := newVerdictd(t)
	ctl := cli.Reset(rootCmd).With("--server", srv.URL, "-o", "table")

	res := ctl.Run("info")
	res.AssertSuccess(t)
	res.AssertContains(t, "API version: v2")

	res = ctl.Run("version")
	res.AssertSuccess(t)
	res.AssertPrefix(t, "verdictctl v")
}

func TestCLI_ConnectionFailure(t *testing.T) {
	// Cannot run in parallel - uses shared global rootCmd
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	res := cli.Reset(rootCmd).With("--server", url, "-o", "table").Run("policy", "list")
	res.AssertError(t)
	assert.Equal(t, clierror.ExitGeneral, HandleError(res.Err))
}

func TestRootCmd_RejectsUnknownOutput(t *testing.T) {
	// Cannot run in parallel - uses shared global rootCmd
	res := cli.Run(rootCmd, "-o", "xml", "version")
	res.AssertError(t)
	assert.Equal(t, clierror.ExitInvalid, HandleError(res.Err))

	// Restore the default for later tests.
	cli.Run(rootCmd, "-o", "table", "version").AssertSuccess(t)
}

func TestRootCmd_HelpShowsSubcommands(t *testing.T) {
	// Cannot run in parallel - uses shared global rootCmd
	res := cli.Run(rootCmd, "--help")
	res.AssertSuccess(t)
	for _, name := range []string{"enroll", "attest", "device", "policy", "audit", "keygen", "completion"} {
		res.AssertContains(t, name)
	}
}

func TestHandleError_PlainError(t *testing.T) {
	assert.Equal(t, clierror.ExitGeneral, HandleError(errors.New("boom")))
	assert.Equal(t, clierror.ExitNotFound, HandleError(clierror.PolicyNotFound("3")))
}
