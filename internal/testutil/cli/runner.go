package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// CommandResult captures the output and error from a command execution.
type CommandResult struct {
	Stdout string
	Stderr string
	Err    error
}

// Run executes a cobra command with the given arguments and captures output.
//
// Example:
//
//	result := cli.Run(rootCmd, "device", "list", "--limit", "5")
//	result.AssertSuccess(t)
//	result.AssertContains(t, "STATE")
func Run(cmd *cobra.Command, args ...string) *CommandResult {
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Err:    err,
	}
}

// CommandRunner wraps a cobra command for fluent test execution.
type CommandRunner struct {
	cmd    *cobra.Command
	prefix []string
}

// Reset creates a CommandRunner that clears the arguments left by a previous
// execution of cmd.
func Reset(cmd *cobra.Command) *CommandRunner {
	cmd.SetArgs([]string{})
	return &CommandRunner{cmd: cmd}
}

// With returns a runner that places args before the arguments of every Run.
// Global flags such as the server URL go here.
//
// Example:
//
//	ctl := cli.Reset(rootCmd).With("--server", srv.URL, "-o", "table")
//	ctl.Run("device", "show", "1").AssertSuccess(t)
func (r *CommandRunner) With(args ...string) *CommandRunner {
	prefix := append(append([]string{}, r.prefix...), args...)
	return &CommandRunner{cmd: r.cmd, prefix: prefix}
}

// Run executes the command with the given arguments.
func (r *CommandRunner) Run(args ...string) *CommandResult {
	return Run(r.cmd, append(append([]string{}, r.prefix...), args...)...)
}

// AssertSuccess fails the test if the command returned an error.
func (r *CommandResult) AssertSuccess(t *testing.T) {
	t.Helper()
	if r.Err != nil {
		t.Fatalf("expected command to succeed, got error: %v\nstdout: %s\nstderr: %s",
			r.Err, r.Stdout, r.Stderr)
	}
}

// AssertError fails the test if the command did not return an error.
func (r *CommandResult) AssertError(t *testing.T) {
	t.Helper()
	if r.Err == nil {
		t.Fatalf("expected command to fail, but it succeeded\nstdout: %s", r.Stdout)
	}
}

// AssertContains fails the test if stdout does not contain the expected string.
func (r *CommandResult) AssertContains(t *testing.T, expected string) {
	t.Helper()
	if !strings.Contains(r.Stdout, expected) {
		t.Errorf("expected stdout to contain %q, got:\n%s", expected, r.Stdout)
	}
}

// AssertNotContains fails the test if stdout contains the unexpected string.
func (r *CommandResult) AssertNotContains(t *testing.T, unexpected string) {
	t.Helper()
	if strings.Contains(r.Stdout, unexpected) {
		t.Errorf("expected stdout NOT to contain %q, got:\n%s", unexpected, r.Stdout)
	}
}

// AssertPrefix fails the test if stdout does not start with the expected prefix.
func (r *CommandResult) AssertPrefix(t *testing.T, expected string) {
	t.Helper()
	trimmed := strings.TrimSpace(r.Stdout)
	if !strings.HasPrefix(trimmed, expected) {
		t.Errorf("expected stdout to start with %q, got:\n%s", expected, r.Stdout)
	}
}

// AssertStderrContains fails the test if stderr does not contain the expected string.
func (r *CommandResult) AssertStderrContains(t *testing.T, expected string) {
	t.Helper()
	if !strings.Contains(r.Stderr, expected) {
		t.Errorf("expected stderr to contain %q, got:\n%s", expected, r.Stderr)
	}
}

// WriteFile writes content to name inside a per-test temp directory and
// returns the full path. Key, credential and measurement files passed to
// commands are created this way.
//
// Example:
//
//	cred := cli.WriteFile(t, "dev.cred", token)
//	ctl.Run("attest", "-c", "@"+cred, "-k", keyPath)
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}
