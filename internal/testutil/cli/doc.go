// Package cli provides shared test utilities for CLI testing with cobra commands.
//
// # Basic Usage
//
// Execute a command and check output:
//
//	result := cli.Run(rootCmd, "--help")
//	result.AssertSuccess(t)
//	result.AssertContains(t, "Usage:")
//
// Run captures both stdout and stderr. Commands must write through
// cmd.OutOrStdout() for their output to be captured.
//
// # Global Flags
//
// Cobra keeps flag values between executions of the same command tree. Pass
// global flags on every run so one test does not inherit another's:
//
//	ctl := cli.Reset(rootCmd).With("--server", srv.URL, "-o", "table")
//	ctl.Run("policy", "list").AssertContains(t, "No policies")
//
// # Files
//
// WriteFile creates key, credential and measurement files in a temp
// directory removed when the test completes:
//
//	path := cli.WriteFile(t, "measurements.yaml", "pcrs:\n  0: "+digest)
package cli
