// Package clierror provides structured error handling for CLI commands.
//
// CLI errors include an exit code, user-facing message, and optional
// troubleshooting hints. This separates server error details from
// what gets displayed to operators.
//
// # Usage
//
//	for _, e := range resp.Errors {
//	    return clierror.FromEnvelope(e.ID, e.Path, e.Msg)
//	}
package clierror
