// Package versioncheck compares the version of a CLI with the version of the
// verdict server it talks to, so the CLI can warn about skew before a request
// fails in a confusing way.
package versioncheck

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// SupportedAPIVersion is the API major version this CLI speaks.
const SupportedAPIVersion = "2"

// Skew describes how the client and server versions relate.
type Skew int

const (
	// Unknown means at least one version is not a semantic version
	// (development builds).
	Unknown Skew = iota
	// Match means both run the same release.
	Match
	// ClientOlder means the server runs a newer release.
	ClientOlder
	// ClientNewer means the client runs a newer release.
	ClientNewer
)

// String returns a human-readable name for the skew.
func (s Skew) String() string {
	switch s {
	case Match:
		return "match"
	case ClientOlder:
		return "client-older"
	case ClientNewer:
		return "client-newer"
	default:
		return "unknown"
	}
}

// Result is the outcome of a version check.
type Result struct {
	ClientVersion string
	ServerVersion string
	APIVersion    string
	Skew          Skew
	// Compatible is false when the server speaks an API version this client
	// does not.
	Compatible bool
}

// Check compares a client version with the versions reported by a server.
func Check(client, server, apiVersion string) *Result {
	return &Result{
		ClientVersion: stripVPrefix(client),
		ServerVersion: stripVPrefix(server),
		APIVersion:    apiVersion,
		Skew:          Compare(client, server),
		Compatible:    apiVersion == SupportedAPIVersion,
	}
}

// Warning returns a one-line message for the user, or "" when there is
// nothing to report.
func (r *Result) Warning() string {
	if !r.Compatible {
		return fmt.Sprintf("server speaks API v%s, this CLI supports v%s", r.APIVersion, SupportedAPIVersion)
	}
	switch r.Skew {
	case ClientOlder:
		return fmt.Sprintf("server runs v%s, this CLI is v%s; upgrade the CLI", r.ServerVersion, r.ClientVersion)
	case ClientNewer:
		return fmt.Sprintf("CLI v%s is newer than server v%s; some commands may be unavailable", r.ClientVersion, r.ServerVersion)
	}
	return ""
}

// Compare relates two versions using semantic versioning. Build metadata is
// ignored and pre-releases sort before their release.
func Compare(client, server string) Skew {
	c, s := NormalizeVersion(client), NormalizeVersion(server)
	if !semver.IsValid(c) || !semver.IsValid(s) {
		return Unknown
	}
	switch semver.Compare(c, s) {
	case -1:
		return ClientOlder
	case 1:
		return ClientNewer
	default:
		return Match
	}
}

// IsNewerVersion returns true if latest is newer than current.
func IsNewerVersion(current, latest string) bool {
	return Compare(current, latest) == ClientOlder
}

// NormalizeVersion ensures a version string has the v prefix required by semver.
func NormalizeVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func stripVPrefix(v string) string {
	return strings.TrimPrefix(v, "v")
}
