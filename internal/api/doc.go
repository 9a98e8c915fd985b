// Package api implements the HTTP API of the verdict server (verdictd).
//
// The API serves two client types:
//
//   - Devices: enrollment and evidence submission
//   - Operators (verdictctl): device and policy management
//
// # Authentication
//
// Evidence submissions carry the device attestation credential issued at
// enrollment as a Bearer token. Operator endpoints are expected to sit behind
// an authenticating proxy; the acting user is read from the X-Actor header.
//
// # Endpoints
//
// Devices:
//   - POST /v2/enroll - Enroll a device and issue its credential
//   - POST /v2/attest - Submit evidence for appraisal
//   - GET /v2/devices - List devices (cursor paginated)
//   - GET /v2/devices/{id} - Fetch one device
//   - PATCH /v2/devices/{id} - Rename, tag or retire a device
//   - POST /v2/devices/{id}/resurrect - Replace a retired device
//
// Policies:
//   - GET /v2/policies - List policies (cursor paginated)
//   - GET /v2/policies/{id} - Fetch one policy
//   - POST /v2/policies - Create a policy or schedule an update
//   - PATCH /v2/policies/{id} - Rename or rebind a policy
//   - DELETE /v2/policies/{id} - Revoke a policy
//
// Audit:
//   - GET /v2/audit - List persisted audit events (filters: type, since)
//
// # Responses
//
// Every /v2 response uses the same envelope:
//
//	{"code": "ok"|"err", "data": {...}, "errors": [...], "meta": {"next": "..."}}
//
// Identifiers and timestamps are strings; timestamps are decimal unix
// milliseconds. Requests that were already processed, and deletes of
// entities that do not exist, answer 202 Accepted. Internal errors are
// logged but not exposed to clients.
package api
