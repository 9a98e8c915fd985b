// Package attestation appraises device evidence against policies.
//
// Evidence is a CBOR quote signed by the device's enrolled key together with
// the register values and firmware facts the quote covers. Appraisal runs in
// four steps:
//
//  1. Evidence.Validate checks the transport shape of the bundle
//  2. Validator.Verify checks the signature, the quote digests and freshness
//  3. ResolvePolicy picks the policy that applies at the time of appraisal
//  4. Match compares the report against that policy, or instantiates it
//     when it is still a template
//
// The Engine runs these steps under a per-device lock and records the
// outcome as an immutable appraisal. Evidence that fails steps 2 or 3 still
// produces an appraisal, with a false verdict and one annotation naming the
// failure.
package attestation
