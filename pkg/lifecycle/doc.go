// Package lifecycle applies enrollment, retirement, resurrection and policy
// operations to devices and policies.
//
// Every operation that touches more than one entity runs in a single store
// transaction while holding the per-device locks of all devices involved.
// Requests are parsed into closed sets of operations (DeviceOp, PolicyOp)
// and validated as a whole before anything is written.
//
// Enrollment and policy creation carry a client cookie. Repeating a request
// with a known cookie returns the stored entity with StatusAlreadyProcessed
// instead of creating a duplicate.
package lifecycle
