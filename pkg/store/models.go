package store

import (
	"sort"
	"time"
)

// DeviceState is the lifecycle state of a device.
type DeviceState string

const (
	StateNew        DeviceState = "new"
	StateUnseen     DeviceState = "unseen"
	StateTrusted    DeviceState = "trusted"
	StateVulnerable DeviceState = "vulnerable"
	StateOutdated   DeviceState = "outdated"
	StateRetired    DeviceState = "retired"
	// StateResurrectable is never stored. It is how a retired device that has
	// not been replaced yet is presented.
	StateResurrectable DeviceState = "resurrectable"
)

// Valid reports whether s is one of the known states.
func (s DeviceState) Valid() bool {
	switch s {
	case StateNew, StateUnseen, StateTrusted, StateVulnerable, StateOutdated, StateRetired, StateResurrectable:
		return true
	}
	return false
}

// ChangeType names the kind of state-affecting operation recorded in a Change.
type ChangeType string

const (
	ChangeEnroll    ChangeType = "enroll"
	ChangeResurrect ChangeType = "resurrect"
	ChangeRename    ChangeType = "rename"
	ChangeTag       ChangeType = "tag"
	ChangeAssociate ChangeType = "associate"
	ChangeTemplate  ChangeType = "template"
	ChangeNew       ChangeType = "new"
	ChangeRevoke    ChangeType = "revoke"
	ChangeRetire    ChangeType = "retire"
)

// PolicyKind distinguishes template policies awaiting their first report
// from concrete policies with fixed expected values.
type PolicyKind string

const (
	PolicyTemplate PolicyKind = "template"
	PolicyConcrete PolicyKind = "concrete"
)

// Change is an immutable audit record attached to a device or policy.
type Change struct {
	Type      ChangeType
	Timestamp time.Time
	Actor     string
	Comment   string
}

// Device is an attested machine and everything recorded about it.
// Policies, Replaces, ReplacedBy, Changes and Appraisals are derived from
// their own tables when the device is loaded and are ignored on write.
type Device struct {
	ID          int64
	HWID        string
	Name        string
	Attributes  map[string]string
	State       DeviceState
	Cookie      string
	PublicKey   []byte     // PKIX DER of the enrolled quote signing key
	LastQuoteAt *time.Time // quoted_at of the last accepted evidence
	LastNonce   []byte     // nonce of the last accepted evidence
	CreatedAt   time.Time

	Policies   []int64
	Replaces   []int64
	ReplacedBy []int64
	Changes    []Change
	Appraisals []Appraisal
}

// DisplayState returns the state shown to callers. A retired device that
// has no replacement is reported as resurrectable.
func (d *Device) DisplayState() DeviceState {
	if d.State == StateRetired && len(d.ReplacedBy) == 0 {
		return StateResurrectable
	}
	return d.State
}

// LastAppraisal returns the most recent appraisal, or nil if the device
// never reported.
func (d *Device) LastAppraisal() *Appraisal {
	if len(d.Appraisals) == 0 {
		return nil
	}
	return &d.Appraisals[len(d.Appraisals)-1]
}

// LatestReport returns the most recent appraisal that carries a verified
// measurement report.
func (d *Device) LatestReport() *Appraisal {
	for i := len(d.Appraisals) - 1; i >= 0; i-- {
		if d.Appraisals[i].Report != nil {
			return &d.Appraisals[i]
		}
	}
	return nil
}

// Policy describes the measurements a set of devices is expected to report.
type Policy struct {
	ID          int64
	Name        string
	Cookie      string
	Kind        PolicyKind
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Revoked     bool
	PCRTemplate []int             // template registers; empty means all reported
	FWTemplate  []string          // firmware fact paths captured on instantiation
	PCRs        map[int]string    // expected register values (hex)
	Firmware    map[string]string // expected firmware facts
	FWOverrides []string          // annotation ids or paths to suppress
	CreatedAt   time.Time

	Devices []int64
	Changes []Change
}

// IsTemplate reports whether the policy is still awaiting its first report.
func (p *Policy) IsTemplate() bool {
	return p.Kind == PolicyTemplate
}

// ActiveAt reports whether the policy applies at t.
func (p *Policy) ActiveAt(t time.Time) bool {
	if p.Revoked {
		return false
	}
	if p.ValidFrom != nil && t.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && !t.Before(*p.ValidUntil) {
		return false
	}
	return true
}

// SortedPCRIndices returns the register indices of PCRs in ascending order.
func (p *Policy) SortedPCRIndices() []int {
	return sortedIndices(p.PCRs)
}

// Annotation describes one mismatch between a report and a policy.
type Annotation struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Expected string `json:"expected,omitempty"`
}

// Report is a verified measurement report.
type Report struct {
	PCRs     map[int]string    `json:"pcrs"`
	Firmware map[string]string `json:"firmware,omitempty"`
	QuotedAt time.Time         `json:"quoted_at"`
	Nonce    []byte            `json:"nonce"`
}

// EvidenceRef identifies the evidence an appraisal was computed from without
// keeping the raw bundle.
type EvidenceRef struct {
	Algorithm       string `json:"algorithm"`
	QuoteDigest     string `json:"quote_digest"`
	SignatureDigest string `json:"signature_digest"`
	Nonce           string `json:"nonce,omitempty"`
}

// Appraisal is the immutable record of one verdict computation.
type Appraisal struct {
	ID          string
	DeviceID    int64
	PolicyID    int64 // zero when no policy could be resolved
	Received    time.Time
	Expires     time.Time
	Verdict     bool
	Evidence    EvidenceRef
	Report      *Report // nil when the evidence failed verification
	Annotations []Annotation
}

func sortedIndices(m map[int]string) []int {
	idx := make([]int, 0, len(m))
	for k := range m {
		idx = append(idx, k)
	}
	sort.Ints(idx)
	return idx
}
