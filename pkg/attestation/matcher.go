package attestation

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gobeyondidentity/verdict/pkg/store"
)

// Annotation ids produced by the matcher.
const (
	AnnotationPCRMissing  = "pcr-missing"
	AnnotationPCRMismatch = "pcr-mismatch"
	AnnotationFWMissing   = "fw-missing"
	AnnotationFWMismatch  = "fw-mismatch"
)

// Annotation ids recorded for evidence that could not be matched at all.
const (
	AnnotationSignatureInvalid     = "signature-invalid"
	AnnotationUnsupportedAlgorithm = "unsupported-algorithm"
	AnnotationStale                = "stale-evidence"
	AnnotationNoMatchingKey        = "no-matching-key"
	AnnotationNoActivePolicy       = "no-active-policy"
)

// MatchResult is the verdict for one report against one policy.
type MatchResult struct {
	Verdict     bool
	Annotations []store.Annotation
	// Instantiated is the concrete policy a template turned into. Nil when
	// the policy was already concrete.
	Instantiated *store.Policy
}

// Match compares a verified report against a policy.
//
// A template policy is instantiated from the report (trust on first use):
// the verdict is true and Instantiated carries the captured values.
//
// A concrete policy is compared register by register in ascending index
// order, then firmware fact by fact in path order. A register or fact the
// policy expects but the report lacks yields a *-missing annotation, a
// differing value a *-mismatch annotation. Register values compare
// case-insensitively. Annotations whose id or path is listed in the policy's
// overrides are dropped. Values the report has and the policy does not name
// are ignored.
func Match(report *store.Report, p *store.Policy) MatchResult {
	if p.IsTemplate() {
		return MatchResult{
			Verdict:      true,
			Annotations:  []store.Annotation{},
			Instantiated: Instantiate(report, p),
		}
	}

	overrides := make(map[string]bool, len(p.FWOverrides))
	for _, o := range p.FWOverrides {
		overrides[o] = true
	}

	annotations := []store.Annotation{}
	add := func(a store.Annotation) {
		if overrides[a.ID] || overrides[a.Path] {
			return
		}
		annotations = append(annotations, a)
	}

	for _, idx := range p.SortedPCRIndices() {
		want := p.PCRs[idx]
		path := PCRPath(idx)
		got, ok := report.PCRs[idx]
		switch {
		case !ok:
			add(store.Annotation{ID: AnnotationPCRMissing, Path: path, Expected: want})
		case !strings.EqualFold(got, want):
			add(store.Annotation{ID: AnnotationPCRMismatch, Path: path, Expected: want})
		}
	}

	for _, fwPath := range sortedStringKeys(p.Firmware) {
		want := p.Firmware[fwPath]
		path := FirmwarePath(fwPath)
		got, ok := report.Firmware[fwPath]
		switch {
		case !ok:
			add(store.Annotation{ID: AnnotationFWMissing, Path: path, Expected: want})
		case got != want:
			add(store.Annotation{ID: AnnotationFWMismatch, Path: path, Expected: want})
		}
	}

	return MatchResult{Verdict: len(annotations) == 0, Annotations: annotations}
}

// Instantiate returns a concrete copy of a template policy whose expected
// values are the report's values for the template registers (every reported
// register when the template is empty) and the template firmware paths.
// Template registers or paths absent from the report are not captured.
func Instantiate(report *store.Report, p *store.Policy) *store.Policy {
	out := *p
	out.Kind = store.PolicyConcrete
	out.PCRTemplate = nil
	out.FWTemplate = nil
	out.PCRs = make(map[int]string)
	out.Firmware = make(map[string]string)
	out.Devices = append([]int64(nil), p.Devices...)
	out.FWOverrides = append([]string(nil), p.FWOverrides...)
	out.Changes = nil

	if len(p.PCRTemplate) == 0 {
		for idx, v := range report.PCRs {
			out.PCRs[idx] = strings.ToLower(v)
		}
	} else {
		for _, idx := range p.PCRTemplate {
			if v, ok := report.PCRs[idx]; ok {
				out.PCRs[idx] = strings.ToLower(v)
			}
		}
	}

	for _, fwPath := range p.FWTemplate {
		if v, ok := report.Firmware[fwPath]; ok {
			out.Firmware[fwPath] = v
		}
	}
	return &out
}

// FailureAnnotation returns the synthetic annotation recorded when evidence
// could not be matched because of err.
func FailureAnnotation(err error) store.Annotation {
	id := AnnotationSignatureInvalid
	switch {
	case errors.Is(err, ErrUnsupportedAlgorithm):
		id = AnnotationUnsupportedAlgorithm
	case errors.Is(err, ErrStale):
		id = AnnotationStale
	case errors.Is(err, ErrNoMatchingKey):
		id = AnnotationNoMatchingKey
	case errors.Is(err, ErrNoActivePolicy):
		id = AnnotationNoActivePolicy
	}
	path := "/quote"
	if id == AnnotationNoActivePolicy {
		path = "/policies"
	}
	return store.Annotation{ID: id, Path: path, Expected: err.Error()}
}

// PCRPath is the annotation path of a register.
func PCRPath(idx int) string {
	return "/pcrs/" + strconv.Itoa(idx)
}

// FirmwarePath is the annotation path of a firmware fact. Fact paths start
// with "/" and are appended unchanged.
func FirmwarePath(p string) string {
	return "/firmware" + p
}
