package attestation

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
)

// Supported quote signature algorithms.
const (
	AlgRSAPKCS1SHA256 = "rsa-pkcs1-sha256"
	AlgECDSASHA256    = "ecdsa-sha256"
)

// MaxPCRIndex is the highest register index accepted in reports and policies.
const MaxPCRIndex = 23

// Evidence is the bundle a device submits for appraisal.
type Evidence struct {
	Quote     []byte            `json:"quote"`
	Signature []byte            `json:"signature"`
	Algorithm string            `json:"algorithm"`
	PCRs      map[string]string `json:"pcrs"`
	Firmware  map[string]string `json:"firmware,omitempty"`
}

// ParseEvidence decodes a submitted evidence bundle. Decoding failures are
// reported per member at their JSON pointer path; decoder internals are not
// exposed. Unknown members are rejected.
func ParseEvidence(body []byte) (*Evidence, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return nil, apierror.List{apierror.Invalid("", "evidence must be a JSON object")}
	}

	var ev Evidence
	var errs apierror.List
	members := []struct {
		name string
		dst  any
		want string
	}{
		{"quote", &ev.Quote, "a base64 string"},
		{"signature", &ev.Signature, "a base64 string"},
		{"algorithm", &ev.Algorithm, "a string"},
		{"pcrs", &ev.PCRs, "an object of strings"},
		{"firmware", &ev.Firmware, "an object of strings"},
	}
	known := make(map[string]bool, len(members))
	for _, m := range members {
		known[m.name] = true
		v, ok := raw[m.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, m.dst); err != nil {
			errs = append(errs, apierror.Invalid("/"+m.name, "%s must be %s", m.name, m.want))
		}
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		if !known[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		errs = append(errs, apierror.Invalid("/"+k, "unknown field"))
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks the transport shape of the bundle. Failures are validation
// errors and no appraisal is recorded for them.
func (e *Evidence) Validate() error {
	var errs apierror.List
	if e == nil {
		return append(errs, apierror.Invalid("", "evidence is required"))
	}
	if len(e.Quote) == 0 {
		errs = append(errs, apierror.Invalid("/quote", "quote is required"))
	}
	if len(e.Signature) == 0 {
		errs = append(errs, apierror.Invalid("/signature", "signature is required"))
	}
	if e.Algorithm == "" {
		errs = append(errs, apierror.Invalid("/algorithm", "algorithm is required"))
	}
	if len(e.PCRs) == 0 {
		errs = append(errs, apierror.Invalid("/pcrs", "at least one PCR is required"))
	}
	for _, k := range sortedStringKeys(e.PCRs) {
		if _, err := ParsePCRIndex(k); err != nil {
			errs = append(errs, apierror.Invalid("/pcrs/"+k, "%v", err))
			continue
		}
		if _, err := DecodeDigest(e.PCRs[k]); err != nil {
			errs = append(errs, apierror.Invalid("/pcrs/"+k, "%v", err))
		}
	}
	for _, k := range sortedStringKeys(e.Firmware) {
		if !strings.HasPrefix(k, "/") {
			errs = append(errs, apierror.Invalid("/firmware/"+k, "firmware path must start with /"))
		}
	}
	return errs.Err()
}

// pcrValues decodes the reported registers. Call Validate first.
func (e *Evidence) pcrValues() (map[int][]byte, error) {
	out := make(map[int][]byte, len(e.PCRs))
	for k, v := range e.PCRs {
		idx, err := ParsePCRIndex(k)
		if err != nil {
			return nil, err
		}
		b, err := DecodeDigest(v)
		if err != nil {
			return nil, err
		}
		out[idx] = b
	}
	return out, nil
}

// ParsePCRIndex parses a decimal register index.
func ParsePCRIndex(s string) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil || strconv.Itoa(idx) != s {
		return 0, fmt.Errorf("PCR index %q is not a decimal number", s)
	}
	if idx < 0 || idx > MaxPCRIndex {
		return 0, fmt.Errorf("PCR index %d out of range 0-%d", idx, MaxPCRIndex)
	}
	return idx, nil
}

// DecodeDigest decodes a non-empty hex register value.
func DecodeDigest(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("PCR value is empty")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("PCR value is not hex: %v", err)
	}
	return b, nil
}

// NewEvidence builds and signs an evidence bundle the way a device agent
// does. Used by the CLI's emulator command and by tests.
func NewEvidence(signer crypto.Signer, algorithm string, nonce []byte, quotedAt time.Time, pcrs map[int]string, firmware map[string]string) (*Evidence, error) {
	raw := make(map[int][]byte, len(pcrs))
	wire := make(map[string]string, len(pcrs))
	for idx, v := range pcrs {
		b, err := DecodeDigest(v)
		if err != nil {
			return nil, fmt.Errorf("pcr %d: %w", idx, err)
		}
		raw[idx] = b
		wire[strconv.Itoa(idx)] = strings.ToLower(v)
	}

	if nonce == nil {
		nonce = make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
	}

	quote, err := EncodeQuote(&Quote{
		Nonce:          nonce,
		QuotedAt:       quotedAt.UnixMilli(),
		PCRDigest:      PCRDigest(raw),
		FirmwareDigest: FirmwareDigest(firmware),
	})
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(quote)
	var sig []byte
	switch algorithm {
	case AlgRSAPKCS1SHA256, AlgECDSASHA256:
		// crypto.Signer for RSA keys signs PKCS#1 v1.5 when given a crypto.Hash,
		// ECDSA keys produce an ASN.1 signature.
		sig, err = signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sign quote: %w", err)
	}

	return &Evidence{
		Quote:     quote,
		Signature: sig,
		Algorithm: algorithm,
		PCRs:      wire,
		Firmware:  firmware,
	}, nil
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
