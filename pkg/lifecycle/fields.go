package lifecycle

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/attestation"
)

// fields is a request body split into its top-level members. Each accessor
// records a validation error at the member's path instead of returning it,
// so one pass reports every problem of a request.
type fields struct {
	raw  map[string]json.RawMessage
	errs apierror.List
}

func parseFields(body []byte, allowed ...string) (*fields, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, apierror.List{apierror.Invalid("", "request body must be a JSON object")}
	}

	f := &fields{raw: raw}
	known := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		known[k] = true
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !known[k] {
			f.fail("/"+k, "unknown field")
		}
	}
	return f, nil
}

func (f *fields) fail(path, format string, args ...any) {
	f.errs = append(f.errs, apierror.Invalid(path, format, args...))
}

func (f *fields) has(key string) bool {
	v, ok := f.raw[key]
	return ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// text decodes a string member. required rejects absent and empty values.
func (f *fields) text(key string, required bool) string {
	if !f.has(key) {
		if required {
			f.fail("/"+key, "%s is required", key)
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(f.raw[key], &s); err != nil {
		f.fail("/"+key, "%s must be a string", key)
		return ""
	}
	if required && s == "" {
		f.fail("/"+key, "%s must not be empty", key)
	}
	return s
}

// stringList decodes an array of strings.
func (f *fields) stringList(key string) ([]string, bool) {
	if !f.has(key) {
		return nil, false
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(f.raw[key], &raw); err != nil {
		f.fail("/"+key, "%s must be an array of strings", key)
		return nil, true
	}
	out := make([]string, 0, len(raw))
	for i, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			f.fail("/"+key+"/"+strconv.Itoa(i), "must be a string")
			continue
		}
		out = append(out, s)
	}
	return out, true
}

// stringMap decodes an object of strings.
func (f *fields) stringMap(key string) (map[string]string, bool) {
	if !f.has(key) {
		return nil, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(f.raw[key], &raw); err != nil || raw == nil {
		f.fail("/"+key, "%s must be an object of strings", key)
		return nil, true
	}
	out := make(map[string]string, len(raw))
	for k, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			f.fail("/"+key+"/"+k, "must be a string")
			continue
		}
		out[k] = s
	}
	return out, true
}

// millis decodes a decimal unix-millisecond timestamp string.
func (f *fields) millis(key string) *time.Time {
	s := f.text(key, false)
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f.fail("/"+key, "%s must be a decimal unix millisecond timestamp", key)
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// ids decodes an array of decimal id strings.
func (f *fields) ids(key string) ([]int64, bool) {
	list, present := f.stringList(key)
	if !present {
		return nil, false
	}
	out := make([]int64, 0, len(list))
	seen := make(map[int64]bool, len(list))
	for i, s := range list {
		id, err := ParseID(s)
		if err != nil {
			f.fail("/"+key+"/"+strconv.Itoa(i), "%v", err)
			continue
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, true
}

// pcrIndices decodes an array of decimal register indices.
func (f *fields) pcrIndices(key string) ([]int, bool) {
	list, present := f.stringList(key)
	if !present {
		return nil, false
	}
	out := make([]int, 0, len(list))
	seen := make(map[int]bool, len(list))
	for i, s := range list {
		idx, err := attestation.ParsePCRIndex(s)
		if err != nil {
			f.fail("/"+key+"/"+strconv.Itoa(i), "%v", err)
			continue
		}
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out, true
}

// pcrValues decodes an object mapping register indices to hex digests.
func (f *fields) pcrValues(key string) (map[int]string, bool) {
	m, present := f.stringMap(key)
	if !present {
		return nil, false
	}
	out := make(map[int]string, len(m))
	for _, k := range sortedKeys(m) {
		idx, err := attestation.ParsePCRIndex(k)
		if err != nil {
			f.fail("/"+key+"/"+k, "%v", err)
			continue
		}
		v := m[k]
		if _, err := attestation.DecodeDigest(v); err != nil || len(v)%2 != 0 {
			f.fail("/"+key+"/"+k, "PCR value must be a non-empty even-length hex string")
			continue
		}
		out[idx] = strings.ToLower(v)
	}
	return out, true
}

func (f *fields) err() error {
	sort.SliceStable(f.errs, func(i, j int) bool { return f.errs[i].Path < f.errs[j].Path })
	return f.errs.Err()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
