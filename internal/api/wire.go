package api

import (
	"strconv"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/credential"
	"github.com/gobeyondidentity/verdict/pkg/lifecycle"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// APIVersion is reported by GET /v2/info.
const APIVersion = "2"

// envelope is the body of every /v2 response.
type envelope struct {
	Code   string      `json:"code"`
	Data   data        `json:"data"`
	Errors []errorJSON `json:"errors"`
	Meta   meta        `json:"meta"`
}

type data struct {
	Devices     []deviceJSON     `json:"devices,omitempty"`
	Policies    []policyJSON     `json:"policies,omitempty"`
	Appraisals  []appraisalJSON  `json:"appraisals,omitempty"`
	Credentials []credentialJSON `json:"credentials,omitempty"`
	Info        *infoJSON        `json:"info,omitempty"`
	Audit       []auditJSON      `json:"audit,omitempty"`
}

type meta struct {
	Next string `json:"next,omitempty"`
}

type errorJSON struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
	Msg  string `json:"msg"`
}

type infoJSON struct {
	APIVersion    string `json:"api_version"`
	ServerVersion string `json:"server_version"`
}

type changeJSON struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Comment   string `json:"comment,omitempty"`
}

type deviceJSON struct {
	ID             string            `json:"id"`
	HWID           string            `json:"hwid"`
	Name           string            `json:"name"`
	Attributes     map[string]string `json:"attributes"`
	State          string            `json:"state"`
	Fingerprint    string            `json:"fpr,omitempty"`
	Policies       []string          `json:"policies"`
	Replaces       []string          `json:"replaces"`
	ReplacedBy     []string          `json:"replaced_by"`
	Changes        []changeJSON      `json:"changes"`
	Appraisals     []appraisalJSON   `json:"appraisals"`
	CreatedAt      string            `json:"created_at"`
	LastQuoteAt    string            `json:"last_quote_at,omitempty"`
	StateTimestamp string            `json:"state_timestamp,omitempty"`
}

type policyJSON struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	Devices     []string          `json:"devices"`
	ValidFrom   string            `json:"valid_from,omitempty"`
	ValidUntil  string            `json:"valid_until,omitempty"`
	Revoked     bool              `json:"revoked"`
	PCRTemplate []string          `json:"pcr_template,omitempty"`
	FWTemplate  []string          `json:"fw_template,omitempty"`
	PCRs        map[string]string `json:"pcrs,omitempty"`
	Firmware    map[string]string `json:"firmware,omitempty"`
	FWOverrides []string          `json:"fw_overrides,omitempty"`
	Changes     []changeJSON      `json:"changes"`
	CreatedAt   string            `json:"created_at"`
}

type reportJSON struct {
	PCRs     map[string]string `json:"pcrs"`
	Firmware map[string]string `json:"firmware,omitempty"`
	QuotedAt string            `json:"quoted_at"`
}

type appraisalJSON struct {
	ID          string             `json:"id"`
	Device      string             `json:"device"`
	Policy      string             `json:"policy,omitempty"`
	Received    string             `json:"received"`
	Expires     string             `json:"expires"`
	Verdict     bool               `json:"verdict"`
	Evidence    store.EvidenceRef  `json:"evidence"`
	Report      *reportJSON        `json:"report,omitempty"`
	Annotations []store.Annotation `json:"annotations"`
}

type auditJSON struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Timestamp string            `json:"timestamp"`
	Actor     string            `json:"actor,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

type credentialJSON struct {
	Device string `json:"device"`
	Token  string `json:"token"`
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func formatMillisPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatMillis(*t)
}

func formatIDs(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = lifecycle.FormatID(id)
	}
	return out
}

func pcrMap(m map[int]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	return out
}

func changesToJSON(changes []store.Change) []changeJSON {
	out := make([]changeJSON, len(changes))
	for i, c := range changes {
		out[i] = changeJSON{
			Type:      string(c.Type),
			Timestamp: formatMillis(c.Timestamp),
			Actor:     c.Actor,
			Comment:   c.Comment,
		}
	}
	return out
}

func deviceToJSON(d *store.Device) deviceJSON {
	resp := deviceJSON{
		ID:          lifecycle.FormatID(d.ID),
		HWID:        d.HWID,
		Name:        d.Name,
		Attributes:  d.Attributes,
		State:       string(d.DisplayState()),
		Policies:    formatIDs(d.Policies),
		Replaces:    formatIDs(d.Replaces),
		ReplacedBy:  formatIDs(d.ReplacedBy),
		Changes:     changesToJSON(d.Changes),
		Appraisals:  make([]appraisalJSON, len(d.Appraisals)),
		CreatedAt:   formatMillis(d.CreatedAt),
		LastQuoteAt: formatMillisPtr(d.LastQuoteAt),
	}
	if resp.Attributes == nil {
		resp.Attributes = map[string]string{}
	}
	if len(d.PublicKey) > 0 {
		resp.Fingerprint = credential.Fingerprint(d.PublicKey)
	}
	for i := range d.Appraisals {
		resp.Appraisals[i] = appraisalToJSON(&d.Appraisals[i])
	}
	if a := d.LastAppraisal(); a != nil {
		resp.StateTimestamp = formatMillis(a.Received)
	}
	return resp
}

func policyToJSON(p *store.Policy) policyJSON {
	resp := policyJSON{
		ID:          lifecycle.FormatID(p.ID),
		Name:        p.Name,
		Kind:        string(p.Kind),
		Devices:     formatIDs(p.Devices),
		ValidFrom:   formatMillisPtr(p.ValidFrom),
		ValidUntil:  formatMillisPtr(p.ValidUntil),
		Revoked:     p.Revoked,
		FWTemplate:  p.FWTemplate,
		PCRs:        pcrMap(p.PCRs),
		Firmware:    p.Firmware,
		FWOverrides: p.FWOverrides,
		Changes:     changesToJSON(p.Changes),
		CreatedAt:   formatMillis(p.CreatedAt),
	}
	for _, idx := range p.PCRTemplate {
		resp.PCRTemplate = append(resp.PCRTemplate, strconv.Itoa(idx))
	}
	return resp
}

func appraisalToJSON(a *store.Appraisal) appraisalJSON {
	resp := appraisalJSON{
		ID:          a.ID,
		Device:      lifecycle.FormatID(a.DeviceID),
		Received:    formatMillis(a.Received),
		Expires:     formatMillis(a.Expires),
		Verdict:     a.Verdict,
		Evidence:    a.Evidence,
		Annotations: a.Annotations,
	}
	if a.PolicyID != 0 {
		resp.Policy = lifecycle.FormatID(a.PolicyID)
	}
	if resp.Annotations == nil {
		resp.Annotations = []store.Annotation{}
	}
	if a.Report != nil {
		resp.Report = &reportJSON{
			PCRs:     pcrMap(a.Report.PCRs),
			Firmware: a.Report.Firmware,
			QuotedAt: formatMillis(a.Report.QuotedAt),
		}
	}
	return resp
}

func devicesToJSON(devices []*store.Device) []deviceJSON {
	out := make([]deviceJSON, len(devices))
	for i, d := range devices {
		out[i] = deviceToJSON(d)
	}
	return out
}

func policiesToJSON(policies []*store.Policy) []policyJSON {
	out := make([]policyJSON, len(policies))
	for i, p := range policies {
		out[i] = policyToJSON(p)
	}
	return out
}

func appraisalsToJSON(appraisals []*store.Appraisal) []appraisalJSON {
	out := make([]appraisalJSON, len(appraisals))
	for i, a := range appraisals {
		out[i] = appraisalToJSON(a)
	}
	return out
}

func errorsToJSON(errs []*apierror.Error) []errorJSON {
	out := make([]errorJSON, 0, len(errs))
	for _, e := range errs {
		msg := e.Message
		if e.Kind == apierror.KindInternal {
			msg = "internal error"
		}
		out = append(out, errorJSON{ID: string(e.Kind), Path: e.Path, Msg: msg})
	}
	return out
}
