package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/clierror"
)

// Client provides HTTP access to the verdictd API.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. actor is sent as
// X-Actor on every request when non-empty.
func NewClient(baseURL, actor string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		actor:   actor,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// envelope is the body of every /v2 response.
type envelope struct {
	Code   string       `json:"code"`
	Data   responseData `json:"data"`
	Errors []apiError   `json:"errors"`
	Meta   struct {
		Next string `json:"next,omitempty"`
	} `json:"meta"`
}

type responseData struct {
	Devices     []deviceResponse     `json:"devices"`
	Policies    []policyResponse     `json:"policies"`
	Appraisals  []appraisalResponse  `json:"appraisals"`
	Credentials []credentialResponse `json:"credentials"`
	Info        *infoResponse        `json:"info"`
	Audit       []auditResponse      `json:"audit"`
}

type apiError struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
	Msg  string `json:"msg"`
}

type infoResponse struct {
	APIVersion    string `json:"api_version" yaml:"api_version"`
	ServerVersion string `json:"server_version" yaml:"server_version"`
}

type changeResponse struct {
	Type      string `json:"type" yaml:"type"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Actor     string `json:"actor" yaml:"actor"`
	Comment   string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

type deviceResponse struct {
	ID             string              `json:"id" yaml:"id"`
	HWID           string              `json:"hwid" yaml:"hwid"`
	Name           string              `json:"name" yaml:"name"`
	Attributes     map[string]string   `json:"attributes" yaml:"attributes"`
	State          string              `json:"state" yaml:"state"`
	Fingerprint    string              `json:"fpr,omitempty" yaml:"fpr,omitempty"`
	Policies       []string            `json:"policies" yaml:"policies"`
	Replaces       []string            `json:"replaces" yaml:"replaces"`
	ReplacedBy     []string            `json:"replaced_by" yaml:"replaced_by"`
	Changes        []changeResponse    `json:"changes" yaml:"changes"`
	Appraisals     []appraisalResponse `json:"appraisals" yaml:"appraisals"`
	CreatedAt      string              `json:"created_at" yaml:"created_at"`
	LastQuoteAt    string              `json:"last_quote_at,omitempty" yaml:"last_quote_at,omitempty"`
	StateTimestamp string              `json:"state_timestamp,omitempty" yaml:"state_timestamp,omitempty"`
}

type policyResponse struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Kind        string            `json:"kind" yaml:"kind"`
	Devices     []string          `json:"devices" yaml:"devices"`
	ValidFrom   string            `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil  string            `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	Revoked     bool              `json:"revoked" yaml:"revoked"`
	PCRTemplate []string          `json:"pcr_template,omitempty" yaml:"pcr_template,omitempty"`
	FWTemplate  []string          `json:"fw_template,omitempty" yaml:"fw_template,omitempty"`
	PCRs        map[string]string `json:"pcrs,omitempty" yaml:"pcrs,omitempty"`
	Firmware    map[string]string `json:"firmware,omitempty" yaml:"firmware,omitempty"`
	FWOverrides []string          `json:"fw_overrides,omitempty" yaml:"fw_overrides,omitempty"`
	Changes     []changeResponse  `json:"changes" yaml:"changes"`
	CreatedAt   string            `json:"created_at" yaml:"created_at"`
}

type annotationResponse struct {
	ID       string `json:"id" yaml:"id"`
	Path     string `json:"path" yaml:"path"`
	Expected string `json:"expected,omitempty" yaml:"expected,omitempty"`
}

type appraisalResponse struct {
	ID          string               `json:"id" yaml:"id"`
	Device      string               `json:"device" yaml:"device"`
	Policy      string               `json:"policy,omitempty" yaml:"policy,omitempty"`
	Received    string               `json:"received" yaml:"received"`
	Expires     string               `json:"expires" yaml:"expires"`
	Verdict     bool                 `json:"verdict" yaml:"verdict"`
	Annotations []annotationResponse `json:"annotations" yaml:"annotations"`
}

type credentialResponse struct {
	Device string `json:"device" yaml:"device"`
	Token  string `json:"token" yaml:"token"`
}

type auditResponse struct {
	ID        string            `json:"id" yaml:"id"`
	Type      string            `json:"type" yaml:"type"`
	Severity  string            `json:"severity" yaml:"severity"`
	Timestamp string            `json:"timestamp" yaml:"timestamp"`
	Actor     string            `json:"actor,omitempty" yaml:"actor,omitempty"`
	RequestID string            `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty" yaml:"details,omitempty"`
}

// result is a decoded successful response. Applied is false when the server
// answered 202: the request was already processed or the target was already
// absent.
type result struct {
	Data    responseData
	Next    string
	Applied bool
}

// do sends a request and decodes the envelope. Transport failures and error
// envelopes are returned as *clierror.CLIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, header http.Header) (*result, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, clierror.InternalError(fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, clierror.InternalError(fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, clierror.ConnectionFailed(c.baseURL)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, clierror.InternalError(fmt.Errorf("server returned %d with an unreadable body: %w", resp.StatusCode, err))
	}
	if env.Code != "ok" || len(env.Errors) > 0 {
		return nil, envelopeError(resp.StatusCode, env.Errors)
	}

	return &result{
		Data:    env.Data,
		Next:    env.Meta.Next,
		Applied: resp.StatusCode != http.StatusAccepted,
	}, nil
}

// envelopeError converts the errors of a failed response. Several
// validation errors are reported together under the kind of the first one.
func envelopeError(status int, errs []apiError) *clierror.CLIError {
	if len(errs) == 0 {
		return clierror.InternalError(fmt.Errorf("server returned %d without error details", status))
	}
	if len(errs) == 1 {
		return clierror.FromEnvelope(errs[0].ID, errs[0].Path, errs[0].Msg)
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		if e.Path != "" {
			msgs[i] = e.Path + ": " + e.Msg
		} else {
			msgs[i] = e.Msg
		}
	}
	return clierror.FromEnvelope(errs[0].ID, "", strings.Join(msgs, "; "))
}

// ----- Operations -----

// Info returns the server's API and release versions.
func (c *Client) Info(ctx context.Context) (*infoResponse, error) {
	res, err := c.do(ctx, http.MethodGet, "/v2/info", nil, nil)
	if err != nil {
		return nil, err
	}
	if res.Data.Info == nil {
		return nil, clierror.InternalError(fmt.Errorf("server info missing from response"))
	}
	return res.Data.Info, nil
}

// Enroll enrolls a device.
func (c *Client) Enroll(ctx context.Context, req map[string]interface{}) (*result, error) {
	return c.do(ctx, http.MethodPost, "/v2/enroll", req, nil)
}

// Attest submits evidence with the device credential.
func (c *Client) Attest(ctx context.Context, credential string, evidence interface{}) (*result, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	return c.do(ctx, http.MethodPost, "/v2/attest", evidence, header)
}

// ListDevices returns one page of devices.
func (c *Client) ListDevices(ctx context.Context, cursor string, limit int) (*result, error) {
	return c.do(ctx, http.MethodGet, "/v2/devices"+pageQuery(cursor, limit, nil), nil, nil)
}

// GetDevice fetches a device.
func (c *Client) GetDevice(ctx context.Context, id string) (*deviceResponse, error) {
	res, err := c.do(ctx, http.MethodGet, "/v2/devices/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, notFoundAs(err, clierror.DeviceNotFound(id))
	}
	if len(res.Data.Devices) == 0 {
		return nil, clierror.DeviceNotFound(id)
	}
	return &res.Data.Devices[0], nil
}

// PatchDevice applies a device patch.
func (c *Client) PatchDevice(ctx context.Context, id string, patch map[string]interface{}) (*result, error) {
	res, err := c.do(ctx, http.MethodPatch, "/v2/devices/"+url.PathEscape(id), patch, nil)
	return res, notFoundAs(err, clierror.DeviceNotFound(id))
}

// ResurrectDevice replaces a retired device.
func (c *Client) ResurrectDevice(ctx context.Context, id string) (*result, error) {
	res, err := c.do(ctx, http.MethodPost, "/v2/devices/"+url.PathEscape(id)+"/resurrect", nil, nil)
	return res, notFoundAs(err, clierror.DeviceNotFound(id))
}

// ListPolicies returns one page of policies.
func (c *Client) ListPolicies(ctx context.Context, cursor string, limit int) (*result, error) {
	return c.do(ctx, http.MethodGet, "/v2/policies"+pageQuery(cursor, limit, nil), nil, nil)
}

// GetPolicy fetches a policy.
func (c *Client) GetPolicy(ctx context.Context, id string) (*policyResponse, error) {
	res, err := c.do(ctx, http.MethodGet, "/v2/policies/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, notFoundAs(err, clierror.PolicyNotFound(id))
	}
	if len(res.Data.Policies) == 0 {
		return nil, clierror.PolicyNotFound(id)
	}
	return &res.Data.Policies[0], nil
}

// CreatePolicy creates a policy or schedules an update.
func (c *Client) CreatePolicy(ctx context.Context, req map[string]interface{}) (*result, error) {
	return c.do(ctx, http.MethodPost, "/v2/policies", req, nil)
}

// PatchPolicy renames a policy or replaces its device set.
func (c *Client) PatchPolicy(ctx context.Context, id string, patch map[string]interface{}) (*result, error) {
	res, err := c.do(ctx, http.MethodPatch, "/v2/policies/"+url.PathEscape(id), patch, nil)
	return res, notFoundAs(err, clierror.PolicyNotFound(id))
}

// RevokePolicy revokes a policy. Applied is false when the policy did not
// exist.
func (c *Client) RevokePolicy(ctx context.Context, id string) (*result, error) {
	return c.do(ctx, http.MethodDelete, "/v2/policies/"+url.PathEscape(id), nil, nil)
}

// ListAudit returns one page of audit events.
func (c *Client) ListAudit(ctx context.Context, eventType string, since time.Time, cursor string, limit int) (*result, error) {
	extra := url.Values{}
	if eventType != "" {
		extra.Set("type", eventType)
	}
	if !since.IsZero() {
		extra.Set("since", fmt.Sprintf("%d", since.UnixMilli()))
	}
	return c.do(ctx, http.MethodGet, "/v2/audit"+pageQuery(cursor, limit, extra), nil, nil)
}

func pageQuery(cursor string, limit int, extra url.Values) string {
	q := url.Values{}
	for k, vs := range extra {
		q[k] = vs
	}
	if cursor != "" {
		q.Set("i", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// notFoundAs replaces a generic not-found error with a specific one.
func notFoundAs(err error, specific *clierror.CLIError) error {
	if cliErr, ok := err.(*clierror.CLIError); ok && cliErr.Code == clierror.CodeNotFound {
		return specific
	}
	return err
}
