package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gobeyondidentity/verdict/pkg/apierror"
	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/audit"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// PolicyRequest creates a policy.
type PolicyRequest struct {
	Name        string
	Cookie      string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Devices     []int64
	Template    bool
	PCRTemplate []int
	FWTemplate  []string
	PCRs        map[int]string
	FWOverrides []string
}

// ParsePolicyRequest decodes and validates a policy creation body. Device
// existence is checked when the request is applied.
func ParsePolicyRequest(body []byte) (*PolicyRequest, error) {
	f, err := parseFields(body,
		"name", "cookie", "valid_from", "valid_until", "devices",
		"pcr_template", "fw_template", "pcrs", "fw_overrides",
	)
	if err != nil {
		return nil, err
	}

	req := &PolicyRequest{
		Name:   f.text("name", true),
		Cookie: f.text("cookie", true),
	}
	req.ValidFrom = f.millis("valid_from")
	req.ValidUntil = f.millis("valid_until")
	req.Devices, _ = f.ids("devices")

	var hasTemplate, hasPCRs bool
	req.PCRTemplate, hasTemplate = f.pcrIndices("pcr_template")
	req.PCRs, hasPCRs = f.pcrValues("pcrs")
	req.FWTemplate = firmwarePaths(f, "fw_template")
	req.FWOverrides, _ = f.stringList("fw_overrides")

	switch {
	case hasTemplate && hasPCRs:
		f.fail("/pcr_template", "pcr_template and pcrs are mutually exclusive")
	case !hasTemplate && !hasPCRs:
		f.fail("/pcrs", "one of pcr_template or pcrs is required")
	case hasPCRs && f.has("fw_template"):
		f.fail("/fw_template", "fw_template requires pcr_template")
	}
	req.Template = hasTemplate

	if err := f.err(); err != nil {
		return nil, err
	}
	if req.ValidFrom != nil && req.ValidUntil != nil && !req.ValidUntil.After(*req.ValidFrom) {
		return nil, apierror.Logic("valid_until must be later than valid_from")
	}
	return req, nil
}

func (req *PolicyRequest) newPolicy() *store.Policy {
	p := &store.Policy{
		Name:        req.Name,
		Cookie:      req.Cookie,
		ValidFrom:   req.ValidFrom,
		ValidUntil:  req.ValidUntil,
		FWOverrides: req.FWOverrides,
	}
	if req.Template {
		p.Kind = store.PolicyTemplate
		p.PCRTemplate = req.PCRTemplate
		p.FWTemplate = req.FWTemplate
	} else {
		p.Kind = store.PolicyConcrete
		p.PCRs = req.PCRs
	}
	return p
}

// PolicyResult is the outcome of a policy mutation.
type PolicyResult struct {
	Status Status
	Policy *store.Policy
	// Devices are the devices whose policy list changed, or for an already
	// processed request the devices bound to the policy.
	Devices    []*store.Device
	Appraisals []*store.Appraisal
}

// CreatePolicy stores a policy and binds it to the requested devices.
//
// A request whose cookie matches an existing policy is not executed again;
// the stored policy and its devices are returned with
// StatusAlreadyProcessed. A concrete policy that is active now is applied
// right away: every bound device that is not retired is appraised again
// using its latest verified report. A policy with a future valid_from
// schedules an update and takes over once its window opens.
func (m *Manager) CreatePolicy(ctx context.Context, req *PolicyRequest, actor string) (*PolicyResult, error) {
	res := &PolicyResult{}
	var appraised []*attestation.Result
	var events []audit.Event

	discover := func(*store.Tx) ([]int64, error) { return req.Devices, nil }
	err := m.withDevices(ctx, discover, func(tx *store.Tx) error {
		*res = PolicyResult{}
		appraised = nil

		existing, err := tx.PolicyByCookie(req.Cookie)
		if err == nil {
			res.Status = StatusAlreadyProcessed
			res.Policy = existing
			res.Devices, err = loadDevices(tx, existing.Devices)
			return err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := checkDevices(tx, req.Devices); err != nil {
			return err
		}

		p := req.newPolicy()
		if err := tx.InsertPolicy(p); err != nil {
			return err
		}
		change := store.ChangeNew
		if p.IsTemplate() {
			change = store.ChangeTemplate
		}
		if err := tx.AppendPolicyChange(p.ID, store.Change{Type: change, Actor: actor}); err != nil {
			return err
		}

		if err := m.bindAll(tx, p.ID, req.Devices, actor); err != nil {
			return err
		}
		if !p.IsTemplate() && p.ActiveAt(m.engine.Now()) {
			if appraised, err = m.reappraise(tx, req.Devices); err != nil {
				return err
			}
		}

		res.Status = StatusApplied
		if res.Policy, err = tx.GetPolicy(p.ID); err != nil {
			return err
		}
		if res.Devices, err = loadDevices(tx, req.Devices); err != nil {
			return err
		}
		res.Appraisals = appraisals(appraised)
		events = append(events, audit.NewPolicyCreate(actor, p.ID, string(p.Kind), len(req.Devices)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.engine.Publish(appraised...)
	m.emit(events...)
	if res.Status == StatusApplied {
		m.logger.Info("policy created", "policy_id", res.Policy.ID, "kind", res.Policy.Kind, "devices", len(res.Devices), "actor", actor)
	}
	return res, nil
}

// PolicyOp is one operation of a policy patch.
type PolicyOp interface {
	policyOp()
}

// RenamePolicy sets the display name.
type RenamePolicy struct{ Name string }

// SetPolicyDevices replaces the set of bound devices.
type SetPolicyDevices struct{ Devices []int64 }

func (RenamePolicy) policyOp()     {}
func (SetPolicyDevices) policyOp() {}

// ParsePolicyPatch decodes a policy patch body. Expected values and validity
// windows are immutable; a changed policy is created as a new one.
func ParsePolicyPatch(body []byte) ([]PolicyOp, error) {
	f, err := parseFields(body, "name", "devices")
	if err != nil {
		return nil, err
	}

	var ops []PolicyOp
	if f.has("name") {
		ops = append(ops, RenamePolicy{Name: f.text("name", true)})
	}
	if ids, ok := f.ids("devices"); ok {
		ops = append(ops, SetPolicyDevices{Devices: ids})
	}

	if err := f.err(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, apierror.List{apierror.Invalid("", "patch contains no changes")}
	}
	return ops, nil
}

// PatchPolicy applies a policy patch atomically. Devices that become bound
// to an active concrete policy are appraised again.
func (m *Manager) PatchPolicy(ctx context.Context, id int64, ops []PolicyOp, actor string) (*PolicyResult, error) {
	res := &PolicyResult{}
	var appraised []*attestation.Result

	var wanted []int64
	for _, op := range ops {
		if op, ok := op.(SetPolicyDevices); ok {
			wanted = op.Devices
		}
	}

	discover := func(tx *store.Tx) ([]int64, error) {
		p, err := getPolicy(tx, id, "")
		if err != nil {
			return nil, err
		}
		return append(append([]int64(nil), p.Devices...), wanted...), nil
	}

	err := m.withDevices(ctx, discover, func(tx *store.Tx) error {
		*res = PolicyResult{Status: StatusApplied}
		appraised = nil

		p, err := getPolicy(tx, id, "")
		if err != nil {
			return err
		}

		var changedDevices []int64
		for _, op := range ops {
			switch op := op.(type) {
			case RenamePolicy:
				if op.Name == p.Name {
					continue
				}
				p.Name = op.Name
				if err := tx.SavePolicy(p); err != nil {
					return err
				}
				if err := tx.AppendPolicyChange(p.ID, store.Change{Type: store.ChangeRename, Actor: actor, Comment: op.Name}); err != nil {
					return err
				}

			case SetPolicyDevices:
				if err := checkDevices(tx, op.Devices); err != nil {
					return err
				}
				added := difference(op.Devices, p.Devices)
				removed := difference(p.Devices, op.Devices)
				if len(added) == 0 && len(removed) == 0 {
					continue
				}
				if err := m.bindAll(tx, p.ID, added, actor); err != nil {
					return err
				}
				if err := m.unbindAll(tx, p.ID, removed, actor); err != nil {
					return err
				}
				changedDevices = append(append(changedDevices, added...), removed...)

				if !p.IsTemplate() && p.ActiveAt(m.engine.Now()) {
					results, err := m.reappraise(tx, added)
					if err != nil {
						return err
					}
					appraised = append(appraised, results...)
				}
			}
		}

		if res.Policy, err = tx.GetPolicy(p.ID); err != nil {
			return err
		}
		if res.Devices, err = loadDevices(tx, changedDevices); err != nil {
			return err
		}
		res.Appraisals = appraisals(appraised)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.engine.Publish(appraised...)
	return res, nil
}

// RevokePolicy revokes a policy. Revoking an unknown policy reports
// StatusAlreadyAbsent; revoking a revoked policy changes nothing.
func (m *Manager) RevokePolicy(ctx context.Context, id int64, actor string) (*PolicyResult, error) {
	res := &PolicyResult{}
	revoked := false

	err := m.store.Update(ctx, func(tx *store.Tx) error {
		p, err := tx.GetPolicy(id)
		if errors.Is(err, store.ErrNotFound) {
			res.Status = StatusAlreadyAbsent
			return nil
		}
		if err != nil {
			return err
		}

		res.Status = StatusApplied
		if !p.Revoked {
			p.Revoked = true
			if err := tx.SavePolicy(p); err != nil {
				return err
			}
			if err := tx.AppendPolicyChange(p.ID, store.Change{Type: store.ChangeRevoke, Actor: actor}); err != nil {
				return err
			}
			revoked = true
		}
		res.Policy, err = tx.GetPolicy(id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if revoked {
		m.emit(audit.NewPolicyRevoke(actor, id))
		m.logger.Info("policy revoked", "policy_id", id, "actor", actor)
	}
	return res, nil
}

// Policy returns one policy.
func (m *Manager) Policy(ctx context.Context, id int64) (*store.Policy, error) {
	var p *store.Policy
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		p, err = getPolicy(tx, id, "")
		return err
	})
	return p, err
}

// Policies returns a page of policies, newest first.
func (m *Manager) Policies(ctx context.Context, cursor string, limit int) ([]*store.Policy, string, error) {
	var policies []*store.Policy
	var next string
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		policies, next, err = tx.ListPolicies(cursor, limit)
		return err
	})
	if errors.Is(err, store.ErrInvalidCursor) {
		return nil, "", apierror.List{apierror.Invalid("/i", "invalid cursor")}
	}
	return policies, next, err
}

func (m *Manager) bindAll(tx *store.Tx, policyID int64, devices []int64, actor string) error {
	bound := false
	for _, id := range devices {
		changed, err := tx.Bind(id, policyID)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		bound = true
		err = tx.AppendDeviceChange(id, store.Change{
			Type:    store.ChangeAssociate,
			Actor:   actor,
			Comment: fmt.Sprintf("bound to policy %d", policyID),
		})
		if err != nil {
			return err
		}
	}
	if !bound {
		return nil
	}
	return tx.AppendPolicyChange(policyID, store.Change{Type: store.ChangeAssociate, Actor: actor, Comment: "devices bound"})
}

func (m *Manager) unbindAll(tx *store.Tx, policyID int64, devices []int64, actor string) error {
	unbound := false
	for _, id := range devices {
		changed, err := tx.Unbind(id, policyID)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		unbound = true
		err = tx.AppendDeviceChange(id, store.Change{
			Type:    store.ChangeAssociate,
			Actor:   actor,
			Comment: fmt.Sprintf("unbound from policy %d", policyID),
		})
		if err != nil {
			return err
		}
	}
	if !unbound {
		return nil
	}
	return tx.AppendPolicyChange(policyID, store.Change{Type: store.ChangeAssociate, Actor: actor, Comment: "devices unbound"})
}

// checkDevices reports every id that does not name a device.
func checkDevices(tx *store.Tx, ids []int64) error {
	var errs apierror.List
	for i, id := range ids {
		if _, err := tx.GetDevice(id); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			errs = append(errs, apierror.Invalid("/devices/"+strconv.Itoa(i), "device %d does not exist", id))
		}
	}
	return errs.Err()
}

func loadDevices(tx *store.Tx, ids []int64) ([]*store.Device, error) {
	out := make([]*store.Device, 0, len(ids))
	for _, id := range ids {
		d, err := tx.GetDevice(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func appraisals(results []*attestation.Result) []*store.Appraisal {
	out := make([]*store.Appraisal, 0, len(results))
	for _, r := range results {
		out = append(out, r.Appraisal)
	}
	return out
}
